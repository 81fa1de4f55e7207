package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"retell-proxy-go/internal/model"
	"retell-proxy-go/internal/scanner"
)

// Set by goreleaser ldflags.
var version = "dev"

type cli struct {
	Files     []string         `kong:"arg,optional,name='file',default='index.html',help='Local files to scan. Missing files are skipped.'"`
	Site      string           `kong:"help='Deployed site URL to fetch and scan.',placeholder='URL'"`
	ProxyURL  string           `kong:"name='proxy-url',help='Proxy endpoint to smoke-test with a web call request.',placeholder='URL'"`
	AgentID   string           `kong:"name='agent-id',help='Agent id sent in the smoke test.'"`
	ProxyHost string           `kong:"name='proxy-host',help='Host whose presence marks the proxy endpoint as configured.'"`
	Timeout   time.Duration    `kong:"default='30s',help='Timeout for each network check.'"`
	Version   kong.VersionFlag `kong:"short='V',help='Print version and exit.'"`
}

func (c *cli) Validate() error {
	if c.ProxyURL == "" {
		return nil
	}
	if c.AgentID == "" {
		return errors.New("--agent-id is required with --proxy-url")
	}
	if !model.ValidAgentID(c.AgentID) {
		return fmt.Errorf("--agent-id %q is not a valid agent id", c.AgentID)
	}
	return nil
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("secret-scan"),
		kong.Description("Scan site content for exposed credentials and smoke-test the proxy endpoint."),
		kong.Vars{"version": version},
	)

	s := scanner.New(
		scanner.WithHTTPClient(&http.Client{Timeout: c.Timeout}),
		scanner.WithProxyHost(c.ProxyHost),
	)

	var report scanner.Report
	for _, path := range c.Files {
		findings, err := s.ScanFile(path)
		kctx.FatalIfErrorf(err)
		report.Add(findings...)
	}

	ctx := context.Background()
	if c.Site != "" {
		report.Add(s.ScanURL(ctx, c.Site)...)
	}
	if c.ProxyURL != "" {
		report.Add(s.ProbeEndpoint(ctx, c.ProxyURL, c.AgentID)...)
	}

	if _, err := report.WriteTo(os.Stdout); err != nil {
		kctx.FatalIfErrorf(err)
	}
	if !report.Passed() {
		kctx.Exit(1)
	}
}
