// MCP server standalone entrypoint.
// This is a convenience binary that analyzes one configuration file with
// the built-in rules and serves the results over stdio.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/PiotrMackowski/ClosedSTIG/internal/analyzer"
	"github.com/PiotrMackowski/ClosedSTIG/internal/mcpserver"
	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
	_ "github.com/PiotrMackowski/ClosedSTIG/internal/parser/arista"
	_ "github.com/PiotrMackowski/ClosedSTIG/internal/parser/aruba"
	_ "github.com/PiotrMackowski/ClosedSTIG/internal/parser/juniper"
	_ "github.com/PiotrMackowski/ClosedSTIG/internal/parser/mellanox"
	_ "github.com/PiotrMackowski/ClosedSTIG/internal/parser/pfsense"
	_ "github.com/PiotrMackowski/ClosedSTIG/internal/parser/redhat"
	"github.com/PiotrMackowski/ClosedSTIG/internal/resolver"
	"github.com/PiotrMackowski/ClosedSTIG/internal/rules"
	"github.com/PiotrMackowski/ClosedSTIG/internal/upload"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: closedstig-mcp <config-file> [platform]")
		os.Exit(1)
	}

	// stdout carries the protocol.
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	configPath := os.Args[1]
	var platformArg string
	if len(os.Args) > 2 {
		platformArg = os.Args[2]
	}

	f, err := os.Open(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open configuration")
	}
	content, err := upload.DefaultPolicy().Read(configPath, f)
	f.Close()
	if err != nil {
		logger.WithError(err).Fatal("Configuration rejected")
	}

	platform, err := parser.Resolve(platformArg, content)
	if err != nil {
		logger.WithError(err).Fatal("Unknown platform")
	}

	catalog, err := rules.Builtin()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load built-in rules")
	}

	a := analyzer.New(resolver.New(nil, nil, catalog, logger), nil, 0, logger)
	out, err := a.Analyze(context.Background(), analyzer.Input{Content: content, Platform: platform})
	if err != nil {
		logger.WithError(err).Fatal("Analysis failed")
	}

	data := mcpserver.FromAnalysis(out)
	logger.WithField("platform", out.Platform).
		WithField("results", len(out.Results)).
		WithField("score", data.Document.Summary.ComplianceScore).
		Info("Loaded results")

	mcpSrv := mcpserver.NewMCPServer(data)

	logger.Info("Starting ClosedSTIG MCP server on stdio...")
	if err := server.ServeStdio(mcpSrv); err != nil {
		logger.WithError(err).Fatal("MCP server error")
	}
}
