// ClosedSTIG - STIG configuration compliance auditing
//
// Main CLI entrypoint. Provides commands for offline analysis, the audit
// job lifecycle, the HTTP API, the queue worker, reporting, and exposing
// results via MCP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/PiotrMackowski/ClosedSTIG/internal/analyzer"
	"github.com/PiotrMackowski/ClosedSTIG/internal/mcpserver"
	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
	"github.com/PiotrMackowski/ClosedSTIG/internal/report"
	"github.com/PiotrMackowski/ClosedSTIG/internal/report/render"
	"github.com/PiotrMackowski/ClosedSTIG/internal/resolver"
	"github.com/PiotrMackowski/ClosedSTIG/internal/rules"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "closedstig",
		Short: "ClosedSTIG - STIG configuration compliance auditing",
		Long: `ClosedSTIG audits network device and server configurations against
DISA STIG benchmarks and reports a compliance verdict per rule.

Configuration is read from closedstig.yaml (or --config), a .env file and
STIG_* environment variables, e.g.:
  STIG_DATABASE_DRIVER   - sqlite or postgres
  STIG_DATABASE_DSN      - PostgreSQL connection string
  STIG_QUEUE_REDIS_URL   - Redis URL for background audit jobs
  STIG_SSH_USERNAME      - Username for live device collection
  STIG_LIBRARY_PATH      - Directory of XCCDF benchmark archives`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Path to configuration file")
	rootCmd.PersistentFlags().String("library", "", "XCCDF library directory (overrides library.path)")
	rootCmd.PersistentFlags().String("rules", "", "Directory of rule tables (defaults to the built-in set)")

	rootCmd.AddCommand(
		newAnalyzeCmd(),
		newServeCmd(),
		newWorkerCmd(),
		newAuditCmd(),
		newTargetCmd(),
		newDefinitionCmd(),
		newLibraryCmd(),
		newReportCmd(),
		newMCPCmd(),
		newChecksCmd(),
	)
	return rootCmd
}

// --- Helper Functions ---

// signalContext derives a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// analyzeFile runs the offline pipeline on a configuration file. An empty
// platform is detected from the content.
func analyzeFile(ctx context.Context, a *app, path, platform, benchmark string) (*analyzer.Output, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening configuration: %w", err)
	}
	defer f.Close()

	content, err := a.uploadPolicy().Read(path, f)
	if err != nil {
		return nil, err
	}

	p, err := parser.Resolve(platform, content)
	if err != nil {
		return nil, err
	}

	return a.analyzer(nil).Analyze(ctx, analyzer.Input{
		Content:   content,
		Platform:  p,
		Reference: resolver.Reference{BenchmarkID: benchmark},
	})
}

// writeReport renders doc in format to output, or to stdout when output
// is "-".
func writeReport(doc *report.Document, output, format string) error {
	f, err := render.ParseFormat(format)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if output != "-" {
		file, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer file.Close()
		w = file
	}
	return render.Write(w, f, doc)
}

// --- Commands ---

func newAnalyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <config-file>",
		Short: "Analyze a configuration file offline (parse + evaluate + report)",
		Long: `Parses a device or server configuration, evaluates it against the
rules for its platform, prints a summary, and optionally writes a report.
Nothing is stored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			platform, _ := cmd.Flags().GetString("platform")
			benchmark, _ := cmd.Flags().GetString("benchmark")
			output, _ := cmd.Flags().GetString("output")
			format, _ := cmd.Flags().GetString("format")
			verbose, _ := cmd.Flags().GetBool("verbose")

			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}

			out, err := analyzeFile(ctx, a, args[0], platform, benchmark)
			if err != nil {
				return err
			}
			a.logger.WithField("platform", out.Platform).
				WithField("source", out.Source).
				WithField("rules", len(out.Rules)).
				Info("Analysis complete")

			doc := report.New(string(out.Platform), out.Results, rules.Details(out.Rules))
			fmt.Fprintln(cmd.OutOrStdout(), renderSummary(fmt.Sprintf("%s (%s)", args[0], out.Platform), doc.Summary))
			if verbose {
				writeResults(cmd.OutOrStdout(), doc.Sorted())
			}

			if output != "" {
				if err := writeReport(doc, output, format); err != nil {
					return err
				}
				a.logger.WithField("output", output).Info("Report written")
			}
			return nil
		},
	}

	cmd.Flags().String("platform", "", "Platform (detected from content when empty)")
	cmd.Flags().String("benchmark", "", "XCCDF benchmark id from the library to evaluate against")
	cmd.Flags().String("output", "", "Also write a report to this file (- for stdout)")
	cmd.Flags().String("format", "html", "Report format: json, csv, html, ckl or pdf")
	cmd.Flags().BoolP("verbose", "v", false, "Print every result")

	return cmd
}

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <job-id>",
		Short: "Write the report of a completed audit job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			format, _ := cmd.Flags().GetString("format")

			return withStore(cmd, func(ctx context.Context, a *app) error {
				doc, err := report.Build(ctx, a.svc, args[0])
				if err != nil {
					return err
				}
				if output == "" {
					f, err := render.ParseFormat(format)
					if err != nil {
						return err
					}
					if err := os.MkdirAll(a.cfg.Report.OutputDir, 0o750); err != nil {
						return fmt.Errorf("creating report directory: %w", err)
					}
					output = filepath.Join(a.cfg.Report.OutputDir, fmt.Sprintf("stig_report_%s%s", args[0], f.Extension()))
				}
				if err := writeReport(doc, output, format); err != nil {
					return err
				}
				a.logger.WithField("output", output).Info("Report written")
				return nil
			})
		},
	}

	cmd.Flags().String("output", "", "Output file path (default <report.output_dir>/stig_report_<job>.<ext>, - for stdout)")
	cmd.Flags().String("format", "html", "Report format: json, csv, html, ckl or pdf")

	return cmd
}

func newMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp [config-file]",
		Short: "Start the MCP server for AI-assisted audit analysis",
		Long: `Starts a Model Context Protocol (MCP) server over stdio.
Either analyzes a configuration file or loads a stored audit job (--job),
then exposes the results as MCP tools and resources.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			jobID, _ := cmd.Flags().GetString("job")
			platform, _ := cmd.Flags().GetString("platform")
			if (jobID == "") == (len(args) == 0) {
				return errors.New("provide either a configuration file or --job")
			}

			var data *mcpserver.AuditData
			if jobID != "" {
				err := withStore(cmd, func(ctx context.Context, a *app) error {
					doc, err := report.Build(ctx, a.svc, jobID)
					if err != nil {
						return err
					}
					data = &mcpserver.AuditData{Document: doc}
					return nil
				})
				if err != nil {
					return err
				}
			} else {
				a, err := newApp(ctx, cmd)
				if err != nil {
					return err
				}
				out, err := analyzeFile(ctx, a, args[0], platform, "")
				if err != nil {
					return err
				}
				data = mcpserver.FromAnalysis(out)
			}

			mcpSrv := mcpserver.NewMCPServer(data)
			if err := server.ServeStdio(mcpSrv); err != nil {
				return fmt.Errorf("MCP server error: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().String("job", "", "Serve a stored audit job instead of a file")
	cmd.Flags().String("platform", "", "Platform of the configuration file")

	return cmd
}

func newChecksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checks",
		Short: "List the built-in rule tables",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the built-in rules, optionally for one platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := loadCatalog(cmd)
			if err != nil {
				return err
			}
			platform, _ := cmd.Flags().GetString("platform")
			return writeChecks(cmd.OutOrStdout(), catalog, platform)
		},
	}
	listCmd.Flags().String("platform", "", "Only list rules for this platform")

	cmd.AddCommand(listCmd)
	return cmd
}

// writeChecks prints every table and its rules.
func writeChecks(w io.Writer, catalog *rules.Catalog, platform string) error {
	var only parser.Platform
	if platform != "" {
		p, err := parser.ParsePlatform(platform)
		if err != nil {
			return err
		}
		only = p
	}

	total := 0
	for _, t := range catalog.Tables() {
		if only != "" && !containsPlatform(t.Platforms, only) {
			continue
		}
		fmt.Fprintf(w, "%s %s\n", titleStyle.Render(t.Name), dimStyle.Render(t.Version))
		fmt.Fprintf(w, "%-20s %-12s %-8s %-9s %s\n", "ID", "VULN", "SEVERITY", "CHECK", "TITLE")
		for _, r := range t.Rules {
			check := "manual"
			if r.Check != nil {
				check = string(r.Check.Type)
			}
			fmt.Fprintf(w, "%-20s %-12s %-8s %-9s %s\n", r.ID, r.VulnID, r.Severity, check, truncate(r.Title, 70))
		}
		fmt.Fprintln(w)
		total += len(t.Rules)
	}
	fmt.Fprintf(w, "Total: %d rules\n", total)
	return nil
}

func containsPlatform(ps []parser.Platform, p parser.Platform) bool {
	for _, candidate := range ps {
		if candidate == p {
			return true
		}
	}
	return false
}
