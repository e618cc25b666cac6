package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/PiotrMackowski/ClosedSTIG/internal/api"
	"github.com/PiotrMackowski/ClosedSTIG/internal/audit"
	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
	"github.com/PiotrMackowski/ClosedSTIG/internal/queue"
	"github.com/PiotrMackowski/ClosedSTIG/internal/xccdf"
	"github.com/spf13/cobra"
)

// errNoLibrary is returned by library commands when the directory is missing.
var errNoLibrary = errors.New("no XCCDF library directory configured")

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Serves the REST API. Audit jobs are dispatched to Redis when the queue
is enabled and reachable, and run in process otherwise.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.openStore(ctx); err != nil {
				return err
			}
			release := a.useDispatcher(ctx)
			defer release()

			if a.library != nil && a.cfg.Library.Watch {
				go func() {
					if err := a.library.Watch(ctx, a.cfg.Library.Debounce); err != nil {
						a.logger.WithError(err).Warn("Library watcher stopped")
					}
				}()
			}

			srv := api.New(a.logger, api.Config{
				Addr:             a.cfg.Server.Addr(),
				ShutdownTimeout:  a.cfg.Server.ShutdownTimeout,
				MaxUploadSize:    a.cfg.Limits.MaxConfigUploadSize,
				MaxCKLSize:       a.cfg.Limits.MaxCKLSize,
				MaxBenchmarkSize: a.cfg.Limits.MaxZipEntrySize,
				Dependencies: api.Dependencies{
					Audits:    a.svc,
					Library:   a.library,
					Extractor: a.extractor,
				},
			})
			return srv.Run(ctx)
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process audit jobs from the Redis queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.openStore(ctx); err != nil {
				return err
			}

			w, err := queue.NewWorker(a.cfg.Queue.RedisURL, a.cfg.Queue.Concurrency, a.svc, a.logger)
			if err != nil {
				return err
			}
			return w.Run(ctx)
		},
	}
}

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Start and inspect audit jobs",
	}

	startCmd := &cobra.Command{
		Use:   "start <target-id> <definition-id>",
		Short: "Audit a target against one definition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			return withStore(cmd, func(ctx context.Context, a *app) error {
				release := a.useDispatcher(ctx)
				job, err := a.svc.StartAudit(ctx, audit.StartRequest{
					TargetID:     args[0],
					DefinitionID: args[1],
					Name:         name,
					CreatedBy:    "cli",
				})
				release()
				if err != nil {
					return err
				}
				return printJob(ctx, cmd.OutOrStdout(), a, job.ID)
			})
		},
	}
	startCmd.Flags().String("name", "", "Job name")

	allCmd := &cobra.Command{
		Use:   "all <target-id>",
		Short: "Audit a target against every enabled assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			return withStore(cmd, func(ctx context.Context, a *app) error {
				release := a.useDispatcher(ctx)
				view, err := a.svc.StartGroup(ctx, audit.GroupRequest{
					TargetID:  args[0],
					Name:      name,
					CreatedBy: "cli",
				})
				release()
				if err != nil {
					return err
				}
				if view, err = a.svc.GroupView(ctx, view.ID); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), view)
			})
		},
	}
	allCmd.Flags().String("name", "", "Group name")

	statusCmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, a *app) error {
				job, err := a.svc.Job(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list <target-id>",
		Short: "List the jobs of a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, a *app) error {
				jobs, err := a.svc.Store().ListJobs(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), jobs)
			})
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, a *app) error {
				job, err := a.svc.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}

	resultsCmd := &cobra.Command{
		Use:   "results <job-id>",
		Short: "List the results of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			statusFlag, _ := cmd.Flags().GetString("status")
			severityFlag, _ := cmd.Flags().GetString("severity")
			asJSON, _ := cmd.Flags().GetBool("json")

			status, severity, err := resultFilters(statusFlag, severityFlag)
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, a *app) error {
				results, err := a.svc.Results(ctx, args[0], status, severity)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), results)
				}
				writeResults(cmd.OutOrStdout(), results)
				return nil
			})
		},
	}
	resultsCmd.Flags().String("status", "", "Only results with this status")
	resultsCmd.Flags().String("severity", "", "Only results with this severity (high, medium, low)")
	resultsCmd.Flags().Bool("json", false, "Print JSON")

	summaryCmd := &cobra.Command{
		Use:   "summary <job-id>",
		Short: "Show the compliance summary of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, a *app) error {
				return printJob(ctx, cmd.OutOrStdout(), a, args[0])
			})
		},
	}

	commentCmd := &cobra.Command{
		Use:   "comment <result-id> <comment>",
		Short: "Attach a reviewer comment to a result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, a *app) error {
				return a.svc.AddComment(ctx, args[0], args[1])
			})
		},
	}

	cmd.AddCommand(startCmd, allCmd, statusCmd, listCmd, cancelCmd, resultsCmd, summaryCmd, commentCmd)
	return cmd
}

// resultFilters validates the --status and --severity flags. Empty means
// no filter.
func resultFilters(status, severity string) (finding.Status, finding.Severity, error) {
	var st finding.Status
	if status != "" {
		s, ok := finding.ParseStatus(status)
		if !ok {
			return "", "", fmt.Errorf("invalid status %q", status)
		}
		st = s
	}
	var sev finding.Severity
	if severity != "" {
		sev = finding.Severity(strings.ToLower(severity))
		if finding.SeverityOrder(sev) > 2 {
			return "", "", fmt.Errorf("invalid severity %q", severity)
		}
	}
	return st, sev, nil
}

// printJob prints a job line and, once completed, its summary.
func printJob(ctx context.Context, w io.Writer, a *app, jobID string) error {
	job, err := a.svc.Job(ctx, jobID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s %s %s\n", titleStyle.Render(job.ID), job.Name, strings.ToUpper(string(job.Status)))
	if job.ErrorMessage != "" {
		fmt.Fprintln(w, failStyle.Render(job.ErrorMessage))
	}
	if job.Status != audit.JobCompleted {
		return nil
	}
	summary, err := a.svc.Summary(ctx, jobID)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, renderSummary(job.Name, *summary))
	return nil
}

func newTargetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Manage audit targets",
	}

	addCmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a target",
		Long: `Registers a device or server. Targets with --config-path are read from
disk; targets with --ip are collected over SSH.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			platform, _ := cmd.Flags().GetString("platform")
			ip, _ := cmd.Flags().GetString("ip")
			port, _ := cmd.Flags().GetInt("port")
			username, _ := cmd.Flags().GetString("username")
			configPath, _ := cmd.Flags().GetString("config-path")

			p, err := parser.ParsePlatform(platform)
			if err != nil {
				return err
			}
			if configPath != "" {
				if configPath, err = filepath.Abs(configPath); err != nil {
					return err
				}
			}
			return withStore(cmd, func(ctx context.Context, a *app) error {
				t, err := a.svc.CreateTarget(ctx, audit.Target{
					Name:       args[0],
					Platform:   p,
					IPAddress:  ip,
					Port:       port,
					Username:   username,
					ConfigPath: configPath,
					IsActive:   true,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
	addCmd.Flags().String("platform", "", "Target platform (required)")
	addCmd.Flags().String("ip", "", "Address for SSH collection")
	addCmd.Flags().Int("port", 0, "SSH port (defaults to ssh.port)")
	addCmd.Flags().String("username", "", "SSH username (defaults to ssh.username)")
	addCmd.Flags().String("config-path", "", "Read the configuration from this file")
	_ = addCmd.MarkFlagRequired("platform")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, a *app) error {
				targets, err := a.svc.Targets(ctx)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%-36s %-20s %-16s %s\n", "ID", "NAME", "PLATFORM", "SOURCE")
				for _, t := range targets {
					source := t.ConfigPath
					if source == "" {
						source = t.IPAddress
					}
					fmt.Fprintf(w, "%-36s %-20s %-16s %s\n", t.ID, t.Name, t.Platform, source)
				}
				return nil
			})
		},
	}

	assignCmd := &cobra.Command{
		Use:   "assign <target-id> <definition-id>",
		Short: "Assign a definition to a target",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			disable, _ := cmd.Flags().GetBool("disable")
			return withStore(cmd, func(ctx context.Context, a *app) error {
				return a.svc.Assign(ctx, audit.Assignment{
					TargetID:     args[0],
					DefinitionID: args[1],
					Enabled:      !disable,
				})
			})
		},
	}
	assignCmd.Flags().Bool("disable", false, "Keep the assignment but exclude it from audit all")

	cmd.AddCommand(addCmd, listCmd, assignCmd)
	return cmd
}

func newDefinitionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "definition",
		Short: "Manage STIG definitions",
	}

	importCmd := &cobra.Command{
		Use:   "import <benchmark.zip|benchmark.xml>",
		Short: "Import an XCCDF benchmark as a definition with its rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, a *app) error {
				extract := a.extractor.ExtractXMLFile
				if strings.EqualFold(filepath.Ext(args[0]), ".zip") {
					extract = a.extractor.ExtractZip
				}
				b, rs, err := extract(args[0])
				if err != nil {
					return err
				}
				def, err := a.svc.ImportDefinition(ctx, b, rs)
				if err != nil {
					return err
				}
				a.logger.WithField("stig_id", def.STIGID).WithField("rules", len(rs)).Info("Definition imported")
				return printJSON(cmd.OutOrStdout(), def)
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, a *app) error {
				defs, err := a.svc.Definitions(ctx)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%-36s %-40s %-8s %s\n", "ID", "STIG ID", "VERSION", "TITLE")
				for _, d := range defs {
					fmt.Fprintf(w, "%-36s %-40s %-8s %s\n", d.ID, d.STIGID, d.Version, truncate(d.Title, 60))
				}
				return nil
			})
		},
	}

	cmd.AddCommand(importCmd, listCmd)
	return cmd
}

func newLibraryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "library",
		Short: "Inspect the XCCDF benchmark library",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the benchmarks in the library",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			if a.library == nil {
				return errNoLibrary
			}
			platform, _ := cmd.Flags().GetString("platform")
			benchmarks := a.library.Catalog()
			if platform != "" {
				p, err := parser.ParsePlatform(platform)
				if err != nil {
					return err
				}
				benchmarks = a.library.ForPlatform(p)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-48s %-5s %-8s %-6s %s\n", "ID", "TYPE", "VERSION", "RULES", "TITLE")
			for _, b := range benchmarks {
				fmt.Fprintf(w, "%-48s %-5s %-8s %-6d %s\n", b.ID, b.Type, b.Version, b.RulesCount, truncate(b.Title, 60))
			}
			fmt.Fprintf(w, "Total: %d benchmarks in %s\n", len(benchmarks), a.library.Dir())
			return nil
		},
	}
	listCmd.Flags().String("platform", "", "Only benchmarks applying to this platform")

	rulesCmd := &cobra.Command{
		Use:   "rules <benchmark-id>",
		Short: "List the rules of one benchmark",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			if a.library == nil {
				return errNoLibrary
			}
			rs, err := a.library.GetOrLoad(args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-24s %-12s %-8s %s\n", "RULE", "VULN", "SEVERITY", "TITLE")
			for _, r := range rs {
				fmt.Fprintf(w, "%-24s %-12s %s %s\n", r.ID, r.VulnID, severityStyle(r.Severity).Width(8).Render(string(r.Severity)), truncate(r.Title, 70))
			}
			return nil
		},
	}

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Index the library directory and report what was found",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			if a.library == nil {
				return errNoLibrary
			}
			var stigs, srgs int
			for _, b := range a.library.Catalog() {
				if b.Type == xccdf.TypeSRG {
					srgs++
				} else {
					stigs++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d STIGs, %d SRGs\n", a.library.Dir(), stigs, srgs)
			return nil
		},
	}

	cmd.AddCommand(scanCmd, listCmd, rulesCmd)
	return cmd
}
