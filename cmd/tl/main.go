package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"testline/internal/agent"
	"testline/internal/app"
	"testline/internal/config"
	"testline/internal/db"
	"testline/internal/domain"
	"testline/internal/engine"
	"testline/internal/migrate"
	"testline/internal/repo"
	"testline/internal/server"
	"testline/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Testline CLI",
	Long: `Testline manages UI test procedures, runs and evidence.
Core concepts:
- Workspace: your .testline directory holding the database and local blobs.
- Project: owns procedures, runs, jobs and endpoints; every project has one owner.
- Procedures: versioned test scripts. Version 0 is the mutable draft; committing
  promotes the draft to a new immutable version.
- Runs: executions of a committed procedure version; pending -> running -> passed/failed/skipped.
- Jobs: asynchronous UI explorations driven by an agent subprocess; a successful
  exploration materializes a procedure, a passed run and step screenshots.
- Assets: files attached to runs (screenshots, videos, logs).
- Endpoints: target systems jobs explore.
- Event log: diary of changes, view with 'tl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TESTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(procedureCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(endpointCmd())
	rootCmd.AddCommand(assetCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectConfigCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			p, err := e.InitProject(cmd.Context(), id, name, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (optional)")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectUpdateCmd() *cobra.Command {
	var name, description string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var descPtr *string
				if cmd.Flags().Changed("description") {
					descPtr = &description
				}
				p, err := e.UpdateProject(ctx, e.Config.Project.ID, viper.GetString("actor-id"), name, descPtr)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteProject(ctx, e.Config.Project.ID, viper.GetString("actor-id"))
			})
		},
	}
}

func projectUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "TESTLINE_DEFAULT_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set TESTLINE_DEFAULT_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project config",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	cfg.AddCommand(projectConfigImportCmd())
	return cfg
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			projectID := cfg.Project.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func procedureCmd() *cobra.Command {
	proc := &cobra.Command{
		Use:   "procedure",
		Short: "Manage test procedures",
		Long:  "Procedures are versioned test scripts. Version 0 is the mutable draft; 'commit' promotes the draft to a new immutable version. Runs always reference committed versions.",
	}
	proc.AddCommand(procedureCreateCmd())
	proc.AddCommand(procedureListCmd())
	proc.AddCommand(procedureShowCmd())
	proc.AddCommand(procedureEditCmd())
	proc.AddCommand(procedureCommitCmd())
	proc.AddCommand(procedureResetCmd())
	proc.AddCommand(procedureHistoryCmd())
	proc.AddCommand(procedureDeleteCmd())
	return proc
}

func parseStepsFlag(raw []string) []domain.Step {
	steps := make([]domain.Step, 0, len(raw))
	for i, s := range raw {
		action, expected, _ := strings.Cut(s, "=>")
		steps = append(steps, domain.Step{
			Index:          i,
			Action:         strings.TrimSpace(action),
			ExpectedResult: strings.TrimSpace(expected),
		})
	}
	return steps
}

func procedureCreateCmd() *cobra.Command {
	var name, desc string
	var steps []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a procedure",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProcedure(ctx, engine.ProcedureCreateOptions{
					ProjectID:   e.Config.Project.ID,
					Name:        name,
					Description: desc,
					Steps:       parseStepsFlag(steps),
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "procedure name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringArrayVar(&steps, "step", []string{}, "step as 'action => expected result' (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func procedureListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List procedures (latest committed versions)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProcedures(ctx, e.Config.Project.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Version", "Steps", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.LineageID(), p.Name, p.Version, len(p.Steps), p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func procedureShowCmd() *cobra.Command {
	var version int
	var draft bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a procedure version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProcedure(ctx, e.Config.Project.ID, viper.GetString("actor-id"), args[0], version, draft)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "specific version (default latest)")
	cmd.Flags().BoolVar(&draft, "draft", false, "show the draft")
	return cmd
}

func procedureEditCmd() *cobra.Command {
	var name, desc string
	var steps []string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit the draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.ProcedureUpdateOptions{
					ProjectID: e.Config.Project.ID,
					LineageID: args[0],
					ActorID:   viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("name") {
					opts.Name = &name
				}
				if cmd.Flags().Changed("description") {
					opts.Description = &desc
				}
				if cmd.Flags().Changed("step") {
					opts.Steps = parseStepsFlag(steps)
					opts.StepsSet = true
				}
				p, err := e.UpdateDraft(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "procedure name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringArrayVar(&steps, "step", []string{}, "step as 'action => expected result' (repeatable, replaces all steps)")
	return cmd
}

func procedureCommitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "commit <id>",
		Short: "Commit the draft as a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CommitDraft(ctx, e.Config.Project.ID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func procedureResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <id>",
		Short: "Reset the draft to the latest committed version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ResetDraft(ctx, e.Config.Project.ID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func procedureHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show committed versions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ProcedureHistory(ctx, e.Config.Project.ID, viper.GetString("actor-id"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func procedureDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a procedure lineage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteProcedure(ctx, e.Config.Project.ID, viper.GetString("actor-id"), args[0])
			})
		},
	}
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Manage test runs",
		Long:  "Runs execute a committed procedure version: pending -> running -> passed/failed/skipped. Status changes are conditional, so concurrent transitions cannot double-apply.",
	}
	run.AddCommand(runCreateCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runStartCmd())
	run.AddCommand(runCompleteCmd())
	run.AddCommand(runUpdateCmd())
	run.AddCommand(runDeleteCmd())
	return run
}

func runCreateCmd() *cobra.Command {
	var procedureID, assignee, notes string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.CreateRun(ctx, engine.RunCreateOptions{
					ProjectID:   e.Config.Project.ID,
					ProcedureID: procedureID,
					Assignee:    assignee,
					Notes:       notes,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&procedureID, "procedure", "", "procedure version id")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("procedure")
	return cmd
}

func runListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListRuns(ctx, e.Config.Project.ID, viper.GetString("actor-id"), status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Procedure", "Status", "Assignee", "Created"})
				for _, run := range items {
					assignee := ""
					if run.Assignee != nil {
						assignee = *run.Assignee
					}
					tw.AppendRow(table.Row{run.ID, run.ProcedureID, run.Status, assignee, run.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func runShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.GetRun(ctx, e.Config.Project.ID, viper.GetString("actor-id"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
}

func runStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Start a pending run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.StartRun(ctx, e.Config.Project.ID, viper.GetString("actor-id"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
}

func runCompleteCmd() *cobra.Command {
	var outcome string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.CompleteRun(ctx, e.Config.Project.ID, viper.GetString("actor-id"), args[0], outcome)
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "passed, failed or skipped")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func runUpdateCmd() *cobra.Command {
	var assignee, notes string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update run assignee or notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var assigneePtr, notesPtr *string
				if cmd.Flags().Changed("assignee") {
					assigneePtr = &assignee
				}
				if cmd.Flags().Changed("notes") {
					notesPtr = &notes
				}
				run, err := e.UpdateRun(ctx, e.Config.Project.ID, viper.GetString("actor-id"), args[0], assigneePtr, notesPtr)
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	return cmd
}

func runDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a run and its assets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteRun(ctx, e.Config.Project.ID, viper.GetString("actor-id"), args[0])
			})
		},
	}
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Manage exploration jobs",
		Long:  "Jobs run the UI exploration agent asynchronously against an endpoint. A successful exploration materializes a procedure with a passed run and step screenshots.",
	}
	job.AddCommand(jobCreateCmd())
	job.AddCommand(jobListCmd())
	job.AddCommand(jobShowCmd())
	job.AddCommand(jobStopCmd())
	return job
}

func jobCreateCmd() *cobra.Command {
	var endpointID, procedureName string
	var maxSteps, timeLimit int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a ui_exploration job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cfg := domain.ExplorationConfig{
					EndpointID:       endpointID,
					ProjectID:        e.Config.Project.ID,
					ProcedureName:    procedureName,
					MaxSteps:         maxSteps,
					TimeLimitSeconds: timeLimit,
				}
				raw, err := json.Marshal(cfg)
				if err != nil {
					return err
				}
				job, err := e.CreateJob(ctx, engine.JobCreateOptions{
					ProjectID: e.Config.Project.ID,
					Type:      domain.JobTypeUIExploration,
					Config:    raw,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
	cmd.Flags().StringVar(&endpointID, "endpoint", "", "endpoint id")
	cmd.Flags().StringVar(&procedureName, "procedure-name", "", "name for the materialized procedure")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "agent step budget (default from config)")
	cmd.Flags().IntVar(&timeLimit, "time-limit", 0, "time limit in seconds (default from config)")
	_ = cmd.MarkFlagRequired("endpoint")
	return cmd
}

func jobListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListJobs(ctx, e.Config.Project.ID, viper.GetString("actor-id"), status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Summary", "Created"})
				for _, j := range items {
					tw.AppendRow(table.Row{j.ID, j.Type, j.Status, j.Summary, j.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func jobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				job, err := e.GetJob(ctx, e.Config.Project.ID, viper.GetString("actor-id"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
}

func jobStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				job, err := e.StopJob(ctx, e.Config.Project.ID, viper.GetString("actor-id"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
}

func endpointCmd() *cobra.Command {
	ep := &cobra.Command{Use: "endpoint", Short: "Manage exploration endpoints"}
	ep.AddCommand(endpointCreateCmd())
	ep.AddCommand(endpointListCmd())
	ep.AddCommand(endpointShowCmd())
	ep.AddCommand(endpointUpdateCmd())
	ep.AddCommand(endpointDeleteCmd())
	return ep
}

func endpointCreateCmd() *cobra.Command {
	var name, baseURL, desc string
	var creds []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			credentials, err := parseCredentialFlags(creds)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ep, err := e.CreateEndpoint(ctx, e.Config.Project.ID, viper.GetString("actor-id"), name, baseURL, desc, credentials)
				if err != nil {
					return err
				}
				return printJSONOrTable(ep)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "endpoint name")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "base URL")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringArrayVar(&creds, "credential", nil, `credential as key=value, repeatable (e.g. --credential username=demo)`)
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("base-url")
	return cmd
}

func parseCredentialFlags(pairs []string) ([]domain.Credential, error) {
	var out []domain.Credential
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid credential %q, expected key=value", p)
		}
		out = append(out, domain.Credential{Key: key, Value: value})
	}
	return out, nil
}

func endpointListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEndpoints(ctx, e.Config.Project.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func endpointShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ep, err := e.GetEndpoint(ctx, e.Config.Project.ID, viper.GetString("actor-id"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ep)
			})
		},
	}
}

func endpointUpdateCmd() *cobra.Command {
	var name, baseURL, desc string
	var creds []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var credsPtr *[]domain.Credential
			if cmd.Flags().Changed("credential") {
				credentials, err := parseCredentialFlags(creds)
				if err != nil {
					return err
				}
				credsPtr = &credentials
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var descPtr *string
				if cmd.Flags().Changed("description") {
					descPtr = &desc
				}
				ep, err := e.UpdateEndpoint(ctx, e.Config.Project.ID, viper.GetString("actor-id"), args[0], name, baseURL, descPtr, credsPtr)
				if err != nil {
					return err
				}
				return printJSONOrTable(ep)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "endpoint name")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "base URL")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringArrayVar(&creds, "credential", nil, "credential as key=value, repeatable; replaces the stored list")
	return cmd
}

func endpointDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteEndpoint(ctx, e.Config.Project.ID, viper.GetString("actor-id"), args[0])
			})
		},
	}
}

func assetCmd() *cobra.Command {
	asset := &cobra.Command{Use: "asset", Short: "Manage run assets"}
	asset.AddCommand(assetUploadCmd())
	asset.AddCommand(assetListCmd())
	asset.AddCommand(assetDeleteCmd())
	return asset
}

func assetUploadCmd() *cobra.Command {
	var runID, assetType, contentType, name string
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Attach a file to a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				info, err := f.Stat()
				if err != nil {
					return err
				}
				if name == "" {
					name = filepath.Base(args[0])
				}
				if contentType == "" {
					buf := make([]byte, 512)
					n, _ := f.Read(buf)
					contentType = http.DetectContentType(buf[:n])
					if _, err := f.Seek(0, 0); err != nil {
						return err
					}
				}
				a, err := e.CreateAsset(ctx, engine.AssetCreateOptions{
					ProjectID:   e.Config.Project.ID,
					RunID:       runID,
					Name:        name,
					Type:        assetType,
					ContentType: contentType,
					Size:        info.Size(),
					Content:     f,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	cmd.Flags().StringVar(&assetType, "type", "binary", "asset type (image, video, binary, document)")
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type (sniffed if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "asset name (defaults to file name)")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func assetListCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assets of a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAssets(ctx, e.Config.Project.ID, viper.GetString("actor-id"), runID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func assetDeleteCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteAsset(ctx, e.Config.Project.ID, viper.GetString("actor-id"), runID, args[0])
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func tokenCmd() *cobra.Command {
	token := &cobra.Command{Use: "token", Short: "Manage API tokens"}
	token.AddCommand(tokenCreateCmd())
	token.AddCommand(tokenListCmd())
	token.AddCommand(tokenDeleteCmd())
	return token
}

func tokenCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API token (raw key printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				k, raw, err := e.CreateAPIToken(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":         k.ID,
					"name":       k.Name,
					"key":        raw,
					"created_at": k.CreatedAt,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "token name")
	return cmd
}

func tokenListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAPITokens(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				out := make([]map[string]string, 0, len(items))
				for _, k := range items {
					out = append(out, map[string]string{"id": k.ID, "name": k.Name, "created_at": k.CreatedAt})
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func tokenDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteAPIToken(ctx, viper.GetString("actor-id"), args[0])
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEvents(ctx, e.Config.Project.ID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var workers int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and job workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), workspace, viper.GetString("project"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			blobs, err := storage.FromConfig(cmd.Context(), workspace, cfg)
			if err != nil {
				return err
			}
			e.Storage = blobs

			authCfg := server.AuthConfig{JWTSecret: os.Getenv("TESTLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" && cfg.Auth.JWTSecret != "" {
				authCfg.JWTSecret = cfg.Auth.JWTSecret
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TESTLINE_JWT_SECRET is required for bearer auth")
			}

			interval := time.Duration(cfg.Agent.PollSeconds) * time.Second
			pool := agent.NewPool(e, workers, interval, nil)
			e.Runner = pool

			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go pool.Run(ctx)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Testline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().IntVar(&workers, "workers", 2, "job worker goroutines")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	blobs, err := storage.FromConfig(ctx, workspace, cfg)
	if err != nil {
		return err
	}
	e.Storage = blobs
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

