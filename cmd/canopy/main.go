package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"canopy/internal/criteria"
	"canopy/internal/db"
	"canopy/internal/domain"
	"canopy/internal/engine"
	"canopy/internal/migrate"
	"canopy/internal/policy"
	"canopy/internal/repo"
	"canopy/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "canopy",
	Short: "Canopy CLI",
	Long: `Canopy orchestrates verification and approval workflows for restoration projects.
A submission moves through the ordered stages of its compliance standard; each
stage's tasks are resolved by automated criterion scoring or by approvers
holding the required role. Every transition lands on a tamper-evident audit
chain. State lives in the .canopy workspace database.`,
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
	viper.SetEnvPrefix("CANOPY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("actor-role", "", "actor role for decisions")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-role", rootCmd.PersistentFlags().Lookup("actor-role"))
}

func registerCommands() {
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(standardsCmd())
	rootCmd.AddCommand(serveCmd())
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Manage verification workflows"}
	wf.AddCommand(workflowCreateCmd())
	wf.AddCommand(workflowTickCmd())
	wf.AddCommand(workflowStatusCmd())
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowDecideCmd())
	wf.AddCommand(workflowResubmitCmd())
	wf.AddCommand(workflowCancelCmd())
	wf.AddCommand(workflowAuditCmd())
	return wf
}

func workflowCreateCmd() *cobra.Command {
	var file string
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow from a submission file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var sub domain.Submission
			if err := json.Unmarshal(data, &sub); err != nil {
				return fmt.Errorf("invalid submission file: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.CreateWorkflow(ctx, &sub, priority)
				if err != nil {
					return err
				}
				return printWorkflow(wf)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "submission JSON file")
	cmd.Flags().IntVar(&priority, "priority", 3, "priority (1 lowest .. 5 highest)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func workflowTickCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick <workflow_id>",
		Short: "Run one scheduler pass",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, changed, err := e.Tick(ctx, args[0])
				if err != nil {
					return err
				}
				if !changed {
					fmt.Println("no transitions")
				}
				return printWorkflow(wf)
			})
		},
	}
	return cmd
}

func workflowStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <workflow_id>",
		Short: "Show workflow status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printWorkflow(wf)
			})
		},
	}
	return cmd
}

func workflowListCmd() *cobra.Command {
	var status, standard, projectID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.List(ctx, repo.WorkflowFilters{
					ProjectID: projectID,
					Standard:  standard,
					Status:    status,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"WORKFLOW", "PROJECT", "STANDARD", "STAGE", "STATUS", "PROGRESS", "SCORE"})
				for _, wf := range items {
					t.AppendRow(table.Row{
						wf.WorkflowID, wf.ProjectID, wf.Standard, wf.CurrentStage, wf.Status,
						fmt.Sprintf("%.0f%%", wf.Progress*100), fmt.Sprintf("%.2f", wf.ComplianceScore),
					})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&standard, "standard", "", "filter by standard")
	cmd.Flags().StringVar(&projectID, "project", "", "filter by project id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func workflowDecideCmd() *cobra.Command {
	var decision, comment, evidenceJSON string
	cmd := &cobra.Command{
		Use:   "decide <workflow_id> <task_id>",
		Short: "Submit an approver decision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role := viper.GetString("actor-role")
			if role == "" {
				return fmt.Errorf("--actor-role required")
			}
			evidence, err := parseEvidence(evidenceJSON)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.SubmitDecision(ctx, args[0], args[1], viper.GetString("actor-id"), role, decision, comment, evidence)
				if err != nil {
					return err
				}
				return printWorkflow(wf)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approve, reject, request_revision, escalate, or defer")
	cmd.Flags().StringVar(&comment, "comment", "", "decision comment")
	cmd.Flags().StringVar(&evidenceJSON, "evidence", "", "evidence JSON object")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func workflowResubmitCmd() *cobra.Command {
	var evidenceJSON string
	cmd := &cobra.Command{
		Use:   "resubmit <workflow_id>",
		Short: "Resupply evidence after a revision request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			evidence, err := parseEvidence(evidenceJSON)
			if err != nil {
				return err
			}
			if len(evidence) == 0 {
				return fmt.Errorf("--evidence required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.Resubmit(ctx, args[0], viper.GetString("actor-id"), evidence)
				if err != nil {
					return err
				}
				return printWorkflow(wf)
			})
		},
	}
	cmd.Flags().StringVar(&evidenceJSON, "evidence", "", "evidence JSON object")
	_ = cmd.MarkFlagRequired("evidence")
	return cmd
}

func workflowCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <workflow_id>",
		Short: "Cancel a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.Cancel(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printWorkflow(wf)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func workflowAuditCmd() *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "audit <workflow_id>",
		Short: "Show the workflow audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				records, err := e.AuditTrail(ctx, args[0])
				if err != nil {
					return err
				}
				if verify {
					if err := e.VerifyAudit(ctx, args[0]); err != nil {
						return err
					}
					fmt.Println("chain verified")
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"SEQ", "TS", "HASH", "EVENT"})
				for _, r := range records {
					hash := r.Hash
					if len(hash) > 12 {
						hash = hash[:12]
					}
					t.AppendRow(table.Row{r.Seq, r.TS, hash, r.Event})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "verify the hash chain")
	return cmd
}

func standardsCmd() *cobra.Command {
	std := &cobra.Command{Use: "standards", Short: "Manage standards configuration"}
	std.AddCommand(standardsShowCmd())
	std.AddCommand(standardsImportCmd())
	std.AddCommand(standardsValidateCmd())
	std.AddCommand(standardsInitCmd())
	return std
}

func standardsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active standards configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cfg, err := e.Repo.GetStandardsConfig(ctx)
				if errors.Is(err, repo.ErrNotFound) {
					cfg = policy.Default()
				} else if err != nil {
					return err
				}
				return printJSON(cfg)
			})
		},
	}
	return cmd
}

func standardsImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a standards configuration YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := policy.FromFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.UpsertStandardsConfig(ctx, cfg); err != nil {
					return err
				}
				fmt.Println("standards configuration imported")
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "config YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func standardsValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a standards configuration YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := policy.FromFile(file); err != nil {
				return err
			}
			fmt.Println("configuration valid")
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "config YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func standardsInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Print the default standards configuration YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(policy.GenerateDefault())
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, policy.Default(), criteria.Builtin())
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("CANOPY_JWT_SECRET"),
				AllowLegacyActorHeader: viper.GetBool("allow-legacy-actor"),
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("CANOPY_JWT_SECRET is required for bearer auth")
			}
			var hooks []server.WebhookConfig
			if url := strings.TrimSpace(viper.GetString("webhook-url")); url != "" {
				hooks = append(hooks, server.WebhookConfig{
					URL:    url,
					Secret: viper.GetString("webhook-secret"),
				})
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Webhooks: hooks})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Canopy API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("webhook-url", "", "audit webhook sink URL")
	cmd.Flags().String("webhook-secret", "", "audit webhook shared secret")
	cmd.Flags().Bool("allow-legacy-actor", false, "accept X-Actor-Id headers without auth (local development only)")
	_ = viper.BindPFlag("webhook-url", cmd.Flags().Lookup("webhook-url"))
	_ = viper.BindPFlag("webhook-secret", cmd.Flags().Lookup("webhook-secret"))
	_ = viper.BindPFlag("allow-legacy-actor", cmd.Flags().Lookup("allow-legacy-actor"))
	return cmd
}

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
	e := engine.New(conn, policy.Default(), criteria.Builtin())
	return fn(ctx, e)
}

func parseEvidence(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var evidence map[string]any
	if err := json.Unmarshal([]byte(raw), &evidence); err != nil {
		return nil, fmt.Errorf("invalid evidence JSON: %w", err)
	}
	return evidence, nil
}

func printWorkflow(wf *domain.Workflow) error {
	if viper.GetBool("json") {
		return printJSON(wf)
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendRow(table.Row{"workflow", wf.WorkflowID})
	t.AppendRow(table.Row{"project", wf.ProjectID})
	t.AppendRow(table.Row{"standard", wf.Standard})
	t.AppendRow(table.Row{"status", wf.Status})
	t.AppendRow(table.Row{"stage", wf.CurrentStage})
	t.AppendRow(table.Row{"progress", fmt.Sprintf("%.0f%%", wf.Progress*100)})
	t.AppendRow(table.Row{"verification", fmt.Sprintf("%.2f", wf.VerificationScore)})
	t.AppendRow(table.Row{"compliance", fmt.Sprintf("%.2f", wf.ComplianceScore)})
	t.Render()

	tasks := table.NewWriter()
	tasks.SetOutputMirror(os.Stdout)
	tasks.AppendHeader(table.Row{"TASK", "STAGE", "NAME", "STATUS", "ROLE", "PRIO", "DUE"})
	for _, task := range wf.Tasks {
		status := task.Status
		if task.Rejected {
			status += " (rejected)"
		}
		tasks.AppendRow(table.Row{task.TaskID[:8], task.Stage, task.Name, status, task.RequiredRole, task.Priority, task.DueAt})
	}
	tasks.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
