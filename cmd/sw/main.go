package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sitewright/internal/app"
	"sitewright/internal/config"
	"sitewright/internal/domain"
	"sitewright/internal/engine"
	"sitewright/internal/llm"
	"sitewright/internal/logging"
	"sitewright/internal/orchestrator"
	"sitewright/internal/repo"
	"sitewright/internal/server"
	"sitewright/internal/tools"
)

var rootCmd = &cobra.Command{
	Use:   "sw",
	Short: "Sitewright CLI",
	Long: `Sitewright drives a tool-calling model that builds websites inside a sandboxed project workspace.
- Project: a folder under projects/ holding the generated site; preview/ is what the browser renders.
- Permissions: per-project switches; file_write gates every mutation, self_modify unlocks paths outside preview/.
- Run: one bounded agent loop for a goal, recorded under runs/<project>/<trace_id>/ and in the catalog.
- Chat: the orchestrator proposes a plan, waits for your approval, then runs it.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SITEWRIGHT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/"+config.FileName+")")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("project", "p", "", "project id (defaults to \"default\")")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	for _, name := range []string{"workspace", "config", "json", "project", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(permsCmd())
	rootCmd.AddCommand(workspaceCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				a.Bootstrap(ctx)
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				secret := viper.GetString("jwt-secret")
				if secret == "" {
					secret = a.Config.Server.JWTSecret
				}
				handler, err := server.New(server.Config{
					App:      a,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
					Logger:   a.Logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				shown := basePath
				if shown == "" {
					shown = server.DefaultBasePath
				}
				fmt.Printf("Serving Sitewright API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, previews at /preview/<project>/preview/)\n", addr, shown, shown)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path or /api)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret enabling bearer auth")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ids, err := a.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ids)
				}
				for _, id := range ids {
					fmt.Println(id)
				}
				return nil
			})
		},
	})
	prj.AddCommand(&cobra.Command{
		Use:   "create [name]",
		Short: "Create a project from a display name",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				id, err := a.CreateProject(ctx, name)
				if err != nil {
					return err
				}
				return printJSONOrText(map[string]string{"project_id": id}, id)
			})
		},
	})
	return prj
}

func permsCmd() *cobra.Command {
	perms := &cobra.Command{Use: "perms", Short: "Inspect or change project permissions"}
	perms.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, project string) error {
				p, err := a.Gate.Get(ctx, project)
				if err != nil {
					return err
				}
				return printPermissions(project, p)
			})
		},
	})
	var selfModify, fileWrite, shell, web bool
	set := &cobra.Command{
		Use:   "set",
		Short: "Change permissions; only the flags given are touched",
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch domain.PermissionPatch
			if cmd.Flags().Changed("self-modify") {
				patch.SelfModify = &selfModify
			}
			if cmd.Flags().Changed("file-write") {
				patch.FileWrite = &fileWrite
			}
			if cmd.Flags().Changed("shell") {
				patch.Shell = &shell
			}
			if cmd.Flags().Changed("web") {
				patch.Web = &web
			}
			if patch.Empty() {
				return fmt.Errorf("nothing to change: pass --file-write, --self-modify, --shell or --web")
			}
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, project string) error {
				p, err := a.Gate.Set(ctx, project, patch)
				if err != nil {
					return err
				}
				return printPermissions(project, p)
			})
		},
	}
	set.Flags().BoolVar(&selfModify, "self-modify", false, "allow writes outside preview/")
	set.Flags().BoolVar(&fileWrite, "file-write", false, "allow workspace mutations")
	set.Flags().BoolVar(&shell, "shell", false, "shell access flag")
	set.Flags().BoolVar(&web, "web", false, "web access flag")
	perms.AddCommand(set)
	return perms
}

func printPermissions(project string, p domain.Permissions) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"project_id": project, "permissions": p})
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Project", "file_write", "self_modify", "shell", "web"})
	tw.AppendRow(table.Row{project, p.FileWrite, p.SelfModify, p.Shell, p.Web})
	tw.Render()
	return nil
}

func workspaceCmd() *cobra.Command {
	ws := &cobra.Command{Use: "workspace", Aliases: []string{"ws"}, Short: "Work with project files"}
	ws.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, project string) error {
				return printResult(a.Tools.ListWorkspace(project))
			})
		},
	})
	ws.AddCommand(&cobra.Command{
		Use:   "cat <path>",
		Short: "Print a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, project string) error {
				return printResult(a.Tools.ReadFile(project, args[0]))
			})
		},
	})
	var content, from string
	write := &cobra.Command{
		Use:   "write <path>",
		Short: "Create or overwrite a file from --content, --from or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := content
			switch {
			case from != "":
				data, err := os.ReadFile(from)
				if err != nil {
					return err
				}
				body = string(data)
			case !cmd.Flags().Changed("content"):
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				body = string(data)
			}
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, project string) error {
				return printResult(a.Tools.CreateFile(ctx, project, args[0], body))
			})
		},
	}
	write.Flags().StringVar(&content, "content", "", "file content")
	write.Flags().StringVar(&from, "from", "", "read content from a local file")
	ws.AddCommand(write)
	var find, replace string
	var count int
	patch := &cobra.Command{
		Use:   "patch <path>",
		Short: "Replace text inside a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, project string) error {
				return printResult(a.Tools.PatchFile(ctx, project, args[0], find, replace, count))
			})
		},
	}
	patch.Flags().StringVar(&find, "find", "", "text to find")
	patch.Flags().StringVar(&replace, "replace", "", "replacement text")
	patch.Flags().IntVar(&count, "count", 1, "occurrences to replace")
	_ = patch.MarkFlagRequired("find")
	ws.AddCommand(patch)
	ws.AddCommand(&cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, project string) error {
				return printResult(a.Tools.DeleteFile(ctx, project, args[0]))
			})
		},
	})
	return ws
}

func printResult(res tools.Result) error {
	if viper.GetBool("json") {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		switch {
		case !res.OK:
		case res.Content != nil:
			fmt.Print(*res.Content)
			if res.Truncated {
				fmt.Println()
			}
		case res.Files != nil:
			for _, f := range *res.Files {
				fmt.Println(f)
			}
		case res.Patched:
			fmt.Printf("%s: %d replaced\n", res.Path, res.Replaced)
		default:
			fmt.Println(res.Path)
		}
	}
	if !res.OK {
		return errors.New(res.Error)
	}
	return nil
}

func runCmd() *cobra.Command {
	var req engine.RunRequest
	var postprocess bool
	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Run the agent loop for a goal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Goal = strings.Join(args, " ")
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, project string) error {
				req.Project = project
				req.EnablePostprocess = a.Config.Agent.EnablePostprocess
				if cmd.Flags().Changed("postprocess") {
					req.EnablePostprocess = postprocess
				}
				if req.ReasoningModel == "" {
					req.ReasoningModel = a.Config.Agent.ReasoningModel
				}
				if err := a.EnsureProject(ctx, project); err != nil {
					return err
				}
				payload, err := a.Engine.Run(ctx, req)
				if payload.TraceID != "" {
					if perr := printRunPayload(payload); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&req.Model, "model", "", "model id (defaults to agent.default_model)")
	cmd.Flags().IntVar(&req.MaxSteps, "max-steps", 0, "step budget, 1..25")
	cmd.Flags().StringVar(&req.ReasoningModel, "reasoning-model", "", "model for post-run compaction")
	cmd.Flags().BoolVar(&postprocess, "postprocess", false, "run post-run compaction")
	return cmd
}

func printRunPayload(p domain.RunPayload) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"Trace", p.TraceID},
		{"Project", p.ProjectID},
		{"Status", p.Status},
		{"Steps", p.UsedSteps},
		{"Files", strings.Join(p.Files, "\n")},
		{"Preview", p.Walkthrough},
	})
	tw.Render()
	return nil
}

func chatCmd() *cobra.Command {
	var req orchestrator.Request
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the orchestrator; it proposes plans and runs them once approved",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, project string) error {
				req.Project = project
				req.EnablePostprocess = a.Config.Agent.EnablePostprocess
				req.ReasoningModel = a.Config.Agent.ReasoningModel
				in := bufio.NewScanner(cmd.InOrStdin())
				out := cmd.OutOrStdout()
				fmt.Fprint(out, "> ")
				for in.Scan() {
					line := strings.TrimSpace(in.Text())
					if line == "" {
						fmt.Fprint(out, "> ")
						continue
					}
					req.Messages = append(req.Messages, llm.User(line))
					resp, err := a.Orchestrator.Handle(ctx, req)
					if err != nil {
						return err
					}
					req.Messages = append(req.Messages, llm.Message{Role: "assistant", Content: resp.Reply})
					if viper.GetBool("json") {
						if err := printJSON(resp); err != nil {
							return err
						}
					} else {
						fmt.Fprintf(out, "[%s] %s\n", resp.Mode, resp.Reply)
					}
					fmt.Fprint(out, "> ")
				}
				return in.Err()
			})
		},
	}
	cmd.Flags().StringVar(&req.Model, "model", "", "model id (defaults to agent.default_model)")
	cmd.Flags().IntVar(&req.MaxSteps, "max-steps", 0, "step budget for approved runs")
	return cmd
}

func runsCmd() *cobra.Command {
	rs := &cobra.Command{Use: "runs", Short: "Inspect recorded runs"}
	var f repo.RunFilter
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List catalogued runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, project string) error {
				f.ProjectID = project
				f.Status = domain.RunStatus(status)
				items, err := a.Repo.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Steps", "Model", "Created", "Goal"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Status, r.UsedSteps, r.Model, r.CreatedAt, r.Goal})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "status filter")
	list.Flags().IntVar(&f.Limit, "limit", 20, "max rows")
	rs.AddCommand(list)
	rs.AddCommand(&cobra.Command{
		Use:   "show <trace_id>",
		Short: "Show run.json and post-run artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, project string) error {
				art, err := a.Archive.Load(project, args[0])
				if err != nil {
					return err
				}
				return printJSON(art)
			})
		},
	})
	return rs
}

func eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <trace_id>",
		Short: "Replay the event log of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, project string) error {
				if err := a.Events.LoadFromDisk(ctx, project, args[0]); err != nil {
					return err
				}
				evs := a.Events.Events(project, args[0])
				if viper.GetBool("json") {
					return printJSON(evs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Agent", "Level", "Text"})
				for _, ev := range evs {
					ts := time.Unix(0, int64(ev.TS*float64(time.Second))).UTC().Format(time.TimeOnly)
					tw.AppendRow(table.Row{ts, ev.Agent, ev.Level, ev.Text})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage " + config.FileName,
		Long:  "Config sets the listen address, provider endpoint, agent defaults, the rules snippet fed to every agent and run webhooks.",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

// --- helpers ---

func configPath() string {
	if p := viper.GetString("config"); p != "" {
		return p
	}
	return config.Path(viper.GetString("workspace"))
}

func loadConfig() (*config.Config, error) {
	if p := viper.GetString("config"); p != "" {
		return config.FromFile(p)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	logger, err := logging.New(viper.GetString("log-level"), viper.GetString("log-format"))
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, app.Options{Workspace: viper.GetString("workspace"), Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withProject(ctx context.Context, fn func(context.Context, *app.App, string) error) error {
	project, err := app.ResolveProject(viper.GetString("project"))
	if err != nil {
		return err
	}
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a, project)
	})
}

func printJSONOrText(v any, text string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(text)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
