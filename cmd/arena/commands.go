package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"arena/internal/app"
	"arena/internal/config"
	"arena/internal/domain"
	"arena/internal/engine"
	"arena/internal/events"
	"arena/internal/repo"
	arenasdk "arena/sdk/go"
)

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "template", Short: "Manage competition templates"}
	cmd.AddCommand(templateInitCmd())
	cmd.AddCommand(templateImportCmd())
	cmd.AddCommand(templateListCmd())
	cmd.AddCommand(templateShowCmd())
	cmd.AddCommand(templateUseCmd())
	return cmd
}

func templateInitCmd() *cobra.Command {
	var file, id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter template YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			if _, err := os.Stat(file); err == nil {
				return fmt.Errorf("%s already exists", file)
			}
			if err := os.WriteFile(file, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s; import it with 'arena template import --file %s'\n", file, file)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "arena.yaml", "output path")
	cmd.Flags().StringVar(&id, "id", "arena", "competition id")
	return cmd
}

func templateImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a template YAML into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := app.ImportTemplate(ctx, r, events.Writer{DB: r.DB, Dialect: r.Dialect}, raw, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("Imported template %s (%d teams, %d tasks)\n", cfg.Competition.ID, len(cfg.Teams), len(cfg.Tasks))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "template YAML path")
	return cmd
}

func templateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List imported templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTemplates(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, t := range items {
					rows = append(rows, table.Row{t.ID, t.UpdatedAt})
				}
				return printJSONOrTable(items, table.Row{"ID", "Updated"}, rows)
			})
		},
	}
}

func templateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the active template",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				id, cfg, err := app.ResolveTemplate(ctx, viper.GetString("template"), r)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cfg)
				}
				tpl, err := r.GetTemplate(ctx, id)
				if err != nil {
					return err
				}
				fmt.Print(tpl.YAML)
				return nil
			})
		},
	}
}

func templateUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set the default template for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if id == "" {
				return fmt.Errorf("template id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "ARENA_TEMPLATE", id); err != nil {
				return err
			}
			fmt.Printf("Set ARENA_TEMPLATE=%s in %s/.env\n", id, workspace)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "run", Short: "Manage competition runs"}
	cmd.AddCommand(runCreateCmd())
	cmd.AddCommand(runListCmd())
	cmd.AddCommand(runShowCmd())
	cmd.AddCommand(runTransitionCmd("start", "Start a created run", (*engine.Engine).StartRun))
	cmd.AddCommand(runTransitionCmd("terminate", "Terminate a run", (*engine.Engine).TerminateRun))
	return cmd
}

func runRows(runs []domain.Run) []table.Row {
	rows := make([]table.Row, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, table.Row{r.ID, r.Name, r.TemplateID, r.Status, r.CreatedAt.Format(time.RFC3339)})
	}
	return rows
}

var runHeader = table.Row{"ID", "Name", "Template", "Status", "Created"}

func runCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run from the template",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.Auth.Require(ctx, viper.GetString("actor-id"), "admin"); err != nil {
					return err
				}
				run, err := e.CreateRun(ctx, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(run, runHeader, runRows([]domain.Run{run}))
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "run name")
	return cmd
}

func runListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				runs := e.ListRuns()
				return printJSONOrTable(runs, runHeader, runRows(runs))
			})
		},
	}
}

func runShowCmd() *cobra.Command {
	var stored bool
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its task runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if stored {
				return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
					run, err := r.GetRun(ctx, args[0])
					if err != nil {
						return err
					}
					tasks, err := r.ListTaskRuns(ctx, run.ID)
					if err != nil {
						return err
					}
					return printRun(run, tasks)
				})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				run, err := e.Run(args[0])
				if err != nil {
					return err
				}
				tasks, err := e.TaskRuns(run.ID)
				if err != nil {
					return err
				}
				return printRun(run, tasks)
			})
		},
	}
	cmd.Flags().BoolVar(&stored, "stored", false, "read the persisted rows without replaying the log")
	return cmd
}

func printRun(run domain.Run, tasks []domain.TaskRun) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"run": run, "tasks": tasks})
	}
	fmt.Printf("Run %s (%s) [%s]\n", run.Name, run.ID, run.Status)
	rows := make([]table.Row, 0, len(tasks))
	for _, tr := range tasks {
		rows = append(rows, table.Row{tr.Position, tr.ID, tr.Task, tr.Phase, tr.Duration, strings.Join(tr.Teams, ",")})
	}
	return printJSONOrTable(tasks, table.Row{"#", "Task run", "Task", "Phase", "Duration", "Teams"}, rows)
}

func runTransitionCmd(use, short string, fn func(*engine.Engine, context.Context, string, string) (domain.Run, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <run-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				actor := viper.GetString("actor-id")
				if err := e.Auth.Require(ctx, actor, "admin"); err != nil {
					return err
				}
				run, err := fn(e, ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(run, runHeader, runRows([]domain.Run{run}))
			})
		},
	}
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage task runs"}
	cmd.AddCommand(taskPrepareCmd())
	cmd.AddCommand(taskTransitionCmd("start", "Start the prepared task run", (*engine.Engine).StartTask))
	cmd.AddCommand(taskTransitionCmd("end", "End the running task run", (*engine.Engine).EndTask))
	cmd.AddCommand(taskStateCmd())
	return cmd
}

var taskHeader = table.Row{"Task run", "Task", "Phase", "Duration", "Started", "Ended"}

func taskRow(tr domain.TaskRun) table.Row {
	started, ended := "", ""
	if tr.Started != nil {
		started = tr.Started.Format(time.RFC3339)
	}
	if tr.Ended != nil {
		ended = tr.Ended.Format(time.RFC3339)
	}
	return table.Row{tr.ID, tr.Task, tr.Phase, tr.Duration, started, ended}
}

func taskPrepareCmd() *cobra.Command {
	var runID, task string
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Prepare the next task of a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" || task == "" {
				return fmt.Errorf("--run and --task required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				actor := viper.GetString("actor-id")
				if err := e.Auth.Require(ctx, actor, "admin"); err != nil {
					return err
				}
				tr, err := e.PrepareTask(ctx, runID, task, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(tr, taskHeader, []table.Row{taskRow(tr)})
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	cmd.Flags().StringVar(&task, "task", "", "task name from the template")
	return cmd
}

func taskTransitionCmd(use, short string, fn func(*engine.Engine, context.Context, string, string, string) (domain.TaskRun, error)) *cobra.Command {
	var runID, taskRunID string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return fmt.Errorf("--run required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				actor := viper.GetString("actor-id")
				if err := e.Auth.Require(ctx, actor, "admin"); err != nil {
					return err
				}
				tr, err := fn(e, ctx, runID, taskRunID, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(tr, taskHeader, []table.Row{taskRow(tr)})
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	cmd.Flags().StringVar(&taskRunID, "task-run", "", "task run id (defaults to the current one)")
	return cmd
}

func taskStateCmd() *cobra.Command {
	var runID, taskRunID string
	var stored bool
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show phase and time left of a task run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return fmt.Errorf("--run required")
			}
			if remote() {
				c, err := newClient()
				if err != nil {
					return err
				}
				state, err := c.TaskState(cmd.Context(), runID, taskRunID)
				if err != nil {
					return err
				}
				return printJSON(state)
			}
			if stored {
				if taskRunID == "" {
					return fmt.Errorf("--stored requires --task-run")
				}
				return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
					tr, err := r.GetTaskRun(ctx, taskRunID)
					if err != nil {
						return err
					}
					if tr.RunID != runID {
						return fmt.Errorf("task run %s does not belong to run %s", tr.ID, runID)
					}
					return printJSONOrTable(tr, taskHeader, []table.Row{taskRow(tr)})
				})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tr, err := e.TaskRun(runID, taskRunID)
				if err != nil {
					return err
				}
				left, _, err := e.TimeLeft(runID, tr.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"task_run": tr, "time_left_ms": left.Milliseconds()})
				}
				fmt.Printf("%s (%s) %s, %s left\n", tr.Task, tr.ID, tr.Phase, left.Round(time.Second))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	cmd.Flags().StringVar(&taskRunID, "task-run", "", "task run id (defaults to the current one)")
	cmd.Flags().BoolVar(&stored, "stored", false, "read the persisted row without replaying the log")
	return cmd
}

func submitCmd() *cobra.Command {
	var runID, taskRunID, team, text, item string
	var startMS, endMS int64
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an answer for a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" || team == "" {
				return fmt.Errorf("--run and --team required")
			}
			answer := arenasdk.Answer{Text: text, Item: item}
			if cmd.Flags().Changed("start-ms") {
				answer.StartMS = &startMS
			}
			if cmd.Flags().Changed("end-ms") {
				answer.EndMS = &endMS
			}
			if remote() {
				c, err := newClient()
				if err != nil {
					return err
				}
				sub, err := c.Submit(cmd.Context(), runID, taskRunID, team, answer)
				if err != nil {
					return err
				}
				return printJSON(sub)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				sub, err := e.Submit(ctx, runID, taskRunID, team, viper.GetString("actor-id"), domain.Answer(answer))
				if err != nil {
					return err
				}
				return printJSON(sub)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	cmd.Flags().StringVar(&taskRunID, "task-run", "", "task run id (defaults to the current one)")
	cmd.Flags().StringVar(&team, "team", "", "team id")
	cmd.Flags().StringVar(&text, "text", "", "text answer")
	cmd.Flags().StringVar(&item, "item", "", "item answer")
	cmd.Flags().Int64Var(&startMS, "start-ms", 0, "segment start in milliseconds")
	cmd.Flags().Int64Var(&endMS, "end-ms", 0, "segment end in milliseconds")
	return cmd
}

func judgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "judge",
		Short: "Work the judging queue on a running server",
		Long:  "Judgement tokens live in the server's memory, so these commands always talk to --server.",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "next",
		Short: "Claim the oldest open judgement request",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			req, ok, err := c.ClaimNext(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("No open judgement requests")
				return nil
			}
			return printJSON(req)
		},
	})
	var verdict string
	resolve := &cobra.Command{
		Use:   "resolve <token>",
		Short: "Resolve a claimed request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if verdict == "" {
				return fmt.Errorf("--verdict required")
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			sub, err := c.Judge(cmd.Context(), args[0], strings.ToUpper(verdict))
			if err != nil {
				return err
			}
			return printJSON(sub)
		},
	}
	resolve.Flags().StringVar(&verdict, "verdict", "", "CORRECT, WRONG or UNDECIDABLE")
	cmd.AddCommand(resolve)
	return cmd
}

func overrideCmd() *cobra.Command {
	var verdict string
	cmd := &cobra.Command{
		Use:   "override <submission-id>",
		Short: "Override a submission verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid submission id %q", args[0])
			}
			if remote() {
				c, err := newClient()
				if err != nil {
					return err
				}
				sub, old, err := c.Override(cmd.Context(), id, strings.ToUpper(verdict))
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"submission": sub, "previous": old})
			}
			v, err := domain.ParseVerdict(strings.ToUpper(verdict))
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				actor := viper.GetString("actor-id")
				if err := e.Auth.Require(ctx, actor, "admin"); err != nil {
					return err
				}
				sub, old, err := e.Override(ctx, id, v, actor)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"submission": sub, "previous": old})
			})
		},
	}
	cmd.Flags().StringVar(&verdict, "verdict", "", "new verdict")
	return cmd
}

func scoresCmd() *cobra.Command {
	var runID, taskRunID string
	var overall bool
	cmd := &cobra.Command{
		Use:   "scores",
		Short: "Show a scoreboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return fmt.Errorf("--run required")
			}
			var scores []domain.Score
			if remote() {
				c, err := newClient()
				if err != nil {
					return err
				}
				var res arenasdk.Scores
				if overall {
					res, err = c.OverallScores(cmd.Context(), runID)
				} else {
					res, err = c.TaskScores(cmd.Context(), runID, taskRunID)
				}
				if err != nil {
					return err
				}
				for _, s := range res.Scores {
					scores = append(scores, domain.Score(s))
				}
				return printScores(scores)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var err error
				if overall {
					scores, err = e.Overall(runID)
				} else {
					scores, err = e.CurrentScores(runID, taskRunID)
				}
				if err != nil {
					return err
				}
				return printScores(scores)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	cmd.Flags().StringVar(&taskRunID, "task-run", "", "task run id (defaults to the current one)")
	cmd.Flags().BoolVar(&overall, "overall", false, "sum across every task run")
	return cmd
}

func printScores(scores []domain.Score) error {
	rows := make([]table.Row, 0, len(scores))
	for _, s := range scores {
		rows = append(rows, table.Row{s.TeamID, fmt.Sprintf("%.2f", s.Score)})
	}
	return printJSONOrTable(scores, table.Row{"Team", "Score"}, rows)
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	var n int
	var runID, evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, n, 0, runID, evtType)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, evt := range items {
					rows = append(rows, table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID})
				}
				return printJSONOrTable(items, table.Row{"ID", "TS", "Type", "Kind", "Entity", "Actor"}, rows)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&runID, "run", "", "run id filter")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	log.AddCommand(tail)
	return log
}

func memberCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "member", Short: "Manage team members"}
	var team, member string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a member to a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				actor := viper.GetString("actor-id")
				if err := e.Auth.Require(ctx, actor, "admin"); err != nil {
					return err
				}
				return e.AddMember(ctx, team, member, actor)
			})
		},
	}
	remove := &cobra.Command{
		Use:   "remove",
		Short: "Remove a member from a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				actor := viper.GetString("actor-id")
				if err := e.Auth.Require(ctx, actor, "admin"); err != nil {
					return err
				}
				return e.RemoveMember(ctx, team, member, actor)
			})
		},
	}
	for _, c := range []*cobra.Command{add, remove} {
		c.Flags().StringVar(&team, "team", "", "team id")
		c.Flags().StringVar(&member, "member", "", "member actor id")
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List the members of a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				members, err := e.Members(ctx, team)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(members))
				for _, m := range members {
					rows = append(rows, table.Row{team, m})
				}
				return printJSONOrTable(members, table.Row{"Team", "Member"}, rows)
			})
		},
	}
	list.Flags().StringVar(&team, "team", "", "team id")
	cmd.AddCommand(add, remove, list)
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rbac", Short: "Roles and API keys"}
	var target, role, name string
	grant := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.GrantRole(ctx, viper.GetString("actor-id"), target, role)
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke a role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.RevokeRole(ctx, viper.GetString("actor-id"), target, role)
			})
		},
	}
	for _, c := range []*cobra.Command{grant, revoke} {
		c.Flags().StringVar(&target, "actor", "", "actor id")
		c.Flags().StringVar(&role, "role", "", "admin, judge, viewer or participant")
	}
	key := &cobra.Command{Use: "api-key", Short: "Manage API keys"}
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				actor := viper.GetString("actor-id")
				if target == "" {
					target = actor
				}
				plain, k, err := e.CreateAPIKey(ctx, actor, target, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": k.ID, "actor_id": k.ActorID, "key": plain})
				}
				fmt.Printf("API key for %s (shown once): %s\n", k.ActorID, plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&target, "actor", "", "actor id (defaults to --actor-id)")
	create.Flags().StringVar(&name, "name", "", "key label")
	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				actor := viper.GetString("actor-id")
				switch {
				case all:
					target = ""
				case target == "":
					target = actor
				}
				keys, err := e.APIKeys(ctx, actor, target)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(keys))
				for i, k := range keys {
					keys[i].KeyHash = ""
					rows = append(rows, table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				return printJSONOrTable(keys, table.Row{"ID", "Actor", "Name", "Created"}, rows)
			})
		},
	}
	list.Flags().StringVar(&target, "actor", "", "actor id (defaults to --actor-id)")
	list.Flags().BoolVar(&all, "all", false, "list every actor's keys (admin)")
	revokeKey := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				k, err := e.RevokeAPIKey(ctx, viper.GetString("actor-id"), args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Revoked key %s of %s\n", k.ID, k.ActorID)
				return nil
			})
		},
	}
	key.AddCommand(create, list, revokeKey)
	cmd.AddCommand(grant, revoke, key)
	return cmd
}
