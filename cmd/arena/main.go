package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"arena/internal/app"
	"arena/internal/db"
	"arena/internal/engine"
	"arena/internal/migrate"
	"arena/internal/repo"
	arenasdk "arena/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "arena",
	Short: "Arena evaluation server",
	Long: `Arena runs live, timed retrieval competitions.
- Template: the competition definition (teams, tasks, validators, scorers) imported from YAML.
- Run: one instance of a template; created -> active -> terminated.
- Task run: one timed task inside a run; PREPARING -> RUNNING -> ENDED.
- Submissions are validated on arrival; answers that need a human go to the judging queue.
- Scores are recomputed per team on every verdict and kept as a time series.
- Event log: every change, view with 'arena log tail'.

Commands that change run state work on the local database. While 'arena serve'
is running, use --server for submit, judge, override and scores.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		if viper.GetString("db-driver") == "postgres" {
			return nil
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	workspace := viper.GetString("workspace")
	if workspace == "" {
		workspace = "."
	}
	// .env values never override the real environment.
	_ = godotenv.Load(filepath.Join(workspace, ".env"))
	viper.SetEnvPrefix("ARENA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "admin", "actor identifier for local commands")
	flags.String("template", "", "template id (defaults to the only imported template)")
	flags.String("db-driver", "sqlite", "database driver: sqlite or postgres")
	flags.String("db-dsn", "", "postgres connection string")
	flags.String("server", "", "arena API base URL for remote commands")
	flags.String("token", "", "bearer token for remote commands")
	flags.String("api-key", "", "API key for remote commands")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	for _, name := range []string{"workspace", "json", "actor-id", "template", "db-driver", "db-dsn", "server", "token", "api-key", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(judgeCmd())
	rootCmd.AddCommand(overrideCmd())
	rootCmd.AddCommand(scoresCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(serveCmd())
}

func setupLogging() {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// --- helpers ---

func openDB() (*repo.Repo, func(), error) {
	conn, dialect, err := db.Open(db.Config{
		Workspace: viper.GetString("workspace"),
		Driver:    viper.GetString("db-driver"),
		DSN:       viper.GetString("db-dsn"),
	})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return &repo.Repo{DB: conn, Dialect: dialect}, func() { conn.Close() }, nil
}

// withEngine opens the workspace database and rebuilds the in-memory state
// from it before calling fn.
func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	r, closeDB, err := openDB()
	if err != nil {
		return err
	}
	defer closeDB()
	_, cfg, err := app.ResolveTemplate(ctx, viper.GetString("template"), *r)
	if err != nil {
		return err
	}
	e := engine.New(r.DB, r.Dialect, cfg)
	if err := e.Load(ctx); err != nil {
		return err
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	r, closeDB, err := openDB()
	if err != nil {
		return err
	}
	defer closeDB()
	return fn(ctx, *r)
}

func remote() bool {
	return strings.TrimSpace(viper.GetString("server")) != ""
}

func newClient() (*arenasdk.Client, error) {
	base := strings.TrimSpace(viper.GetString("server"))
	if base == "" {
		return nil, fmt.Errorf("--server (or ARENA_SERVER) is required for this command")
	}
	c := arenasdk.New(base)
	c.BearerToken = viper.GetString("token")
	c.APIKey = viper.GetString("api-key")
	return c, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printJSONOrTable renders rows with go-pretty unless --json is set.
func printJSONOrTable(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") || header == nil {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
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
