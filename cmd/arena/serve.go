package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"arena/internal/app"
	"arena/internal/engine"
	"arena/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var tick time.Duration
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, live channel and task timer",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := strings.TrimSpace(viper.GetString("jwt-secret"))
			if secret == "" {
				return fmt.Errorf("ARENA_JWT_SECRET is required for bearer auth")
			}
			r, closeDB, err := openDB()
			if err != nil {
				return err
			}
			defer closeDB()
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			_, cfg, err := app.ResolveTemplate(ctx, viper.GetString("template"), *r)
			if err != nil {
				return err
			}
			e := engine.New(r.DB, r.Dialect, cfg)
			if err := e.Load(ctx); err != nil {
				return fmt.Errorf("refusing to serve: %w", err)
			}

			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, DevLogin: devLogin},
			})
			if err != nil {
				return err
			}
			go e.Hub.Run(ctx)
			go e.RunTimer(ctx, tick)
			go server.NewWebhookDispatcher(e).Run(ctx)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
				defer stop()
				e.Hub.Shutdown()
				srv.Shutdown(shutdownCtx)
			}()
			slog.Info("serving arena API", "addr", addr, "base_path", basePath, "template", cfg.Competition.ID, "dev_login", devLogin)
			fmt.Printf("Serving arena API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, live channel at %s/live)\n", addr, basePath, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().DurationVar(&tick, "tick", time.Second, "task timer resolution")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable the unauthenticated dev token endpoint")
	cmd.Flags().String("jwt-secret", "", "JWT signing secret (ARENA_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}
