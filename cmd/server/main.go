package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"shrike/internal/api"
	"shrike/internal/auth"
	"shrike/internal/config"
	"shrike/internal/expand"
	"shrike/internal/notify"
	"shrike/internal/schema"
	"shrike/internal/store"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "shrike",
		Short: "shrike - record API and change propagation over SQLite",
		Long: `shrike exposes SQLite STRICT tables and views as a typed, access
controlled record API with realtime change streaming.`,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(lintCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the record API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			db, err := store.Open(cfg.DBPath, cfg.BusyTimeout)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer func() { _ = db.Close() }()

			reg, err := schema.New(cmd.Context(), db.Reader, cfg.APIs)
			if err != nil {
				printLint(err)
				return fmt.Errorf("build schema registry: %w", err)
			}

			notifier := notify.NewManager(cfg.SubscribeBuffer)
			st := store.New(db, reg, notifier)

			srv := &api.Server{
				Store:      st,
				Registry:   reg,
				Auth:       auth.NewEvaluator(st),
				Expand:     expand.New(st),
				Notify:     notifier,
				Verifier:   auth.StaticVerifier(cfg.Tokens),
				AdminToken: cfg.AdminToken,
				ConfigPath: configPath,
			}

			httpSrv := &http.Server{
				Addr:              cfg.Addr,
				Handler:           api.NewRouter(srv),
				ReadHeaderTimeout: 10 * time.Second,
			}

			snap := reg.Snapshot()
			color.New(color.FgGreen).Printf("shrike listening on %s\n", cfg.Addr)
			log.Printf("serving %d table(s) from %s", len(snap.Exposed()), cfg.DBPath)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpSrv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "shrike.yaml", "path to the config file")
	return cmd
}

func lintCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Check the config against the database schema without serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			db, err := store.Open(cfg.DBPath, cfg.BusyTimeout)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer func() { _ = db.Close() }()

			reg, err := schema.New(cmd.Context(), db.Reader, cfg.APIs)
			if err != nil {
				printLint(err)
				return errors.New("config has blocking issues")
			}
			snap := reg.Snapshot()
			for _, name := range snap.Exposed() {
				fmt.Printf("%s %s\n", color.New(color.FgGreen).Sprint("✓"), name)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "shrike.yaml", "path to the config file")
	return cmd
}

func printLint(err error) {
	var lintErr *schema.LintError
	if !errors.As(err, &lintErr) {
		return
	}
	red := color.New(color.FgRed)
	for _, issue := range lintErr.Issues {
		where := issue.Table
		if issue.Column != "" {
			where += "." + issue.Column
		}
		red.Fprintf(os.Stderr, "%s: %s (%s)\n", where, issue.Message, issue.Code)
	}
}
