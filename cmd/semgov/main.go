// Package main provides the semgov binary entry point.
// Semgov compiles natural-language governance principles into verified,
// signed and hash-linked policy rules.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/semgov/compiler"
	"github.com/c360studio/semgov/config"
	"github.com/c360studio/semgov/pipeline"
	"github.com/c360studio/semgov/policy"
	"github.com/c360studio/semgov/source"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semgov"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Constitutional governance compiler",
		Long: `Semgov turns governance principles into enforceable policy rules.

Each principle runs as one transaction:
- synthesis by an ensemble of model adapters
- formal verification of the aggregated candidate
- compilation into a signed, hash-linked rule chain per domain
- activation and publication of the new chain head`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(&flags),
		compileCmd(&flags),
		chainCmd(&flags),
		keygenCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)
	return cmd
}

func newLogger(level string) *slog.Logger {
	l := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// setup loads the config and returns a logger at the effective level. The
// flag wins over the config file.
func setup(flags *globalFlags) (*config.Config, *slog.Logger, error) {
	cfg, err := config.NewLoader(newLogger(flags.logLevel)).Load(flags.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.Log.Level
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	logger := newLogger(level)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func serveCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the principle watcher",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides http.addr)")
	return cmd
}

func serve(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := NewApp(cfg, logger)
	defer closeApp(app, logger)
	if err := app.Start(ctx); err != nil {
		return err
	}

	if cfg.Principles.Enabled {
		w, err := source.NewWatcher(cfg.Principles, logger)
		if err != nil {
			return fmt.Errorf("create principle watcher: %w", err)
		}
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start principle watcher: %w", err)
		}
		defer w.Stop()
		go compileChanges(ctx, app.pipeline, w.Events(), logger)
		logger.Info("Watching principles", "dir", cfg.Principles.Dir)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           app.Server().Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Semgov listening", "addr", cfg.HTTP.Addr, "version", Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// compileChanges runs a batch for every changed principle file.
func compileChanges(ctx context.Context, p *pipeline.Pipeline, events <-chan source.Event, logger *slog.Logger) {
	for ev := range events {
		if ctx.Err() != nil {
			return
		}
		logger.Info("Principle file changed", "path", ev.Path, "principles", len(ev.Principles))
		for _, o := range p.RunBatch(ctx, ev.Principles) {
			logOutcome(logger, o)
		}
	}
}

func logOutcome(logger *slog.Logger, o pipeline.Outcome) {
	if o.Err != nil {
		logger.Warn("Principle rejected",
			"principle_id", o.Principle.ID,
			"kind", policy.KindOf(o.Err),
			"error", o.Err)
		return
	}
	logger.Info("Principle activated",
		"principle_id", o.Principle.ID,
		"domain", o.Result.Rule.Domain,
		"version", o.Result.Rule.Version,
		"rule_id", o.Result.Rule.ID)
}

func closeApp(app *App, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Close(ctx); err != nil {
		logger.Warn("Shutdown incomplete", "error", err)
	}
}

func compileCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "compile [files or globs...]",
		Short: "Compile principles once and exit",
		Long: `Compile runs one governance transaction per principle and prints the
results as JSON lines. Without arguments the configured principle
directory is compiled. The exit status is non-zero if any principle
was rejected.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}
			principles, err := loadPrinciples(cfg, args)
			if err != nil {
				return err
			}
			if len(principles) == 0 {
				return fmt.Errorf("no principles found")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			app := NewApp(cfg, logger)
			defer closeApp(app, logger)
			if err := app.Start(ctx); err != nil {
				return err
			}

			outcomes := app.pipeline.RunBatch(ctx, principles)
			return printOutcomes(cmd.OutOrStdout(), outcomes)
		},
	}
}

func loadPrinciples(cfg *config.Config, args []string) ([]policy.Principle, error) {
	if len(args) == 0 {
		return source.LoadAll(cfg.Principles.Dir, cfg.Principles.Patterns)
	}
	var paths []string
	for _, arg := range args {
		if info, err := os.Stat(arg); err == nil && !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		matches, err := source.Glob(".", []string{arg})
		if err != nil {
			return nil, err
		}
		paths = append(paths, matches...)
	}

	var out []policy.Principle
	seen := make(map[string]string)
	for _, path := range paths {
		ps, err := source.LoadFile(path)
		if err != nil {
			return nil, err
		}
		for _, p := range ps {
			if prev, dup := seen[p.ID]; dup {
				return nil, fmt.Errorf("principle %s defined in both %s and %s", p.ID, prev, path)
			}
			seen[p.ID] = path
			out = append(out, p)
		}
	}
	return out, nil
}

type outcomeLine struct {
	PrincipleID string           `json:"principle_id"`
	Result      *pipeline.Result `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	Kind        string           `json:"kind,omitempty"`
}

func printOutcomes(w io.Writer, outcomes []pipeline.Outcome) error {
	enc := json.NewEncoder(w)
	var failed int
	for _, o := range outcomes {
		line := outcomeLine{PrincipleID: o.Principle.ID, Result: o.Result}
		if o.Err != nil {
			failed++
			line.Error = o.Err.Error()
			line.Kind = string(policy.KindOf(o.Err))
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d principles rejected", failed, len(outcomes))
	}
	return nil
}

func chainCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "chain <domain>",
		Short: "Verify and print a domain's rule chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app := NewApp(cfg, logger)
			defer closeApp(app, logger)
			if err := app.OpenChain(ctx); err != nil {
				return err
			}

			chain, verr := app.compiler.VerifyDomain(ctx, args[0], nil)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			for _, r := range chain {
				if err := enc.Encode(r); err != nil {
					return err
				}
			}
			return verr
		},
	}
}

func keygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing key seed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			seed, err := compiler.GenerateSeed()
			if err != nil {
				return err
			}
			signer, err := compiler.NewSignerFromSeed(seed)
			if err != nil {
				return err
			}
			if out == "" {
				fmt.Fprintln(cmd.OutOrStdout(), seed)
			} else {
				if err := os.WriteFile(out, []byte(seed+"\n"), 0o600); err != nil {
					return fmt.Errorf("write key: %w", err)
				}
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "key id: %s\n", signer.KeyID())
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the seed to this file instead of stdout")
	return cmd
}
