package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pendergraft/campusbridge/internal/chains"
	"github.com/pendergraft/campusbridge/internal/config"
	"github.com/pendergraft/campusbridge/internal/observability/metrics"
	"github.com/pendergraft/campusbridge/internal/server"
	"github.com/pendergraft/campusbridge/internal/storage"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "campusbridge-server",
		Short:   "CampusDAO bridge - contract reads, smart-account dispatch, badges and proposals",
		Version: version,
	}

	// Default behavior (no subcommand) is to serve
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe()
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newLedgerCmd())
	rootCmd.AddCommand(newABIsCmd())

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the ledger schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("running migrations: %w", err)
			}
			fmt.Println("Ledger schema is up to date")
			return nil
		},
	}
}

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the operation ledger",
		Long: `Inspect dispatched operations recorded in the ledger.

Reads the same storage the server writes, so it works while the server is
stopped.

EXAMPLES:
  campusbridge-server ledger list --state submitting
  campusbridge-server ledger show 0x3f...c1
`,
	}
	cmd.AddCommand(newLedgerListCmd())
	cmd.AddCommand(newLedgerShowCmd())
	return cmd
}

func newLedgerListCmd() *cobra.Command {
	var state, action string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ledger receipts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedgerList(cmd.Context(), storage.ReceiptFilter{State: state, Action: action}, limit)
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state (built, submitting, confirmed, rejected, dropped)")
	cmd.Flags().StringVar(&action, "action", "", "filter by action")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum receipts to show")
	return cmd
}

func newLedgerShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <token>",
		Short: "Show one receipt as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedgerShow(cmd.Context(), args[0])
		},
	}
}

func newABIsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abis",
		Short: "List the contract ABI versions the server can bind",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			reg, err := chains.LoadRegistry(cfg.Chain.ABIManifest)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tVERSIONS\tSELECTED")
			for _, kind := range []struct{ name, pinned string }{
				{chains.KindRegistry, cfg.Chain.RegistryABIVersion},
				{chains.KindBadge, cfg.Chain.BadgeABIVersion},
			} {
				selected := "-"
				if b, err := reg.Get(kind.name, kind.pinned); err == nil {
					selected = b.Version
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", kind.name, strings.Join(reg.Versions(kind.name), ", "), selected)
			}
			return w.Flush()
		},
	}
}

// Ledger commands

func openStore() (storage.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	store, err := storage.New(cfg.Storage, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	return store, nil
}

func runLedgerList(ctx context.Context, filter storage.ReceiptFilter, limit int) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	page, err := store.ListReceipts(ctx, filter, storage.PaginationParams{Limit: limit})
	if err != nil {
		return fmt.Errorf("listing receipts: %w", err)
	}
	if len(page.Data) == 0 {
		fmt.Println("No receipts found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOKEN\tACTION\tSTATE\tATTEMPTS\tTX\tUPDATED")
	for _, r := range page.Data {
		tx := r.TxHash
		if tx == "" {
			tx = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", shorten(r.Token), r.Action, r.State, r.Attempts, shorten(tx), r.UpdatedAt)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if page.HasMore {
		fmt.Printf("\nMore receipts exist; raise --limit to see them\n")
	}
	return nil
}

func runLedgerShow(ctx context.Context, token string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.GetReceipt(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("no receipt for token %s", token)
	}
	if err != nil {
		return fmt.Errorf("reading receipt: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func shorten(s string) string {
	if len(s) > 14 {
		return s[:8] + "..." + s[len(s)-4:]
	}
	return s
}

// Server command

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	logger := setupLogger(cfg)
	logger.Info("starting campusbridge-server", "version", version)

	metrics.Init(cfg.Metrics.Enabled, cfg.Metrics.ServiceName)

	store, err := storage.New(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(context.Background()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	srv, cleanup, err := server.Build(startCtx, cfg, store, version, logger)
	cancelStart()
	if err != nil {
		return fmt.Errorf("wiring services: %w", err)
	}
	defer cleanup()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Logging.Level),
	}

	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler).With("service", cfg.Metrics.ServiceName)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
