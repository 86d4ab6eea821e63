package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/loomlabs/loom/internal/branch"
	"github.com/loomlabs/loom/internal/canvas"
	"github.com/loomlabs/loom/internal/config"
	"github.com/loomlabs/loom/internal/contextbuild"
	"github.com/loomlabs/loom/internal/llm"
	"github.com/loomlabs/loom/internal/reflock"
	"github.com/loomlabs/loom/internal/server"
	"github.com/loomlabs/loom/internal/storage/sqlite"
	"github.com/loomlabs/loom/internal/turn"
	"github.com/loomlabs/loom/internal/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the workspace API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	dbPath := config.GetString("db")
	if dbPath == "" {
		dbPath = filepath.Join(".loom", "loom.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	// One daemon per database. The lock lives beside the db file so a
	// second instance fails fast instead of fighting over WAL state.
	lock := flock.New(dbPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring daemon lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another loomd is already serving %s", dbPath)
	}
	defer func() { _ = lock.Unlock() }()

	store, err := sqlite.New(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	locks := reflock.New(store, config.LeaseTTL())
	defer locks.Close()

	canvasEngine := canvas.New(store)
	summaryRole := types.Role(config.MergeSummaryRole())
	branches := branch.New(store, canvasEngine, summaryRole)
	registry := llm.DefaultRegistry(llm.Keys{
		Anthropic: config.GetString("anthropic-api-key"),
		OpenAI:    config.GetString("openai-api-key"),
		Gemini:    config.GetString("gemini-api-key"),
	})
	turns := turn.New(store, locks, contextbuild.New(store), registry)

	srv := server.New(store, branches, canvasEngine, turns, locks, server.Options{
		LockTimeout:      config.LockTimeout(),
		HistoryLimit:     config.HistoryLimit(),
		TokenLimit:       config.TokenLimit(),
		MergeSummaryRole: summaryRole,
	})

	addr := config.GetString("listen")
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("loomd serving %s on %s", dbPath, addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		log.Printf("loomd stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
