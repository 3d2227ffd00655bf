package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/salesmail/internal/api"
	"github.com/kalambet/salesmail/internal/generator"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (or the MCP server with --mcp)",
	RunE: func(cmd *cobra.Command, args []string) error {
		useMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(useMCP)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "serve the MCP tools over stdio instead of HTTP")
}

func runServer(useMCP bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "salesmail version %s\n", version)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	var observer generator.Observer
	if cfg.Monitor.Enabled {
		mon := a.monitor()
		observer = mon
		stopMonitor := startMonitor(ctx, mon)
		defer stopMonitor()
		slog.Info("quality monitor started", "sample_rate", cfg.Monitor.SampleRate)
	}

	gen, err := a.generator(ctx, "", observer)
	if err != nil {
		return fmt.Errorf("initializing generator: %w", err)
	}
	slog.Info("prompt loaded", "prompt_model", gen.Prompt().ModelName())

	if useMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Generator: gen,
			Customers: a.customers,
			Feedback:  a.tracker,
			Runs:      a.store,
		})
		slog.Info("MCP server started (stdio transport)")
		err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	}

	handler := api.NewHandler(api.Deps{
		Generator:    gen,
		Customers:    a.customers,
		Feedback:     a.tracker,
		Host:         cfg.Databricks.Host,
		ExperimentID: cfg.Databricks.ExperimentID,
		Environment:  cfg.Environment(),
		Showcase:     cfg.Showcase,
		AdminToken:   cfg.Server.APIToken,
		Logger:       slog.Default(),
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "salesmail listening on %s\n", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// startMonitor runs mon in the background. The returned func stops it and
// waits for the job in flight, so storage can be closed afterwards.
func startMonitor(ctx context.Context, mon interface{ Run(context.Context) }) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		mon.Run(ctx)
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}
