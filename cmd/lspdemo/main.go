// Command lspdemo drives a lspclient.Client through its full lifecycle
// against either a built-in toy server or a real language server binary,
// logging each stage and, with --watch, forwarding workspace file changes
// while running.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/firi/lspwire/lspclient"
	"github.com/firi/lspwire/protocol"
	"github.com/firi/lspwire/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		workspaceRoot string
		serverPath    string
		verbose       bool
		watch         bool
		timeoutSec    int
		env           []string
	)

	cmd := &cobra.Command{
		Use:   "lspdemo",
		Short: "Drive a Language Client against a toy or real LSP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
				With(slog.String("session", uuid.NewString()))

			if workspaceRoot == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				workspaceRoot = wd
			}

			return runDemo(log, workspaceRoot, serverPath, watch, env, time.Duration(timeoutSec)*time.Second)
		},
	}

	cmd.Flags().StringVar(&workspaceRoot, "root", "", "workspace root (default: current directory)")
	cmd.Flags().StringVar(&serverPath, "server", "", "path to a real language server binary (default: built-in toy server)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cmd.Flags().BoolVar(&watch, "watch", false, "forward workspace file changes to the server")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 10, "per-request timeout in seconds")
	cmd.Flags().StringArrayVar(&env, "env", nil, "extra KEY=VALUE environment variable for the server process (repeatable)")

	return cmd
}

func runDemo(log *slog.Logger, workspaceRoot, serverPath string, watch bool, env []string, timeout time.Duration) error {
	var adapter transport.Adapter
	var toyServerCancel func()

	if serverPath == "" {
		pipeAdapter, serverR, serverW := transport.NewPipeAdapter()
		go runToyServer(serverR, serverW, log)
		adapter = pipeAdapter
		toyServerCancel = func() {}
	} else {
		ctx, cancel := context.WithCancel(context.Background())
		adapter = transport.NewProcessAdapter(ctx, serverPath, nil, env, log)
		toyServerCancel = cancel
	}
	defer toyServerCancel()

	client := lspclient.New(adapter, lspclient.WithLogger(log))

	initCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Initialize(initCtx, protocol.FileURI(workspaceRoot)); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	log.Info("client initialized", slog.String("root", workspaceRoot))

	var watcher *workspaceWatcher
	if watch {
		w, err := newWorkspaceWatcher(workspaceRoot, client, log)
		if err != nil {
			log.Warn("failed to start workspace watcher", slog.String("error", err.Error()))
		} else {
			watcher = w
			defer watcher.Close()
		}
	}

	hoverCtx, hoverCancel := context.WithTimeout(context.Background(), timeout)
	defer hoverCancel()
	hover, err := protocol.Hover(hoverCtx, client, protocol.FileURI(workspaceRoot), protocol.Position{})
	if err != nil {
		log.Warn("hover request failed", slog.String("error", err.Error()))
	} else {
		log.Info("hover result", slog.String("value", hover.Contents.Value))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()
	if err := client.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("client shut down")
	return nil
}
