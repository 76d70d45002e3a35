package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/wake/internal/api"
	"github.com/joescharf/wake/internal/daemon"
	wlog "github.com/joescharf/wake/internal/log"
	"github.com/joescharf/wake/internal/output"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the alarm API over HTTP",
	Long: `Serve the REST API, the event stream and /metrics.

Ringing alarms are answered through /api/v1/alerts. When no agent is
running for this cache, serve runs one; otherwise it relies on the
running agent and the cross-device bus.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun()
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8470, "port to listen on")
	_ = viper.BindPFlag("serve.port", serveCmd.Flags().Lookup("port"))
	rootCmd.AddCommand(serveCmd)
}

// acquireAgent takes the agent lock for id when it is free.
func acquireAgent(lock *daemon.Lock, id string) bool {
	err := lock.Acquire(id)
	if err == nil {
		return true
	}
	if !errors.Is(err, daemon.ErrHeld) {
		ui.Warning("agent lock: %v", err)
	}
	return false
}

func serveRun() error {
	ctx, stop := signalContext()
	defer stop()

	id := contextID()
	lock := lockFile()
	runAgent := acquireAgent(lock, id)
	if runAgent {
		defer func() { _ = lock.Release() }()
	}

	e, closeFn, err := openEngine(ctx, engineMode{runAgent: runAgent, contextID: id})
	if err != nil {
		return err
	}
	defer closeFn()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", viper.GetInt("serve.port")),
		Handler:           api.NewServer(e, snoozeDefaults(), wlog.WithComponent("api")).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	agentState := output.Yellow("using running agent")
	if runAgent {
		agentState = output.Green("agent running here")
	}
	ui.Info("Serving API at http://localhost%s (%s)", srv.Addr, agentState)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := e.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	ui.Info("Server stopped")
	return nil
}
