package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	wlog "github.com/joescharf/wake/internal/log"
	"github.com/joescharf/wake/internal/remote"
)

var backendPort int

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Run an in-memory remote alarm store for development",
	Long: `Run the remote alarm store API backed by memory. Point remote.url at it
to try multi-device sync locally:

  wake backend --port 8471 &
  WAKE_REMOTE_URL=http://localhost:8471 wake sync`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return backendRun()
	},
}

func init() {
	backendCmd.Flags().IntVar(&backendPort, "port", 8471, "port to listen on")
	rootCmd.AddCommand(backendCmd)
}

func backendRun() error {
	ctx, stop := signalContext()
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", backendPort),
		Handler:           remote.NewServer(remote.NewMemory(), viper.GetInt("serve.rate_limit"), wlog.WithComponent("backend")).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	ui.Info("Remote store listening at http://localhost%s", srv.Addr)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
