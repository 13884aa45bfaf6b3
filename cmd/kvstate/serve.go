package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/UltraSive/kvstate/internal/handler"
	"github.com/UltraSive/kvstate/internal/transport"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the local store over HTTP and a unix socket",
		Long: `Serves the configured backend so other processes can use it as their
store (KVSTATE_REMOTE_URL) and follow its change feed.

HTTP listens on KVSTATE_HTTP_ADDR, the framed socket on KVSTATE_SOCKET_PATH.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Remote() {
				return errors.New("serve needs a local backend; unset KVSTATE_REMOTE_URL")
			}
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	rt, err := a.open(ctx, openOptions{follow: true, journal: true})
	if err != nil {
		return err
	}
	defer rt.close()

	h := handler.New(rt.shared, a.log)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Remove a socket left behind by a previous run.
	if _, err := os.Stat(a.cfg.SocketPath); err == nil {
		_ = os.Remove(a.cfg.SocketPath)
	}

	errc := make(chan error, 2)
	go func() {
		err := transport.ServeUnix(ctx, a.cfg.SocketPath, func(conn net.Conn) {
			if err := transport.ServeConn(conn, h.ServeBytes); err != nil {
				a.log.Warn("socket connection failed", zap.Error(err))
			}
		})
		if err != nil {
			errc <- fmt.Errorf("unix socket server: %w", err)
		}
	}()

	httpSrv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           transport.NewHTTPRouter(h.ServeBytes),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	a.log.Info("serving",
		zap.String("backend", a.cfg.Backend),
		zap.String("http", a.cfg.HTTPAddr),
		zap.String("socket", a.cfg.SocketPath))

	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
	case err = <-errc:
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
	_ = os.Remove(a.cfg.SocketPath)
	return err
}
