package cmds

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentboard/agentboard/pkg/devserver"
)

func newDevServerCmd() *cobra.Command {
	var addr string
	var stepDelay time.Duration
	cmd := &cobra.Command{
		Use:   "dev-server",
		Short: "Run a scripted analysis backend for local development",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := devserver.New(devserver.Config{StepDelay: stepDelay})
			defer func() { _ = srv.Close() }()
			httpSrv := &http.Server{Addr: addr, Handler: srv}

			eg, egCtx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				log.Info().Str("component", "devserver").Str("addr", addr).Msg("listening")
				fmt.Printf("dev backend on http://localhost%s (point chat at it with --backend-url)\n", addr)
				if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
					return err
				}
				return nil
			})
			eg.Go(func() error {
				<-egCtx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return httpSrv.Shutdown(shutdownCtx)
			})
			return eg.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8088", "HTTP listen address")
	cmd.Flags().DurationVar(&stepDelay, "step-delay", 400*time.Millisecond, "pacing between scripted updates")
	return cmd
}
