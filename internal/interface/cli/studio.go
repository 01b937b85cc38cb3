package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/deepatch/internal/app"
	"github.com/YoshitsuguKoike/deepatch/internal/studio"
)

func newStudioCmd(flags *rootFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "studio",
		Short: "Serve the job queue daemon and its HTTP control surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := flags.repoRoot()
			if err != nil {
				return err
			}
			log := app.NewStderrLogger(app.LevelInfo)
			pool := studio.NewPool(&studio.ExecSpawner{}, log)
			if err := pool.Start(root); err != nil {
				return err
			}
			defer pool.Shutdown()

			srv := &http.Server{
				Addr:    addr,
				Handler: studio.NewServer(root, pool).Router(),
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			fmt.Fprintf(cmd.OutOrStdout(), "studio listening on %s for %s\n", addr, root)
			select {
			case sig := <-stop:
				log.Info("received %s, shutting down", sig)
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(ctx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	return cmd
}
