package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/kyb-monitor/internal/api"
	"github.com/sells-group/kyb-monitor/internal/model"
	"github.com/sells-group/kyb-monitor/internal/monitoring"
	"github.com/sells-group/kyb-monitor/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

var (
	servePort        int
	serveNoScheduler bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the KYB API and run the monitoring scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		var checker *monitoring.Checker
		env, err := initMonitor(ctx, "serve", scheduler.WithPassHook(func(p model.PassSummary) {
			if checker != nil {
				checker.OnPass(ctx)(p)
			}
		}))
		if err != nil {
			return err
		}
		defer env.Close()

		checker = monitoring.NewChecker(
			monitoring.NewCollector(env.Store),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
		)

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: api.New(env.Store, env.Scheduler, env.Alerts,
				api.WithAllowedOrigins(cfg.Server.AllowedOrigins),
			).Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		if !serveNoScheduler {
			g.Go(func() error { return env.Scheduler.Run(gctx) })
		}
		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})
		g.Go(func() error {
			env.Janitor(gctx)
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			zap.L().Info("starting server",
				zap.Int("port", cfg.Server.Port),
				zap.Bool("scheduler", !serveNoScheduler),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "serve the API without background passes")
	rootCmd.AddCommand(serveCmd)
}
