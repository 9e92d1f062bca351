package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/carrot-ci/carrot/pkg/actions"
	"github.com/carrot-ci/carrot/pkg/api"
	"github.com/carrot-ci/carrot/pkg/engine"
	"github.com/carrot-ci/carrot/pkg/fetcher"
	"github.com/carrot-ci/carrot/pkg/notify"
	"github.com/carrot-ci/carrot/pkg/reconciler"
	"github.com/carrot-ci/carrot/pkg/store"
	"github.com/carrot-ci/carrot/pkg/submission"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reconciler, the action workers and the HTTP API",
	Long: `Start the store, the follow-on action queue, the reconciliation loop and
the HTTP API. The process exits non-zero if the engine keeps failing past
the configured threshold.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	eng := engine.NewClient(log, &cfg.Engine)
	svc := submission.NewService(log, cfg, st, fetcher.NewFetcher(log, &cfg.Fetcher), eng)

	queue := actions.NewQueue(log, &cfg.Actions,
		actions.NewHandler(log, st, svc, notify.NewNotifier(log, &cfg.Notify)))
	if err := queue.Start(ctx); err != nil {
		return errors.Join(fmt.Errorf("starting action queue: %w", err), st.Stop())
	}

	rec, err := reconciler.NewReconciler(log, cfg, st, eng, queue)
	if err != nil {
		return errors.Join(fmt.Errorf("creating reconciler: %w", err), queue.Stop(), st.Stop())
	}

	if err := rec.Start(ctx); err != nil {
		return errors.Join(fmt.Errorf("starting reconciler: %w", err), queue.Stop(), st.Stop())
	}

	srv := api.NewServer(log, &cfg.Server, st, svc)
	if err := srv.Start(ctx); err != nil {
		return errors.Join(
			fmt.Errorf("starting api server: %w", err), rec.Stop(), queue.Stop(), st.Stop(),
		)
	}

	var fatal error

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("Shutting down")
	case fatal = <-rec.Fatal():
		log.WithError(fatal).Error("Reconciliation escalated, shutting down")
	}

	cancel()

	// Stop in reverse start order so nothing writes to a closed store.
	stopErr := errors.Join(srv.Stop(), rec.Stop(), queue.Stop(), st.Stop())

	if fatal != nil {
		return errors.Join(fatal, stopErr)
	}

	if stopErr != nil {
		return fmt.Errorf("stopping: %w", stopErr)
	}

	return nil
}
