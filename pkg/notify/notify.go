// Package notify delivers run, report and build outcomes to people.
package notify

import (
	"context"
	"errors"

	"github.com/carrot-ci/carrot/pkg/config"
	"github.com/carrot-ci/carrot/pkg/store"
	"github.com/sirupsen/logrus"
)

// Notifier is a destination for outcome notifications.
type Notifier interface {
	NotifyRun(ctx context.Context, run *store.Run) error
	NotifyReport(ctx context.Context, m *store.ReportMap) error
	NotifyBuild(ctx context.Context, b *store.SoftwareBuild) error
}

// NewNotifier returns the configured notifiers fanned out behind one
// Notifier. Outcomes are always logged.
func NewNotifier(log logrus.FieldLogger, cfg *config.NotifyConfig) Notifier {
	sinks := []Notifier{NewLogNotifier(log)}

	if cfg.GitHub.Enabled {
		sinks = append(sinks, NewGitHubNotifier(log, &cfg.GitHub))
	}

	return multi(sinks)
}

type multi []Notifier

// Compile-time interface check.
var _ Notifier = multi(nil)

func (m multi) NotifyRun(ctx context.Context, run *store.Run) error {
	var errs []error

	for _, n := range m {
		errs = append(errs, n.NotifyRun(ctx, run))
	}

	return errors.Join(errs...)
}

func (m multi) NotifyReport(ctx context.Context, rm *store.ReportMap) error {
	var errs []error

	for _, n := range m {
		errs = append(errs, n.NotifyReport(ctx, rm))
	}

	return errors.Join(errs...)
}

func (m multi) NotifyBuild(ctx context.Context, b *store.SoftwareBuild) error {
	var errs []error

	for _, n := range m {
		errs = append(errs, n.NotifyBuild(ctx, b))
	}

	return errors.Join(errs...)
}

type logNotifier struct {
	log logrus.FieldLogger
}

// NewLogNotifier returns a Notifier that writes outcomes to the log.
func NewLogNotifier(log logrus.FieldLogger) Notifier {
	return &logNotifier{log: log.WithField("component", "notify")}
}

func (n *logNotifier) NotifyRun(_ context.Context, run *store.Run) error {
	entry := n.log.WithFields(logrus.Fields{
		"run_id": run.ID,
		"run":    run.Name,
		"status": run.Status,
	})

	if run.Status.IsFailure() {
		entry.Warn("Run finished")
	} else {
		entry.Info("Run finished")
	}

	return nil
}

func (n *logNotifier) NotifyReport(_ context.Context, m *store.ReportMap) error {
	n.log.WithFields(logrus.Fields{
		"report_map_id": m.ID,
		"report_id":     m.ReportID,
		"owner_kind":    m.OwnerKind,
		"owner_id":      m.OwnerID,
		"status":        m.Status,
	}).Info("Report finished")

	return nil
}

func (n *logNotifier) NotifyBuild(_ context.Context, b *store.SoftwareBuild) error {
	n.log.WithFields(logrus.Fields{
		"build_id":  b.ID,
		"status":    b.Status,
		"image_url": b.ImageURL,
	}).Info("Software build finished")

	return nil
}
