package store

import (
	"context"
	"fmt"

	"github.com/carrot-ci/carrot/pkg/status"
	"github.com/google/uuid"
)

func (s *store) CreateReport(ctx context.Context, r *Report) error {
	ensureID(&r.ID)

	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return wrap("creating report", err)
	}

	return nil
}

func (s *store) GetReport(ctx context.Context, id uuid.UUID) (*Report, error) {
	var r Report
	if err := s.first(ctx, &r, "getting report", "id = ?", id); err != nil {
		return nil, err
	}

	return &r, nil
}

func (s *store) CreateTemplateReport(
	ctx context.Context, tr *TemplateReport,
) error {
	if err := s.db.WithContext(ctx).Create(tr).Error; err != nil {
		return wrap("creating template report", err)
	}

	return nil
}

// ListTemplateReports returns the reports attached to a template.
func (s *store) ListTemplateReports(
	ctx context.Context, templateID uuid.UUID,
) ([]Report, error) {
	var reports []Report
	if err := s.db.WithContext(ctx).
		Joins("JOIN template_reports ON template_reports.report_id = reports.id").
		Where("template_reports.template_id = ?", templateID).
		Order("reports.name ASC").
		Find(&reports).Error; err != nil {
		return nil, wrap("listing template reports", err)
	}

	return reports, nil
}

// CreateReportMap inserts a report map. Only one report map may exist
// per owner and report; a second insert fails with ErrDuplicate.
func (s *store) CreateReportMap(ctx context.Context, m *ReportMap) error {
	ensureID(&m.ID)

	if m.Status == "" {
		m.Status = status.ReportCreated
	}

	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return wrap("creating report map", err)
	}

	return nil
}

func (s *store) GetReportMap(
	ctx context.Context, id uuid.UUID,
) (*ReportMap, error) {
	var m ReportMap
	if err := s.first(ctx, &m, "getting report map", "id = ?", id); err != nil {
		return nil, err
	}

	return &m, nil
}

func (s *store) ListReportMapsByOwner(
	ctx context.Context, owner Owner,
) ([]ReportMap, error) {
	var maps []ReportMap
	if err := s.db.WithContext(ctx).
		Where("owner_kind = ? AND owner_id = ?", owner.Kind(), owner.EntityID()).
		Order("created_at ASC").
		Find(&maps).Error; err != nil {
		return nil, wrap("listing report maps by owner", err)
	}

	return maps, nil
}

func (s *store) ListUnfinishedReportMaps(
	ctx context.Context,
) ([]ReportMap, error) {
	var maps []ReportMap
	if err := s.db.WithContext(ctx).
		Where("finished_at IS NULL").
		Order("created_at ASC").
		Find(&maps).Error; err != nil {
		return nil, wrap("listing unfinished report maps", err)
	}

	return maps, nil
}

// TransitionReportMap is the report map counterpart of TransitionRun.
func (s *store) TransitionReportMap(
	ctx context.Context,
	id uuid.UUID,
	from status.ReportMap,
	update ReportMapUpdate,
) error {
	if !from.CanTransitionTo(update.Status) {
		return fmt.Errorf(
			"report map %s %s -> %s: %w", id, from, update.Status, ErrInvalidTransition,
		)
	}

	values := map[string]any{"status": update.Status}

	if update.JobID != nil {
		values["job_id"] = *update.JobID
	}

	if update.Results != nil {
		values["results"] = update.Results
	}

	if update.Status.IsTerminal() {
		values["finished_at"] = s.now()
	}

	return s.conditionalUpdate(
		ctx, &ReportMap{}, id, from, values, "transitioning report map",
	)
}
