package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carrot-ci/carrot/pkg/status"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// --- Templates and tests ---

func (s *store) CreateTemplate(ctx context.Context, t *Template) error {
	ensureID(&t.ID)

	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return wrap("creating template", err)
	}

	return nil
}

func (s *store) GetTemplate(
	ctx context.Context, id uuid.UUID,
) (*Template, error) {
	var t Template
	if err := s.first(ctx, &t, "getting template", "id = ?", id); err != nil {
		return nil, err
	}

	return &t, nil
}

func (s *store) CreateTest(ctx context.Context, t *Test) error {
	ensureID(&t.ID)

	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return wrap("creating test", err)
	}

	return nil
}

func (s *store) GetTest(ctx context.Context, id uuid.UUID) (*Test, error) {
	var t Test
	if err := s.first(ctx, &t, "getting test", "id = ?", id); err != nil {
		return nil, err
	}

	return &t, nil
}

// --- Runs ---

// CreateRun inserts run together with its links to the builds it waits
// on. A name collision fails with ErrDuplicate and inserts nothing.
func (s *store) CreateRun(
	ctx context.Context, run *Run, buildIDs []uuid.UUID,
) error {
	ensureID(&run.ID)

	if run.Status == "" {
		run.Status = status.RunCreated
	}

	if run.Status.IsTerminal() && run.FinishedAt == nil {
		now := s.now()
		run.FinishedAt = &now
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}

		for _, buildID := range buildIDs {
			if err := tx.Create(&RunBuild{
				RunID:           run.ID,
				SoftwareBuildID: buildID,
			}).Error; err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return wrap("creating run", err)
	}

	return nil
}

// WaitOnBuilds links a created run to the builds it needs and moves it
// to building. It fails with ErrConflict if the run left created.
func (s *store) WaitOnBuilds(
	ctx context.Context, id uuid.UUID, buildIDs []uuid.UUID,
) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Run{}).
			Where("id = ? AND status = ?", id, status.RunCreated).
			Update("status", status.RunBuilding)
		if res.Error != nil {
			return res.Error
		}

		if res.RowsAffected == 0 {
			return fmt.Errorf("run %s is not created: %w", id, ErrConflict)
		}

		for _, buildID := range buildIDs {
			if err := tx.Create(&RunBuild{
				RunID:           id,
				SoftwareBuildID: buildID,
			}).Error; err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return fmt.Errorf("linking run builds: %w", err)
		}

		return wrap("linking run builds", err)
	}

	return nil
}

func (s *store) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	var run Run
	if err := s.first(ctx, &run, "getting run", "id = ?", id); err != nil {
		return nil, err
	}

	return &run, nil
}

func (s *store) GetRunByName(ctx context.Context, name string) (*Run, error) {
	var run Run
	if err := s.first(ctx, &run, "getting run by name", "name = ?", name); err != nil {
		return nil, err
	}

	return &run, nil
}

// ListUnfinishedRuns returns every run without a finished_at timestamp,
// oldest first.
func (s *store) ListUnfinishedRuns(ctx context.Context) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("finished_at IS NULL").
		Order("created_at ASC").
		Find(&runs).Error; err != nil {
		return nil, wrap("listing unfinished runs", err)
	}

	return runs, nil
}

func (s *store) ListRunsByGroup(
	ctx context.Context, groupID uuid.UUID,
) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("run_group_id = ?", groupID).
		Order("created_at ASC").
		Find(&runs).Error; err != nil {
		return nil, wrap("listing runs by group", err)
	}

	return runs, nil
}

func (s *store) ListRunBuilds(
	ctx context.Context, runID uuid.UUID,
) ([]SoftwareBuild, error) {
	var builds []SoftwareBuild
	if err := s.db.WithContext(ctx).
		Joins("JOIN run_builds ON run_builds.software_build_id = software_builds.id").
		Where("run_builds.run_id = ?", runID).
		Order("software_builds.created_at ASC").
		Find(&builds).Error; err != nil {
		return nil, wrap("listing run builds", err)
	}

	return builds, nil
}

// TransitionRun moves a run from status from to update.Status. The write
// is conditional on the stored status still being from; when another
// writer got there first ErrConflict is returned and nothing changes.
// Entering a terminal status stamps finished_at and drops any claim.
func (s *store) TransitionRun(
	ctx context.Context, id uuid.UUID, from status.Run, update RunUpdate,
) error {
	if !from.CanTransitionTo(update.Status) {
		return fmt.Errorf(
			"run %s %s -> %s: %w", id, from, update.Status, ErrInvalidTransition,
		)
	}

	values := map[string]any{"status": update.Status}

	if update.TestJobID != nil {
		values["test_job_id"] = *update.TestJobID
	}

	if update.EvalJobID != nil {
		values["eval_job_id"] = *update.EvalJobID
	}

	if update.TestInput != nil {
		values["test_input"] = update.TestInput
	}

	if update.Results != nil {
		values["results"] = update.Results
	}

	if update.Status.IsTerminal() {
		values["finished_at"] = s.now()
		values["claimed_by"] = ""
		values["claim_expires_at"] = nil
	}

	return s.conditionalUpdate(ctx, &Run{}, id, from, values, "transitioning run")
}

// ClaimRun marks a run in status from as owned by owner until ttl
// elapses. It fails with ErrConflict if the run is not in status from or
// holds an unexpired claim.
func (s *store) ClaimRun(
	ctx context.Context,
	id uuid.UUID,
	from status.Run,
	owner string,
	ttl time.Duration,
) error {
	now := s.now()
	expires := now.Add(ttl)

	res := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ? AND status = ?", id, from).
		Where("claimed_by = '' OR claim_expires_at IS NULL OR claim_expires_at < ?", now).
		Updates(map[string]any{
			"claimed_by":       owner,
			"claim_expires_at": expires,
		})
	if res.Error != nil {
		return wrap("claiming run", res.Error)
	}

	if res.RowsAffected == 0 {
		return fmt.Errorf("claiming run %s: %w", id, ErrConflict)
	}

	return nil
}

// ReleaseRunClaim drops a claim held by owner.
func (s *store) ReleaseRunClaim(
	ctx context.Context, id uuid.UUID, owner string,
) error {
	if err := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ? AND claimed_by = ?", id, owner).
		Updates(map[string]any{
			"claimed_by":       "",
			"claim_expires_at": nil,
		}).Error; err != nil {
		return wrap("releasing run claim", err)
	}

	return nil
}

// DeleteRun removes a finished run together with its report maps and
// build links. Runs that are still in flight, or that own a report that
// is in flight or succeeded, cannot be deleted.
func (s *store) DeleteRun(ctx context.Context, id uuid.UUID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run Run
		if err := tx.Where("id = ?", id).First(&run).Error; err != nil {
			return err
		}

		if !run.Status.IsTerminal() {
			return fmt.Errorf("run is %s: %w", run.Status, ErrConflict)
		}

		var blocking int64
		if err := tx.Model(&ReportMap{}).
			Where("owner_kind = ? AND owner_id = ?", OwnerKindRun, id).
			Where("finished_at IS NULL OR status = ?", status.ReportSucceeded).
			Count(&blocking).Error; err != nil {
			return err
		}

		if blocking > 0 {
			return fmt.Errorf(
				"run has %d unfinished or succeeded reports: %w", blocking, ErrConflict,
			)
		}

		if err := tx.Where("owner_kind = ? AND owner_id = ?", OwnerKindRun, id).
			Delete(&ReportMap{}).Error; err != nil {
			return err
		}

		if err := tx.Where("run_id = ?", id).
			Delete(&RunBuild{}).Error; err != nil {
			return err
		}

		return tx.Delete(&Run{}, "id = ?", id).Error
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return fmt.Errorf("deleting run: %w", err)
		}

		return wrap("deleting run", err)
	}

	return nil
}

// --- Run groups ---

func (s *store) CreateRunGroup(ctx context.Context, g *RunGroup) error {
	ensureID(&g.ID)

	if err := s.db.WithContext(ctx).Create(g).Error; err != nil {
		return wrap("creating run group", err)
	}

	return nil
}

func (s *store) GetRunGroup(
	ctx context.Context, id uuid.UUID,
) (*RunGroup, error) {
	var g RunGroup
	if err := s.first(ctx, &g, "getting run group", "id = ?", id); err != nil {
		return nil, err
	}

	return &g, nil
}

// conditionalUpdate applies values to the row of model with the given id
// only while its status column still equals from.
func (s *store) conditionalUpdate(
	ctx context.Context,
	model any,
	id uuid.UUID,
	from any,
	values map[string]any,
	op string,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(model).
			Where("id = ? AND status = ?", id, from).
			Updates(values)
		if res.Error != nil {
			return wrap(op, res.Error)
		}

		if res.RowsAffected == 0 {
			return fmt.Errorf("%s %s: %w", op, id, ErrConflict)
		}

		return nil
	})
}
