package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/carrot-ci/carrot/pkg/status"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func (s *store) CreateSoftware(ctx context.Context, sw *Software) error {
	ensureID(&sw.ID)

	if err := s.db.WithContext(ctx).Create(sw).Error; err != nil {
		return wrap("creating software", err)
	}

	return nil
}

func (s *store) GetSoftware(
	ctx context.Context, id uuid.UUID,
) (*Software, error) {
	var sw Software
	if err := s.first(ctx, &sw, "getting software", "id = ?", id); err != nil {
		return nil, err
	}

	return &sw, nil
}

func (s *store) GetSoftwareByName(
	ctx context.Context, name string,
) (*Software, error) {
	var sw Software
	if err := s.first(ctx, &sw, "getting software by name", "name = ?", name); err != nil {
		return nil, err
	}

	return &sw, nil
}

// GetOrCreateSoftwareVersion returns the version row for commit,
// inserting it on first use.
func (s *store) GetOrCreateSoftwareVersion(
	ctx context.Context, softwareID uuid.UUID, commit string,
) (*SoftwareVersion, error) {
	var v SoftwareVersion

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("software_id = ? AND commit_hash = ?", softwareID, commit).
			First(&v).Error
		if err == nil {
			return nil
		}

		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		v = SoftwareVersion{
			ID:         uuid.New(),
			SoftwareID: softwareID,
			Commit:     commit,
		}

		return tx.Create(&v).Error
	})
	if err != nil {
		return nil, wrap("getting or creating software version", err)
	}

	return &v, nil
}

func (s *store) GetSoftwareVersion(
	ctx context.Context, id uuid.UUID,
) (*SoftwareVersion, error) {
	var v SoftwareVersion
	if err := s.first(ctx, &v, "getting software version", "id = ?", id); err != nil {
		return nil, err
	}

	return &v, nil
}

func (s *store) CreateSoftwareBuild(ctx context.Context, b *SoftwareBuild) error {
	ensureID(&b.ID)

	if b.Status == "" {
		b.Status = status.BuildCreated
	}

	if err := s.db.WithContext(ctx).Create(b).Error; err != nil {
		return wrap("creating software build", err)
	}

	return nil
}

func (s *store) GetSoftwareBuild(
	ctx context.Context, id uuid.UUID,
) (*SoftwareBuild, error) {
	var b SoftwareBuild
	if err := s.first(ctx, &b, "getting software build", "id = ?", id); err != nil {
		return nil, err
	}

	return &b, nil
}

// FindUsableBuild returns the newest build of a version that has either
// succeeded or is running on the engine. Builds that never got a job are
// skipped. ErrNotFound means a new build is needed.
func (s *store) FindUsableBuild(
	ctx context.Context, versionID uuid.UUID,
) (*SoftwareBuild, error) {
	var b SoftwareBuild
	if err := s.db.WithContext(ctx).
		Where("software_version_id = ?", versionID).
		Where("status NOT IN ?", []status.Build{status.BuildFailed, status.BuildAborted}).
		Where("job_id <> ''").
		Order("created_at DESC").
		First(&b).Error; err != nil {
		return nil, wrap("finding usable build", err)
	}

	return &b, nil
}

func (s *store) ListUnfinishedBuilds(
	ctx context.Context,
) ([]SoftwareBuild, error) {
	var builds []SoftwareBuild
	if err := s.db.WithContext(ctx).
		Where("finished_at IS NULL").
		Order("created_at ASC").
		Find(&builds).Error; err != nil {
		return nil, wrap("listing unfinished builds", err)
	}

	return builds, nil
}

// TransitionBuild is the software build counterpart of TransitionRun.
func (s *store) TransitionBuild(
	ctx context.Context,
	id uuid.UUID,
	from status.Build,
	update BuildUpdate,
) error {
	if !from.CanTransitionTo(update.Status) {
		return fmt.Errorf(
			"build %s %s -> %s: %w", id, from, update.Status, ErrInvalidTransition,
		)
	}

	values := map[string]any{"status": update.Status}

	if update.JobID != nil {
		values["job_id"] = *update.JobID
	}

	if update.ImageURL != nil {
		values["image_url"] = *update.ImageURL
	}

	if update.Status.IsTerminal() {
		values["finished_at"] = s.now()
	}

	return s.conditionalUpdate(
		ctx, &SoftwareBuild{}, id, from, values, "transitioning software build",
	)
}
