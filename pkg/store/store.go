package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carrot-ci/carrot/pkg/config"
	"github.com/carrot-ci/carrot/pkg/status"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when a unique constraint is violated.
	ErrDuplicate = errors.New("duplicate record")

	// ErrConflict is returned when a conditional update matched no rows
	// because the record was changed concurrently.
	ErrConflict = errors.New("record changed concurrently")

	// ErrInvalidTransition is returned when a status change would move a
	// record backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store provides persistence for carrot entities.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Templates and tests.
	CreateTemplate(ctx context.Context, t *Template) error
	GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error)
	CreateTest(ctx context.Context, t *Test) error
	GetTest(ctx context.Context, id uuid.UUID) (*Test, error)

	// Runs.
	CreateRun(ctx context.Context, run *Run, buildIDs []uuid.UUID) error
	WaitOnBuilds(ctx context.Context, id uuid.UUID, buildIDs []uuid.UUID) error
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	GetRunByName(ctx context.Context, name string) (*Run, error)
	ListUnfinishedRuns(ctx context.Context) ([]Run, error)
	ListRunsByGroup(ctx context.Context, groupID uuid.UUID) ([]Run, error)
	ListRunBuilds(ctx context.Context, runID uuid.UUID) ([]SoftwareBuild, error)
	TransitionRun(
		ctx context.Context, id uuid.UUID, from status.Run, update RunUpdate,
	) error
	ClaimRun(
		ctx context.Context, id uuid.UUID, from status.Run, owner string, ttl time.Duration,
	) error
	ReleaseRunClaim(ctx context.Context, id uuid.UUID, owner string) error
	DeleteRun(ctx context.Context, id uuid.UUID) error

	// Run groups.
	CreateRunGroup(ctx context.Context, g *RunGroup) error
	GetRunGroup(ctx context.Context, id uuid.UUID) (*RunGroup, error)

	// Reports.
	CreateReport(ctx context.Context, r *Report) error
	GetReport(ctx context.Context, id uuid.UUID) (*Report, error)
	CreateTemplateReport(ctx context.Context, tr *TemplateReport) error
	ListTemplateReports(ctx context.Context, templateID uuid.UUID) ([]Report, error)
	CreateReportMap(ctx context.Context, m *ReportMap) error
	GetReportMap(ctx context.Context, id uuid.UUID) (*ReportMap, error)
	ListReportMapsByOwner(ctx context.Context, owner Owner) ([]ReportMap, error)
	ListUnfinishedReportMaps(ctx context.Context) ([]ReportMap, error)
	TransitionReportMap(
		ctx context.Context, id uuid.UUID, from status.ReportMap, update ReportMapUpdate,
	) error

	// Software builds.
	CreateSoftware(ctx context.Context, sw *Software) error
	GetSoftware(ctx context.Context, id uuid.UUID) (*Software, error)
	GetSoftwareByName(ctx context.Context, name string) (*Software, error)
	GetOrCreateSoftwareVersion(
		ctx context.Context, softwareID uuid.UUID, commit string,
	) (*SoftwareVersion, error)
	GetSoftwareVersion(ctx context.Context, id uuid.UUID) (*SoftwareVersion, error)
	CreateSoftwareBuild(ctx context.Context, b *SoftwareBuild) error
	GetSoftwareBuild(ctx context.Context, id uuid.UUID) (*SoftwareBuild, error)
	FindUsableBuild(ctx context.Context, versionID uuid.UUID) (*SoftwareBuild, error)
	ListUnfinishedBuilds(ctx context.Context) ([]SoftwareBuild, error)
	TransitionBuild(
		ctx context.Context, id uuid.UUID, from status.Build, update BuildUpdate,
	) error
}

// RunUpdate describes a run status change. Nil fields are left as is.
type RunUpdate struct {
	Status    status.Run
	TestJobID *string
	EvalJobID *string
	TestInput datatypes.JSONMap
	Results   datatypes.JSONMap
}

// ReportMapUpdate describes a report map status change.
type ReportMapUpdate struct {
	Status  status.ReportMap
	JobID   *string
	Results datatypes.JSONMap
}

// BuildUpdate describes a software build status change.
type BuildUpdate struct {
	Status   status.Build
	JobID    *string
	ImageURL *string
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// A single connection serialises writers and keeps an in-memory
		// database alive for the lifetime of the store.
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Template{},
		&Test{},
		&RunGroup{},
		&Run{},
		&RunBuild{},
		&Report{},
		&TemplateReport{},
		&ReportMap{},
		&Software{},
		&SoftwareVersion{},
		&SoftwareBuild{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// translate maps driver errors onto the package sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey),
		strings.Contains(err.Error(), "UNIQUE constraint failed"),
		strings.Contains(err.Error(), "duplicate key value"):
		return ErrDuplicate
	default:
		return err
	}
}

// wrap annotates err with op while keeping the sentinel matchable.
func wrap(op string, err error) error {
	translated := translate(err)
	if translated == err {
		return fmt.Errorf("%s: %w", op, err)
	}

	return fmt.Errorf("%s: %w: %w", op, translated, err)
}

func ensureID(id *uuid.UUID) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
}

func (s *store) first(ctx context.Context, dest any, op string, query string, args ...any) error {
	if err := s.db.WithContext(ctx).
		Where(query, args...).
		First(dest).Error; err != nil {
		return wrap(op, err)
	}

	return nil
}
