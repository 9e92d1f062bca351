package store

import (
	"time"

	"github.com/carrot-ci/carrot/pkg/status"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Template holds the locations of a test and an eval workflow.
type Template struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name        string    `gorm:"uniqueIndex;not null" json:"name"`
	Description string    `json:"description,omitempty"`
	TestWDL     string    `gorm:"not null" json:"test_wdl"`
	// TestWDLDependencies is the location of an optional zip archive of
	// documents imported by the test workflow.
	TestWDLDependencies string    `json:"test_wdl_dependencies,omitempty"`
	EvalWDL             string    `gorm:"not null" json:"eval_wdl"`
	EvalWDLDependencies string    `json:"eval_wdl_dependencies,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	CreatedBy           string    `json:"created_by,omitempty"`
}

// Test binds a template to default inputs.
type Test struct {
	ID                uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	Name              string            `gorm:"uniqueIndex;not null" json:"name"`
	TemplateID        uuid.UUID         `gorm:"type:uuid;index;not null" json:"template_id"`
	TestInputDefaults datatypes.JSONMap `gorm:"type:json" json:"test_input_defaults,omitempty"`
	EvalInputDefaults datatypes.JSONMap `gorm:"type:json" json:"eval_input_defaults,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	CreatedBy         string            `json:"created_by,omitempty"`
}

// RunGroup collects runs so that reports can be generated across them.
type RunGroup struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Run is one execution of a test.
type Run struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	TestID     uuid.UUID         `gorm:"type:uuid;index;not null" json:"test_id"`
	RunGroupID *uuid.UUID        `gorm:"type:uuid;index" json:"run_group_id,omitempty"`
	Name       string            `gorm:"uniqueIndex;not null" json:"name"`
	Status     status.Run        `gorm:"type:text;index;not null" json:"status"`
	TestInput  datatypes.JSONMap `gorm:"type:json" json:"test_input"`
	EvalInput  datatypes.JSONMap `gorm:"type:json" json:"eval_input"`
	// TestJobID is the engine job of the test phase, or of the single
	// combined job in merged mode.
	TestJobID    string            `json:"test_job_id,omitempty"`
	EvalJobID    string            `json:"eval_job_id,omitempty"`
	Results      datatypes.JSONMap `gorm:"type:json" json:"results,omitempty"`
	GitHubTarget string            `json:"github_target,omitempty"`
	// ClaimedBy is set while a submission for the run is in flight.
	ClaimedBy      string     `gorm:"type:text;index;not null;default:''" json:"-"`
	ClaimExpiresAt *time.Time `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
	CreatedBy      string     `json:"created_by,omitempty"`
	FinishedAt     *time.Time `gorm:"index" json:"finished_at,omitempty"`
}

// RunBuild links a run to a software build it waits on.
type RunBuild struct {
	RunID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	SoftwareBuildID uuid.UUID `gorm:"type:uuid;primaryKey;index"`
}

// Report is a workflow that summarises the results of runs.
type Report struct {
	ID               uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	Name             string            `gorm:"uniqueIndex;not null" json:"name"`
	Description      string            `json:"description,omitempty"`
	WorkflowLocation string            `gorm:"not null" json:"workflow_location"`
	Config           datatypes.JSONMap `gorm:"type:json" json:"config,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// TemplateReport marks a report to be generated for every run of a
// template once it finishes.
type TemplateReport struct {
	TemplateID uuid.UUID `gorm:"type:uuid;primaryKey"`
	ReportID   uuid.UUID `gorm:"type:uuid;primaryKey"`
}

// ReportMap tracks generation of one report for one owner.
type ReportMap struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerKind OwnerKind         `gorm:"type:text;not null;uniqueIndex:idx_report_owner" json:"owner_kind"`
	OwnerID   uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex:idx_report_owner" json:"owner_id"`
	ReportID  uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex:idx_report_owner" json:"report_id"`
	Status    status.ReportMap  `gorm:"type:text;index;not null" json:"status"`
	JobID     string            `json:"job_id,omitempty"`
	Results   datatypes.JSONMap `gorm:"type:json" json:"results,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	// FinishedAt is set once Status is terminal.
	FinishedAt *time.Time `gorm:"index" json:"finished_at,omitempty"`
}

// Owner returns the entity the report is generated for.
func (m *ReportMap) Owner() (Owner, error) {
	return ownerFrom(m.OwnerKind, m.OwnerID)
}

// Software is a repository that can be built into a container image.
type Software struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name          string    `gorm:"uniqueIndex;not null" json:"name"`
	RepositoryURL string    `gorm:"not null" json:"repository_url"`
	CreatedAt     time.Time `json:"created_at"`
}

// SoftwareVersion is one commit of a software repository.
type SoftwareVersion struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SoftwareID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_software_commit" json:"software_id"`
	Commit     string    `gorm:"column:commit_hash;not null;uniqueIndex:idx_software_commit" json:"commit"`
	CreatedAt  time.Time `json:"created_at"`
}

// SoftwareBuild is an image build of a software version.
type SoftwareBuild struct {
	ID                uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	SoftwareVersionID uuid.UUID    `gorm:"type:uuid;index;not null" json:"software_version_id"`
	Status            status.Build `gorm:"type:text;index;not null" json:"status"`
	JobID             string       `json:"job_id,omitempty"`
	ImageURL          string       `json:"image_url,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	FinishedAt        *time.Time   `gorm:"index" json:"finished_at,omitempty"`
}
