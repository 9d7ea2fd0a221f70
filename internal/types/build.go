package types

import (
	"fmt"
	"strings"
	"time"
)

// BuildStatus is the outcome or lifecycle state reported for a build.
type BuildStatus string

const (
	BuildSuccess BuildStatus = "SUCCESS"
	BuildFailure BuildStatus = "FAILURE"
	BuildError   BuildStatus = "ERROR"
	BuildFixed   BuildStatus = "FIXED"

	// Lifecycle states reported while a build is queued or running.
	BuildStarted        BuildStatus = "STARTED"
	BuildFailedToStart  BuildStatus = "FAILED_TO_START"
	BuildFailing        BuildStatus = "FAILING"
	BuildHanging        BuildStatus = "HANGING"
	BuildLabelingFailed BuildStatus = "LABELING_FAILED"
)

// AllBuildStatuses lists every recognized status in display order.
var AllBuildStatuses = []BuildStatus{
	BuildSuccess,
	BuildFailure,
	BuildError,
	BuildFixed,
	BuildStarted,
	BuildFailedToStart,
	BuildFailing,
	BuildHanging,
	BuildLabelingFailed,
}

// IsValid reports whether s is one of the recognized statuses.
func (s BuildStatus) IsValid() bool {
	for _, known := range AllBuildStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseBuildStatus parses a status name case-insensitively.
func ParseBuildStatus(raw string) (BuildStatus, error) {
	s := BuildStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.IsValid() {
		return "", fmt.Errorf("unknown build status %q", raw)
	}
	return s, nil
}

// Severity groups statuses for presentation.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

// Severity returns the presentation group of the status.
func (s BuildStatus) Severity() Severity {
	switch s {
	case BuildStarted:
		return SeverityInfo
	case BuildSuccess, BuildFixed:
		return SeveritySuccess
	default:
		return SeverityError
	}
}

// Text returns the lower-case phrase used in human readable messages.
func (s BuildStatus) Text() string {
	switch s {
	case BuildSuccess:
		return "successful"
	case BuildFailure:
		return "failed"
	case BuildError:
		return "errored"
	case BuildFixed:
		return "fixed"
	case BuildStarted:
		return "started"
	case BuildFailedToStart:
		return "failed to start"
	case BuildFailing:
		return "failing"
	case BuildHanging:
		return "probably hanging"
	case BuildLabelingFailed:
		return "labelling failed"
	default:
		return strings.ToLower(string(s))
	}
}

// Change is a single VCS modification contained in a build.
type Change struct {
	Author      string `json:"author" yaml:"author"`
	Description string `json:"description" yaml:"description"`
}

// BuildEvent is emitted by the CI host when a build changes state. It is
// immutable once created and is consumed by exactly one dispatch.
type BuildEvent struct {
	ID              string      `json:"id,omitempty"`
	ProjectID       string      `json:"project_id" validate:"required"`
	ProjectName     string      `json:"project_name,omitempty"`
	BuildConfigID   string      `json:"build_config_id"`
	BuildConfigName string      `json:"build_config_name,omitempty"`
	BuildNumber     string      `json:"build_number" validate:"required"`
	Status          BuildStatus `json:"status" validate:"required,build_status"`
	StartTime       time.Time   `json:"start_time,omitempty"`
	FinishTime      time.Time   `json:"finish_time,omitempty"`
	TriggeredBy     string      `json:"triggered_by,omitempty"`
	WebURL          string      `json:"web_url,omitempty"`
	Changes         []Change    `json:"changes,omitempty"`
}

// FullName mirrors the "Project :: Configuration" naming used by CI servers.
func (e BuildEvent) FullName() string {
	project := e.ProjectName
	if project == "" {
		project = e.ProjectID
	}
	config := e.BuildConfigName
	if config == "" {
		config = e.BuildConfigID
	}
	if config == "" {
		return project
	}
	return project + " :: " + config
}

// Duration is the wall time between start and finish, or zero when either
// timestamp is missing or they are out of order.
func (e BuildEvent) Duration() time.Duration {
	if e.StartTime.IsZero() || e.FinishTime.IsZero() {
		return 0
	}
	d := e.FinishTime.Sub(e.StartTime)
	if d < 0 {
		return 0
	}
	return d
}

// Validate checks the fields the dispatcher depends on.
func (e BuildEvent) Validate() error {
	if e.ProjectID == "" {
		return NewNotifyError(KindInvalidConfig, "build event: project id is required", nil)
	}
	if e.BuildNumber == "" {
		return NewNotifyError(KindInvalidConfig, "build event: build number is required", nil)
	}
	if !e.Status.IsValid() {
		return NewNotifyError(KindInvalidConfig, fmt.Sprintf("build event: unknown status %q", e.Status), nil)
	}
	return nil
}
