package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Bounds for a per-subscriber timeout override. The validate tag on
// NotificationPreference.Timeout repeats them.
const (
	MinPreferenceTimeout = 500 * time.Millisecond
	MaxPreferenceTimeout = time.Minute
)

// StatusFilter is the set of statuses a subscriber wants to hear about.
// An empty filter matches nothing.
type StatusFilter map[BuildStatus]struct{}

// NewStatusFilter builds a filter from a list of statuses.
func NewStatusFilter(statuses ...BuildStatus) StatusFilter {
	f := make(StatusFilter, len(statuses))
	for _, s := range statuses {
		f[s] = struct{}{}
	}
	return f
}

// Contains reports whether status passes the filter.
func (f StatusFilter) Contains(status BuildStatus) bool {
	_, ok := f[status]
	return ok
}

// Statuses returns the members in a stable order.
func (f StatusFilter) Statuses() []BuildStatus {
	out := make([]BuildStatus, 0, len(f))
	for s := range f {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MarshalJSON encodes the filter as a sorted list of status names.
func (f StatusFilter) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Statuses())
}

// UnmarshalJSON accepts a list of status names in any case.
func (f *StatusFilter) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseStatusFilter(raw)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ParseStatusFilter parses status names, rejecting unknown values.
func ParseStatusFilter(raw []string) (StatusFilter, error) {
	f := make(StatusFilter, len(raw))
	for _, r := range raw {
		s, err := ParseBuildStatus(r)
		if err != nil {
			return nil, fmt.Errorf("status filter: %w", err)
		}
		f[s] = struct{}{}
	}
	return f, nil
}

// DisplayOptions toggle optional parts of the rendered message.
type DisplayOptions struct {
	IncludeBuildNumber bool `json:"include_build_number" yaml:"include_build_number"`
	IncludeDuration    bool `json:"include_duration" yaml:"include_duration"`
	IncludeLink        bool `json:"include_link" yaml:"include_link"`
	MentionOnFailure   bool `json:"mention_on_failure" yaml:"mention_on_failure"`
	// Verbose adds the trigger and change list to every message, not only
	// to informational ones.
	Verbose bool `json:"verbose" yaml:"verbose"`

	// ContentField overrides the JSON key the receiving service reads.
	ContentField string `json:"content_field,omitempty" yaml:"content_field,omitempty"`
}

// DefaultDisplayOptions is used when a subscriber has not chosen any flags.
func DefaultDisplayOptions() DisplayOptions {
	return DisplayOptions{
		IncludeBuildNumber: true,
		IncludeDuration:    true,
		IncludeLink:        true,
	}
}

// NotificationPreference is a resolved, read-only snapshot of one
// subscriber's settings for a project.
type NotificationPreference struct {
	ProjectID    string         `json:"project_id,omitempty"`
	WebhookURL   string         `json:"webhook_url" validate:"required,url,https_url"`
	StatusFilter StatusFilter   `json:"status_filter"`
	Display      DisplayOptions `json:"display"`
	// Timeout overrides the service default when non-zero. Its JSON form
	// is a duration string such as "10s".
	Timeout time.Duration `json:"timeout,omitempty" validate:"omitempty,gte=500ms,lte=1m"`
}

type preferenceAlias NotificationPreference

// MarshalJSON writes Timeout as a duration string.
func (p NotificationPreference) MarshalJSON() ([]byte, error) {
	aux := struct {
		preferenceAlias
		Timeout string `json:"timeout,omitempty"`
	}{preferenceAlias: preferenceAlias(p)}
	if p.Timeout > 0 {
		aux.Timeout = p.Timeout.String()
	}
	return json.Marshal(aux)
}

// UnmarshalJSON reads Timeout from a duration string. Bare numbers are
// rejected because their unit would be ambiguous.
func (p *NotificationPreference) UnmarshalJSON(data []byte) error {
	aux := struct {
		*preferenceAlias
		Timeout json.RawMessage `json:"timeout,omitempty"`
	}{preferenceAlias: (*preferenceAlias)(p)}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&aux); err != nil {
		return err
	}

	timeout, err := parseTimeout(aux.Timeout)
	if err != nil {
		return err
	}
	p.Timeout = timeout
	return nil
}

func parseTimeout(raw json.RawMessage) (time.Duration, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, errors.New(`timeout: must be a duration string such as "10s"`)
	}
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("timeout: %s is negative", s)
	}
	return d, nil
}

// ValidateTimeout checks a timeout override against the allowed range.
// Zero means "use the service default" and is always accepted.
func ValidateTimeout(d time.Duration) error {
	if d == 0 {
		return nil
	}
	if d < MinPreferenceTimeout || d > MaxPreferenceTimeout {
		return NewNotifyError(KindInvalidConfig,
			fmt.Sprintf("timeout %s outside [%s, %s]", d, MinPreferenceTimeout, MaxPreferenceTimeout), nil)
	}
	return nil
}

// Wants reports whether the subscriber asked to be notified about status.
func (p NotificationPreference) Wants(status BuildStatus) bool {
	return p.StatusFilter.Contains(status)
}
