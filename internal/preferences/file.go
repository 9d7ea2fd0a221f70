package preferences

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"chimenotify/internal/types"
)

// DefaultStatusFilter applies when neither a subscriber nor the defaults
// block lists statuses.
var DefaultStatusFilter = []types.BuildStatus{
	types.BuildFailure,
	types.BuildError,
	types.BuildFixed,
}

// StructValidator validates decoded preferences. *core.Validator satisfies it.
type StructValidator interface {
	ValidateStruct(s any) error
}

// FileProvider serves preferences loaded once from a YAML file:
//
//	defaults:
//	  status_filter: [FAILURE, ERROR, FIXED]
//	  display:
//	    include_duration: false
//	  timeout: 5s
//	projects:
//	  demo:
//	    - webhook_url: https://hooks.chime.aws/incomingwebhooks/...
//	      status_filter: [FAILURE]
//	      display:
//	        mention_on_failure: true
//
// A subscriber's fields override the defaults block, which overrides
// types.DefaultDisplayOptions. An explicit empty status_filter notifies on
// nothing.
type FileProvider struct {
	*StaticProvider
	path string
}

type fileDoc struct {
	Defaults subscriberDoc              `yaml:"defaults"`
	Projects map[string][]subscriberDoc `yaml:"projects"`
}

type subscriberDoc struct {
	WebhookURL   string        `yaml:"webhook_url"`
	StatusFilter []string      `yaml:"status_filter"`
	Display      displayDoc    `yaml:"display"`
	Timeout      time.Duration `yaml:"timeout"`
}

// displayDoc uses pointers so unset flags inherit.
type displayDoc struct {
	IncludeBuildNumber *bool  `yaml:"include_build_number"`
	IncludeDuration    *bool  `yaml:"include_duration"`
	IncludeLink        *bool  `yaml:"include_link"`
	MentionOnFailure   *bool  `yaml:"mention_on_failure"`
	Verbose            *bool  `yaml:"verbose"`
	ContentField       string `yaml:"content_field"`
}

// NewFileProvider reads and validates path.
func NewFileProvider(path string, v StructValidator) (*FileProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("preferences: read %s: %w", path, err)
	}
	static, err := Parse(data, v)
	if err != nil {
		return nil, fmt.Errorf("preferences: %s: %w", path, err)
	}
	return &FileProvider{StaticProvider: static, path: path}, nil
}

// Path returns the file the preferences were loaded from.
func (p *FileProvider) Path() string {
	return p.path
}

// Parse decodes a preferences document. Unknown keys are rejected so typos
// do not silently disable notifications.
func Parse(data []byte, v StructValidator) (*StaticProvider, error) {
	var doc fileDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}

	baseFilter := DefaultStatusFilter
	if doc.Defaults.StatusFilter != nil {
		parsed, err := types.ParseStatusFilter(doc.Defaults.StatusFilter)
		if err != nil {
			return nil, fmt.Errorf("defaults: %w", err)
		}
		baseFilter = parsed.Statuses()
	}
	if doc.Defaults.WebhookURL != "" {
		return nil, errors.New("defaults: webhook_url is per subscriber")
	}
	baseDisplay := doc.Defaults.Display.apply(types.DefaultDisplayOptions())

	var prefs []types.NotificationPreference
	for projectID, subs := range doc.Projects {
		if projectID == "" || len(projectID) > types.MaxProjectIDLength {
			return nil, fmt.Errorf("project id %q: invalid length", projectID)
		}
		for i, sub := range subs {
			pref := types.NotificationPreference{
				ProjectID:    projectID,
				WebhookURL:   sub.WebhookURL,
				StatusFilter: types.NewStatusFilter(baseFilter...),
				Display:      sub.Display.apply(baseDisplay),
				Timeout:      doc.Defaults.Timeout,
			}
			if sub.StatusFilter != nil {
				parsed, err := types.ParseStatusFilter(sub.StatusFilter)
				if err != nil {
					return nil, fmt.Errorf("project %s[%d]: %w", projectID, i, err)
				}
				pref.StatusFilter = parsed
			}
			if sub.Timeout > 0 {
				pref.Timeout = sub.Timeout
			}
			if v != nil {
				if err := v.ValidateStruct(pref); err != nil {
					return nil, fmt.Errorf("project %s[%d]: %w", projectID, i, err)
				}
			}
			prefs = append(prefs, pref)
		}
	}

	return NewStaticProvider(prefs...), nil
}

func (d displayDoc) apply(base types.DisplayOptions) types.DisplayOptions {
	set := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	set(&base.IncludeBuildNumber, d.IncludeBuildNumber)
	set(&base.IncludeDuration, d.IncludeDuration)
	set(&base.IncludeLink, d.IncludeLink)
	set(&base.MentionOnFailure, d.MentionOnFailure)
	set(&base.Verbose, d.Verbose)
	if d.ContentField != "" {
		base.ContentField = d.ContentField
	}
	return base
}
