// Package preferences provides the PreferenceProvider implementations: an
// in-memory map, a YAML file and a ristretto read-through cache. The
// Postgres-backed store lives in internal/db.
package preferences

import (
	"context"

	"chimenotify/internal/notifications/core"
	"chimenotify/internal/types"
)

var (
	_ core.PreferenceProvider = (*StaticProvider)(nil)
	_ core.SubscriptionLister = (*StaticProvider)(nil)
)

// StaticProvider serves a fixed set of preferences. It is read-only after
// construction and safe for concurrent use.
type StaticProvider struct {
	byProject map[string][]types.NotificationPreference
}

// NewStaticProvider indexes prefs by ProjectID. Several entries for the same
// project become several subscribers, in the given order.
func NewStaticProvider(prefs ...types.NotificationPreference) *StaticProvider {
	p := &StaticProvider{byProject: make(map[string][]types.NotificationPreference)}
	for _, pref := range prefs {
		p.byProject[pref.ProjectID] = append(p.byProject[pref.ProjectID], pref)
	}
	return p
}

// GetPreferences returns the first subscriber of projectID.
func (p *StaticProvider) GetPreferences(_ context.Context, projectID string) (*types.NotificationPreference, bool, error) {
	subs := p.byProject[projectID]
	if len(subs) == 0 {
		return nil, false, nil
	}
	pref := subs[0]
	return &pref, true, nil
}

// ListPreferences returns a copy of every subscriber of projectID.
func (p *StaticProvider) ListPreferences(_ context.Context, projectID string) ([]types.NotificationPreference, error) {
	subs := p.byProject[projectID]
	if len(subs) == 0 {
		return nil, nil
	}
	return append([]types.NotificationPreference(nil), subs...), nil
}

// Projects returns the number of configured projects.
func (p *StaticProvider) Projects() int {
	return len(p.byProject)
}
