package preferences

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"chimenotify/internal/notifications/core"
	"chimenotify/internal/types"
)

var (
	_ core.PreferenceProvider = (*CachedProvider)(nil)
	_ core.SubscriptionLister = (*CachedProvider)(nil)
)

// CachedProvider is a read-through ristretto cache in front of another
// provider. Entries hold the JSON-encoded subscriber list of a project; an
// empty list is cached too so unconfigured projects do not hit the store on
// every build.
type CachedProvider struct {
	inner  core.PreferenceProvider
	cache  *ristretto.Cache[string, []byte]
	ttl    time.Duration
	logger types.Logger
}

// NewCachedProvider wraps inner. maxCostBytes bounds the total size of
// cached entries.
func NewCachedProvider(inner core.PreferenceProvider, ttl time.Duration, maxCostBytes int64, logger types.Logger) (*CachedProvider, error) {
	if maxCostBytes <= 0 {
		maxCostBytes = 1 << 20
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / 100 * 10, // ~10x expected items
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("preferences cache: %w", err)
	}
	return &CachedProvider{
		inner:  inner,
		cache:  c,
		ttl:    ttl,
		logger: logger,
	}, nil
}

// GetPreferences returns the first cached subscriber of projectID.
func (p *CachedProvider) GetPreferences(ctx context.Context, projectID string) (*types.NotificationPreference, bool, error) {
	subs, err := p.ListPreferences(ctx, projectID)
	if err != nil {
		return nil, false, err
	}
	if len(subs) == 0 {
		return nil, false, nil
	}
	return &subs[0], true, nil
}

// ListPreferences returns every subscriber of projectID, loading from the
// inner provider on a miss. Store errors are not cached.
func (p *CachedProvider) ListPreferences(ctx context.Context, projectID string) ([]types.NotificationPreference, error) {
	key := cacheKey(projectID)

	if data, ok := p.cache.Get(key); ok {
		var subs []types.NotificationPreference
		if err := json.Unmarshal(data, &subs); err == nil {
			return subs, nil
		}
		// A corrupt entry is dropped and reloaded.
		p.cache.Del(key)
	}

	subs, err := p.load(ctx, projectID)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(subs)
	if err != nil {
		p.logger.Warn("preferences cache: encode failed", "project_id", projectID, "error", err.Error())
		return subs, nil
	}
	p.cache.SetWithTTL(key, data, int64(len(data)), p.ttl)
	return subs, nil
}

// Invalidate drops the cached entry for projectID.
func (p *CachedProvider) Invalidate(projectID string) {
	p.cache.Del(cacheKey(projectID))
}

// Wait blocks until pending cache writes are applied.
func (p *CachedProvider) Wait() {
	p.cache.Wait()
}

// Close releases the cache.
func (p *CachedProvider) Close() {
	p.cache.Close()
}

func (p *CachedProvider) load(ctx context.Context, projectID string) ([]types.NotificationPreference, error) {
	if lister, ok := p.inner.(core.SubscriptionLister); ok {
		subs, err := lister.ListPreferences(ctx, projectID)
		if err != nil {
			return nil, err
		}
		if subs == nil {
			subs = []types.NotificationPreference{}
		}
		return subs, nil
	}

	pref, ok, err := p.inner.GetPreferences(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !ok || pref == nil {
		return []types.NotificationPreference{}, nil
	}
	return []types.NotificationPreference{*pref}, nil
}

func cacheKey(projectID string) string {
	return "prefs:" + projectID
}
