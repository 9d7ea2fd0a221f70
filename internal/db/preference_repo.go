package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"chimenotify/internal/types"
)

// ErrPreferencesNotFound is returned by DeletePreference when no row matches.
var ErrPreferencesNotFound = errors.New("notification preference not found")

const preferenceColumns = `project_id, webhook_url, status_filter, display, timeout_ms`

// PreferenceRepository reads and writes the notification_preferences table.
// A project may have several enabled rows, one per subscriber webhook.
type PreferenceRepository struct {
	db DBTX
}

// NewPreferenceRepository creates a PreferenceRepository backed by db.
func NewPreferenceRepository(db DBTX) *PreferenceRepository {
	return &PreferenceRepository{db: db}
}

// GetPreferences returns the oldest enabled subscriber for the project.
// ok is false when the project has none.
func (r *PreferenceRepository) GetPreferences(ctx context.Context, projectID string) (*types.NotificationPreference, bool, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+preferenceColumns+`
		 FROM notification_preferences
		 WHERE project_id = $1 AND enabled
		 ORDER BY created_at, id
		 LIMIT 1`,
		projectID,
	)

	pref, err := scanPreference(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, types.NewAppError(types.ErrCodeInternalDB, "failed to load notification preference", err)
	}
	return pref, true, nil
}

// ListPreferences returns every enabled subscriber for the project in
// creation order. An empty slice means nothing is configured.
func (r *PreferenceRepository) ListPreferences(ctx context.Context, projectID string) ([]types.NotificationPreference, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+preferenceColumns+`
		 FROM notification_preferences
		 WHERE project_id = $1 AND enabled
		 ORDER BY created_at, id`,
		projectID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list notification preferences", err)
	}
	defer rows.Close()

	var prefs []types.NotificationPreference
	for rows.Next() {
		pref, err := scanPreference(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan notification preference", err)
		}
		prefs = append(prefs, *pref)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating notification preferences", err)
	}
	return prefs, nil
}

// UpsertPreference inserts a subscriber or replaces the settings of the
// existing (project_id, webhook_url) row and re-enables it.
func (r *PreferenceRepository) UpsertPreference(ctx context.Context, pref types.NotificationPreference) error {
	filter, err := json.Marshal(pref.StatusFilter.Statuses())
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalSerialization, "failed to encode status filter", err)
	}
	display, err := json.Marshal(pref.Display)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalSerialization, "failed to encode display options", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO notification_preferences
		 (project_id, webhook_url, status_filter, display, timeout_ms)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (project_id, webhook_url) DO UPDATE SET
		   status_filter = EXCLUDED.status_filter,
		   display = EXCLUDED.display,
		   timeout_ms = EXCLUDED.timeout_ms,
		   enabled = TRUE,
		   updated_at = NOW()`,
		pref.ProjectID,
		pref.WebhookURL,
		string(filter),
		string(display),
		pref.Timeout.Milliseconds(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save notification preference", err)
	}
	return nil
}

// DeletePreference removes one subscriber from a project.
func (r *PreferenceRepository) DeletePreference(ctx context.Context, projectID, webhookURL string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM notification_preferences WHERE project_id = $1 AND webhook_url = $2`,
		projectID, webhookURL,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete notification preference", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPreferencesNotFound
	}
	return nil
}

// Ping checks database reachability for the health endpoint.
func (r *PreferenceRepository) Ping(ctx context.Context) error {
	var one int
	if err := r.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "database unreachable", err)
	}
	return nil
}

// scanPreference reads one row in preferenceColumns order. The JSONB
// columns are read raw and decoded with the types' Scan methods so missing
// display keys fall back to their defaults.
func scanPreference(row pgx.Row) (*types.NotificationPreference, error) {
	var (
		pref      types.NotificationPreference
		filter    []byte
		display   []byte
		timeoutMS int64
	)
	if err := row.Scan(&pref.ProjectID, &pref.WebhookURL, &filter, &display, &timeoutMS); err != nil {
		return nil, err
	}
	if err := pref.StatusFilter.Scan(nullable(filter)); err != nil {
		return nil, err
	}
	if err := pref.Display.Scan(nullable(display)); err != nil {
		return nil, err
	}
	pref.Timeout = time.Duration(timeoutMS) * time.Millisecond
	return &pref, nil
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
