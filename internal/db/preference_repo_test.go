package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	notifycore "chimenotify/internal/notifications/core"
	"chimenotify/internal/types"
)

var (
	_ notifycore.PreferenceProvider = (*PreferenceRepository)(nil)
	_ notifycore.SubscriptionLister = (*PreferenceRepository)(nil)
)

const testHook = "https://hooks.chime.aws/incomingwebhooks/abc?token=secret"

func preferenceRow(projectID, url string, filter, display string, timeoutMS int64) []any {
	return []any{projectID, url, []byte(filter), []byte(display), timeoutMS}
}

func TestPreferenceRepository_GetPreferences_Found(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPreferenceRepository(db)
	ctx := context.Background()

	row := preferenceRow("demo", testHook, `["FAILURE","FIXED"]`, `{"include_link":false,"verbose":true}`, 2500)
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"demo"}).
		Return(rowOf(row...))

	pref, ok, err := repo.GetPreferences(ctx, "demo")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, pref)

	assert.Equal(t, "demo", pref.ProjectID)
	assert.Equal(t, testHook, pref.WebhookURL)
	assert.True(t, pref.Wants(types.BuildFailure))
	assert.True(t, pref.Wants(types.BuildFixed))
	assert.False(t, pref.Wants(types.BuildSuccess))
	assert.Equal(t, 2500*time.Millisecond, pref.Timeout)

	// Keys absent from the stored document keep their defaults.
	assert.True(t, pref.Display.IncludeBuildNumber)
	assert.True(t, pref.Display.IncludeDuration)
	assert.False(t, pref.Display.IncludeLink)
	assert.True(t, pref.Display.Verbose)
	db.AssertExpectations(t)
}

func TestPreferenceRepository_GetPreferences_NotConfigured(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPreferenceRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	pref, ok, err := repo.GetPreferences(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, pref)
}

func TestPreferenceRepository_GetPreferences_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPreferenceRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("connection reset")})

	_, ok, err := repo.GetPreferences(context.Background(), "demo")
	require.Error(t, err)
	assert.False(t, ok)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestPreferenceRepository_GetPreferences_NullDisplayUsesDefaults(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPreferenceRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(rowOf(preferenceRow("demo", testHook, `[]`, ``, 0)...))

	pref, ok, err := repo.GetPreferences(context.Background(), "demo")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.DefaultDisplayOptions(), pref.Display)
	assert.False(t, pref.Wants(types.BuildFailure), "empty filter notifies on nothing")
	assert.Zero(t, pref.Timeout)
}

func TestPreferenceRepository_GetPreferences_UnknownStatusInFilter(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPreferenceRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(rowOf(preferenceRow("demo", testHook, `["EXPLODED"]`, `{}`, 0)...))

	_, _, err := repo.GetPreferences(context.Background(), "demo")
	require.Error(t, err)
}

func TestPreferenceRepository_ListPreferences(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPreferenceRepository(db)
	ctx := context.Background()

	rows := newMockRows(
		preferenceRow("demo", testHook, `["FAILURE"]`, `{}`, 0),
		preferenceRow("demo", "https://hooks.slack.com/services/T/B/X", `["SUCCESS"]`, `{"content_field":"text"}`, 1000),
	)
	db.On("Query", ctx, mock.AnythingOfType("string"), []any{"demo"}).Return(rows, nil)

	prefs, err := repo.ListPreferences(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, prefs, 2)

	assert.Equal(t, testHook, prefs[0].WebhookURL)
	assert.True(t, prefs[0].Wants(types.BuildFailure))
	assert.Equal(t, "text", prefs[1].Display.ContentField)
	assert.Equal(t, time.Second, prefs[1].Timeout)
	assert.True(t, rows.closed, "rows must be closed")
}

func TestPreferenceRepository_ListPreferences_Empty(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPreferenceRepository(db)

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(newMockRows(), nil)

	prefs, err := repo.ListPreferences(context.Background(), "demo")
	require.NoError(t, err)
	assert.Empty(t, prefs)
}

func TestPreferenceRepository_ListPreferences_Errors(t *testing.T) {
	t.Run("query", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
			Return(nil, errors.New("boom"))

		_, err := NewPreferenceRepository(db).ListPreferences(context.Background(), "demo")
		require.Error(t, err)
	})

	t.Run("scan", func(t *testing.T) {
		db := new(mockDBTX)
		rows := newMockRows(preferenceRow("demo", testHook, `[]`, `{}`, 0))
		rows.scanErr = errors.New("bad row")
		db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

		_, err := NewPreferenceRepository(db).ListPreferences(context.Background(), "demo")
		require.Error(t, err)
	})

	t.Run("iteration", func(t *testing.T) {
		db := new(mockDBTX)
		rows := newMockRows()
		rows.errVal = errors.New("conn lost")
		db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

		_, err := NewPreferenceRepository(db).ListPreferences(context.Background(), "demo")
		require.Error(t, err)

		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
	})
}

func TestPreferenceRepository_UpsertPreference(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPreferenceRepository(db)
	ctx := context.Background()

	pref := types.NotificationPreference{
		ProjectID:    "demo",
		WebhookURL:   testHook,
		StatusFilter: types.NewStatusFilter(types.BuildFixed, types.BuildFailure),
		Display:      types.DefaultDisplayOptions(),
		Timeout:      3 * time.Second,
	}

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		return len(args) == 5 &&
			args[0] == "demo" &&
			args[1] == testHook &&
			args[2] == `["FAILURE","FIXED"]` &&
			args[4] == int64(3000)
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	require.NoError(t, repo.UpsertPreference(ctx, pref))
	db.AssertExpectations(t)
}

func TestPreferenceRepository_UpsertPreference_DBError(t *testing.T) {
	db := new(mockDBTX)
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("unique violation"))

	err := NewPreferenceRepository(db).UpsertPreference(context.Background(), types.NotificationPreference{
		ProjectID:  "demo",
		WebhookURL: testHook,
	})
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestPreferenceRepository_DeletePreference(t *testing.T) {
	t.Run("deleted", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{"demo", testHook}).
			Return(pgconn.NewCommandTag("DELETE 1"), nil)

		require.NoError(t, NewPreferenceRepository(db).DeletePreference(context.Background(), "demo", testHook))
	})

	t.Run("not found", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
			Return(pgconn.NewCommandTag("DELETE 0"), nil)

		err := NewPreferenceRepository(db).DeletePreference(context.Background(), "demo", testHook)
		assert.ErrorIs(t, err, ErrPreferencesNotFound)
	})
}

func TestPreferenceRepository_Ping(t *testing.T) {
	db := new(mockDBTX)
	db.On("QueryRow", mock.Anything, "SELECT 1", mock.Anything).Return(rowOf(1)).Once()
	db.On("QueryRow", mock.Anything, "SELECT 1", mock.Anything).Return(&mockRow{scanErr: errors.New("down")}).Once()

	repo := NewPreferenceRepository(db)
	require.NoError(t, repo.Ping(context.Background()))
	require.Error(t, repo.Ping(context.Background()))
}
