package repository

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pulsenet-engine/internal/models"
)

func setupMockEpisodeDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresEpisodeRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewPostgresEpisodeRepository(db, logger)

	return db, mock, repo
}

func sampleEpisode() *models.Episode {
	now := time.Now()
	return &models.Episode{
		EpisodeID:        uuid.New().String(),
		DeviceID:         "device-1",
		UserID:           "user-1",
		ZoneID:           "zone-a",
		Stage:            models.StageDetected,
		OpenedAt:         now,
		LastTransitionAt: now,
		TriggerSample: models.VitalsSample{
			DeviceID:   "device-1",
			UserID:     "user-1",
			MetricKind: models.MetricHeartRate,
			Value:      130,
			Timestamp:  now,
		},
	}
}

func TestCreateEpisode_Success(t *testing.T) {
	db, mock, repo := setupMockEpisodeDB(t)
	defer db.Close()

	ep := sampleEpisode()

	mock.ExpectExec(`INSERT INTO episodes`).
		WithArgs(
			ep.EpisodeID, ep.DeviceID, ep.UserID, ep.ZoneID,
			string(ep.Stage), ep.OpenedAt, ep.LastTransitionAt,
			sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.CreateEpisode(ep)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateEpisode_Success(t *testing.T) {
	db, mock, repo := setupMockEpisodeDB(t)
	defer db.Close()

	ep := sampleEpisode()
	ep.Stage = models.StageResolved
	value := 82.0
	ep.Resolution = &models.Resolution{
		Type:            models.ResolutionCheckIn,
		FinalValue:      &value,
		DurationSeconds: 300,
		ResolvedAt:      time.Now(),
	}

	mock.ExpectExec(`UPDATE episodes`).
		WithArgs(ep.EpisodeID, string(ep.Stage), ep.LastTransitionAt, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateEpisode(ep)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateEpisode_NotFound(t *testing.T) {
	db, mock, repo := setupMockEpisodeDB(t)
	defer db.Close()

	ep := sampleEpisode()

	mock.ExpectExec(`UPDATE episodes`).
		WithArgs(ep.EpisodeID, string(ep.Stage), ep.LastTransitionAt, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateEpisode(ep)

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetEpisode_Success(t *testing.T) {
	db, mock, repo := setupMockEpisodeDB(t)
	defer db.Close()

	ep := sampleEpisode()
	triggerJSON, err := json.Marshal(ep.TriggerSample)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{
		"episode_id", "device_id", "user_id", "zone_id", "stage",
		"opened_at", "last_transition_at", "trigger_sample", "resolution",
	}).AddRow(
		ep.EpisodeID, ep.DeviceID, ep.UserID, ep.ZoneID, string(ep.Stage),
		ep.OpenedAt, ep.LastTransitionAt, triggerJSON, nil,
	)

	mock.ExpectQuery(`SELECT`).
		WithArgs(ep.EpisodeID).
		WillReturnRows(rows)

	got, err := repo.GetEpisode(ep.EpisodeID)

	require.NoError(t, err)
	assert.Equal(t, ep.EpisodeID, got.EpisodeID)
	assert.Equal(t, models.StageDetected, got.Stage)
	assert.Equal(t, 130.0, got.TriggerSample.Value)
	assert.Nil(t, got.Resolution)
}

func TestGetEpisode_NotFound(t *testing.T) {
	db, mock, repo := setupMockEpisodeDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).
		WithArgs("no-such-episode").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetEpisode("no-such-episode")

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListEpisodesByUser_StageFilter(t *testing.T) {
	db, mock, repo := setupMockEpisodeDB(t)
	defer db.Close()

	ep := sampleEpisode()
	ep.Stage = models.StageEscalated
	triggerJSON, err := json.Marshal(ep.TriggerSample)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{
		"episode_id", "device_id", "user_id", "zone_id", "stage",
		"opened_at", "last_transition_at", "trigger_sample", "resolution",
	}).AddRow(
		ep.EpisodeID, ep.DeviceID, ep.UserID, ep.ZoneID, string(ep.Stage),
		ep.OpenedAt, ep.LastTransitionAt, triggerJSON, nil,
	)

	mock.ExpectQuery(`SELECT`).
		WithArgs("user-1", string(models.StageEscalated)).
		WillReturnRows(rows)

	episodes, err := repo.ListEpisodesByUser("user-1", 10, models.StageEscalated)

	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.Equal(t, models.StageEscalated, episodes[0].Stage)
}

// ============================================
// 内存仓库
// ============================================

func TestMemoryEpisodeRepository_CRUD(t *testing.T) {
	repo := NewMemoryEpisodeRepository()
	ep := sampleEpisode()

	require.NoError(t, repo.CreateEpisode(ep))

	got, err := repo.GetEpisode(ep.EpisodeID)
	require.NoError(t, err)
	assert.Equal(t, ep.EpisodeID, got.EpisodeID)

	// 返回的是快照，调用方修改不回写
	got.Stage = models.StageEscalated
	fresh, err := repo.GetEpisode(ep.EpisodeID)
	require.NoError(t, err)
	assert.Equal(t, models.StageDetected, fresh.Stage)

	ep.Stage = models.StageResolved
	require.NoError(t, repo.UpdateEpisode(ep))
	updated, err := repo.GetEpisode(ep.EpisodeID)
	require.NoError(t, err)
	assert.Equal(t, models.StageResolved, updated.Stage)

	_, err = repo.GetEpisode("no-such-episode")
	assert.ErrorIs(t, err, ErrNotFound)

	unknown := sampleEpisode()
	assert.ErrorIs(t, repo.UpdateEpisode(unknown), ErrNotFound)
}

func TestMemoryEpisodeRepository_ListNewestFirst(t *testing.T) {
	repo := NewMemoryEpisodeRepository()
	base := time.Now()

	for i := 0; i < 5; i++ {
		ep := sampleEpisode()
		ep.OpenedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.CreateEpisode(ep))
	}

	episodes, err := repo.ListEpisodesByUser("user-1", 3, "")
	require.NoError(t, err)
	require.Len(t, episodes, 3)
	assert.True(t, episodes[0].OpenedAt.After(episodes[1].OpenedAt))
	assert.True(t, episodes[1].OpenedAt.After(episodes[2].OpenedAt))

	// 阶段过滤
	filtered, err := repo.ListEpisodesByUser("user-1", 10, models.StageResolved)
	require.NoError(t, err)
	assert.Empty(t, filtered)
}
