package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"pulsenet-engine/internal/models"

	"go.uber.org/zap"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// EpisodeRepository 情节仓库
type EpisodeRepository interface {
	CreateEpisode(ep *models.Episode) error
	UpdateEpisode(ep *models.Episode) error
	GetEpisode(episodeID string) (*models.Episode, error)
	ListEpisodesByUser(userID string, limit int, stage models.EpisodeStage) ([]*models.Episode, error)
}

// PostgresEpisodeRepository 基于 PostgreSQL 的情节仓库
type PostgresEpisodeRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresEpisodeRepository 创建情节仓库
func NewPostgresEpisodeRepository(db *sql.DB, logger *zap.Logger) *PostgresEpisodeRepository {
	return &PostgresEpisodeRepository{
		db:     db,
		logger: logger,
	}
}

// CreateEpisode 写入新情节
func (r *PostgresEpisodeRepository) CreateEpisode(ep *models.Episode) error {
	triggerJSON, err := json.Marshal(ep.TriggerSample)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger sample: %w", err)
	}

	query := `
		INSERT INTO episodes (
			episode_id,
			device_id,
			user_id,
			zone_id,
			stage,
			opened_at,
			last_transition_at,
			trigger_sample,
			resolution
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL)
	`

	_, err = r.db.Exec(query,
		ep.EpisodeID,
		ep.DeviceID,
		ep.UserID,
		ep.ZoneID,
		string(ep.Stage),
		ep.OpenedAt,
		ep.LastTransitionAt,
		triggerJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert episode: %w", err)
	}
	return nil
}

// UpdateEpisode 更新情节阶段与结束信息
func (r *PostgresEpisodeRepository) UpdateEpisode(ep *models.Episode) error {
	var resolutionJSON []byte
	if ep.Resolution != nil {
		data, err := json.Marshal(ep.Resolution)
		if err != nil {
			return fmt.Errorf("failed to marshal resolution: %w", err)
		}
		resolutionJSON = data
	}

	query := `
		UPDATE episodes
		SET stage = $2,
		    last_transition_at = $3,
		    resolution = $4
		WHERE episode_id = $1
	`

	result, err := r.db.Exec(query,
		ep.EpisodeID,
		string(ep.Stage),
		ep.LastTransitionAt,
		resolutionJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to update episode: %w", err)
	}

	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetEpisode 根据 episode_id 获取情节
func (r *PostgresEpisodeRepository) GetEpisode(episodeID string) (*models.Episode, error) {
	query := `
		SELECT
			episode_id,
			device_id,
			user_id,
			zone_id,
			stage,
			opened_at,
			last_transition_at,
			trigger_sample,
			resolution
		FROM episodes
		WHERE episode_id = $1
	`

	row := r.db.QueryRow(query, episodeID)
	ep, err := scanEpisode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get episode: %w", err)
	}
	return ep, nil
}

// ListEpisodesByUser 查询用户情节历史（倒序，可按阶段过滤）
func (r *PostgresEpisodeRepository) ListEpisodesByUser(userID string, limit int, stage models.EpisodeStage) ([]*models.Episode, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	query := `
		SELECT
			episode_id,
			device_id,
			user_id,
			zone_id,
			stage,
			opened_at,
			last_transition_at,
			trigger_sample,
			resolution
		FROM episodes
		WHERE user_id = $1
	`
	args := []interface{}{userID}
	if stage != "" {
		query += ` AND stage = $2`
		args = append(args, string(stage))
	}
	query += fmt.Sprintf(` ORDER BY opened_at DESC LIMIT %d`, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list episodes: %w", err)
	}
	defer rows.Close()

	var episodes []*models.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan episode: %w", err)
		}
		episodes = append(episodes, ep)
	}
	return episodes, rows.Err()
}

// rowScanner 兼容 *sql.Row 和 *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanEpisode 扫描一行情节记录
func scanEpisode(row rowScanner) (*models.Episode, error) {
	var ep models.Episode
	var stage string
	var triggerJSON []byte
	var resolutionJSON []byte

	err := row.Scan(
		&ep.EpisodeID,
		&ep.DeviceID,
		&ep.UserID,
		&ep.ZoneID,
		&stage,
		&ep.OpenedAt,
		&ep.LastTransitionAt,
		&triggerJSON,
		&resolutionJSON,
	)
	if err != nil {
		return nil, err
	}

	ep.Stage = models.EpisodeStage(stage)
	if len(triggerJSON) > 0 {
		if err := json.Unmarshal(triggerJSON, &ep.TriggerSample); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger sample: %w", err)
		}
	}
	if len(resolutionJSON) > 0 {
		var resolution models.Resolution
		if err := json.Unmarshal(resolutionJSON, &resolution); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resolution: %w", err)
		}
		ep.Resolution = &resolution
	}
	return &ep, nil
}
