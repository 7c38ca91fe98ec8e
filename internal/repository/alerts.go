package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pulsenet-engine/internal/models"

	"go.uber.org/zap"
)

// AlertRepository 报警仓库
type AlertRepository interface {
	CreateAlert(alert *models.Alert) error
	ListAlerts() ([]*models.Alert, error)
	ListActiveAlerts() ([]*models.Alert, error)
	// ResolveAlert 处置报警（置为非活跃），返回处置后的报警
	ResolveAlert(alertID, acknowledgedBy string) (*models.Alert, error)
}

// PostgresAlertRepository 基于 PostgreSQL 的报警仓库
type PostgresAlertRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresAlertRepository 创建报警仓库
func NewPostgresAlertRepository(db *sql.DB, logger *zap.Logger) *PostgresAlertRepository {
	return &PostgresAlertRepository{
		db:     db,
		logger: logger,
	}
}

// CreateAlert 写入报警
func (r *PostgresAlertRepository) CreateAlert(alert *models.Alert) error {
	recipientsJSON, err := json.Marshal(alert.RecipientIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal recipients: %w", err)
	}
	statusJSON, err := json.Marshal(alert.DeliveryStatus)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery status: %w", err)
	}

	query := `
		INSERT INTO alerts (
			alert_id,
			episode_id,
			severity,
			recipient_ids,
			created_at,
			delivery_status,
			is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.Exec(query,
		alert.AlertID,
		alert.EpisodeID,
		string(alert.Severity),
		recipientsJSON,
		alert.CreatedAt,
		statusJSON,
		alert.IsActive,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// ListAlerts 查询全部报警（倒序）
func (r *PostgresAlertRepository) ListAlerts() ([]*models.Alert, error) {
	return r.list(false)
}

// ListActiveAlerts 查询活跃报警（倒序）
func (r *PostgresAlertRepository) ListActiveAlerts() ([]*models.Alert, error) {
	return r.list(true)
}

func (r *PostgresAlertRepository) list(activeOnly bool) ([]*models.Alert, error) {
	query := `
		SELECT
			alert_id,
			episode_id,
			severity,
			recipient_ids,
			created_at,
			delivery_status,
			is_active,
			acknowledged_by,
			acknowledged_at
		FROM alerts
	`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		var alert models.Alert
		var severity string
		var recipientsJSON, statusJSON []byte
		var ackBy sql.NullString
		var ackAt sql.NullTime

		err := rows.Scan(
			&alert.AlertID,
			&alert.EpisodeID,
			&severity,
			&recipientsJSON,
			&alert.CreatedAt,
			&statusJSON,
			&alert.IsActive,
			&ackBy,
			&ackAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}

		alert.Severity = models.Severity(severity)
		if len(recipientsJSON) > 0 {
			if err := json.Unmarshal(recipientsJSON, &alert.RecipientIDs); err != nil {
				return nil, fmt.Errorf("failed to unmarshal recipients: %w", err)
			}
		}
		if len(statusJSON) > 0 {
			if err := json.Unmarshal(statusJSON, &alert.DeliveryStatus); err != nil {
				return nil, fmt.Errorf("failed to unmarshal delivery status: %w", err)
			}
		}
		if ackBy.Valid {
			alert.AcknowledgedBy = &ackBy.String
		}
		if ackAt.Valid {
			alert.AcknowledgedAt = &ackAt.Time
		}
		alerts = append(alerts, &alert)
	}
	return alerts, rows.Err()
}

// ResolveAlert 处置报警
func (r *PostgresAlertRepository) ResolveAlert(alertID, acknowledgedBy string) (*models.Alert, error) {
	query := `
		UPDATE alerts
		SET is_active = FALSE,
		    acknowledged_by = $2,
		    acknowledged_at = $3
		WHERE alert_id = $1
		RETURNING episode_id, severity, created_at
	`
	now := time.Now()
	var episodeID, severity string
	var createdAt time.Time
	err := r.db.QueryRow(query, alertID, acknowledgedBy, now).Scan(&episodeID, &severity, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve alert: %w", err)
	}

	return &models.Alert{
		AlertID:        alertID,
		EpisodeID:      episodeID,
		Severity:       models.Severity(severity),
		CreatedAt:      createdAt,
		IsActive:       false,
		AcknowledgedBy: &acknowledgedBy,
		AcknowledgedAt: &now,
	}, nil
}

// MemoryAlertRepository 内存报警仓库（单机部署与测试用）
type MemoryAlertRepository struct {
	mu     sync.RWMutex
	alerts map[string]*models.Alert
}

// NewMemoryAlertRepository 创建内存报警仓库
func NewMemoryAlertRepository() *MemoryAlertRepository {
	return &MemoryAlertRepository{
		alerts: make(map[string]*models.Alert),
	}
}

// CreateAlert 写入报警
func (r *MemoryAlertRepository) CreateAlert(alert *models.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := *alert
	r.alerts[alert.AlertID] = &snapshot
	return nil
}

// ListAlerts 查询全部报警（倒序）
func (r *MemoryAlertRepository) ListAlerts() ([]*models.Alert, error) {
	return r.list(false), nil
}

// ListActiveAlerts 查询活跃报警（倒序）
func (r *MemoryAlertRepository) ListActiveAlerts() ([]*models.Alert, error) {
	return r.list(true), nil
}

func (r *MemoryAlertRepository) list(activeOnly bool) []*models.Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var alerts []*models.Alert
	for _, alert := range r.alerts {
		if activeOnly && !alert.IsActive {
			continue
		}
		snapshot := *alert
		alerts = append(alerts, &snapshot)
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
	})
	return alerts
}

// ResolveAlert 处置报警
func (r *MemoryAlertRepository) ResolveAlert(alertID, acknowledgedBy string) (*models.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	alert, ok := r.alerts[alertID]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now()
	alert.IsActive = false
	alert.AcknowledgedBy = &acknowledgedBy
	alert.AcknowledgedAt = &now

	snapshot := *alert
	return &snapshot, nil
}
