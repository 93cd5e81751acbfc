package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"strokeguard/internal/models"

	"go.uber.org/zap"
)

// DefaultHistoryLimit 历史会话默认读取条数
const DefaultHistoryLimit = 30

// Session monitoring_sessions 行
type Session struct {
	ID           string
	PatientID    string
	FinalScore   *int
	AvgPulseRate *int
	AvgPRV       *float64
	StartedAt    time.Time
}

// SessionRepository 历史监测会话仓库（只读）
type SessionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSessionRepository 创建会话仓库
func NewSessionRepository(db *sql.DB, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{
		db:     db,
		logger: logger,
	}
}

// ListRecent 按 started_at 倒序读取患者最近的会话
func (r *SessionRepository) ListRecent(ctx context.Context, patientID string, limit int) ([]Session, error) {
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	query := `
		SELECT
			id::text,
			patient_id,
			final_score,
			avg_pulse_rate,
			avg_prv,
			started_at
		FROM monitoring_sessions
		WHERE patient_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query monitoring sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s     Session
			score sql.NullInt64
			pulse sql.NullInt64
			prv   sql.NullFloat64
		)
		if err := rows.Scan(&s.ID, &s.PatientID, &score, &pulse, &prv, &s.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to scan monitoring session: %w", err)
		}
		if score.Valid {
			s.FinalScore = models.IntPtr(int(score.Int64))
		}
		if pulse.Valid {
			s.AvgPulseRate = models.IntPtr(int(pulse.Int64))
		}
		if prv.Valid {
			s.AvgPRV = models.Float64Ptr(prv.Float64)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate monitoring sessions: %w", err)
	}

	r.logger.Debug("Monitoring sessions loaded",
		zap.String("patient_id", patientID),
		zap.Int("count", len(sessions)))
	return sessions, nil
}

// ToCheckResults 会话 → CheckResult；缺失分数记为 0，日期取 started_at 在 loc 时区的日历日
func ToCheckResults(sessions []Session, loc *time.Location) []models.CheckResult {
	if loc == nil {
		loc = time.Local
	}
	out := make([]models.CheckResult, 0, len(sessions))
	for _, s := range sessions {
		cr := models.CheckResult{
			Timestamp: s.StartedAt,
			Date:      s.StartedAt.In(loc).Format(models.DateLayout),
			PRV:       s.AvgPRV,
		}
		if s.FinalScore != nil {
			cr.Score = *s.FinalScore
		}
		if s.AvgPulseRate != nil && *s.AvgPulseRate >= 0 {
			cr.PulseRate = models.UintPtr(uint(*s.AvgPulseRate))
		}
		out = append(out, cr)
	}
	return out
}
