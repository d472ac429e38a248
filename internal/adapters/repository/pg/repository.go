// Package pg persists metric points in PostgreSQL through gorm.
package pg

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"nmtboard.tail/internal/core/domain"
)

const (
	SinkName  = "postgres"
	batchSize = 500
)

// MetricPoint is one row of metric_points; (run_tag, metric, step) is unique.
type MetricPoint struct {
	RunTag    string    `gorm:"primaryKey;size:512"`
	Metric    string    `gorm:"primaryKey;size:255"`
	Step      int64     `gorm:"primaryKey;autoIncrement:false"`
	Value     float64   `gorm:"not null"`
	Epoch     string    `gorm:"size:32"`
	WallTime  time.Time `gorm:"index"`
	RunID     string    `gorm:"size:36"`
	UpdatedAt time.Time
}

// RunConfig is one "[config]" entry of a run.
type RunConfig struct {
	RunTag    string `gorm:"primaryKey;size:512"`
	Name      string `gorm:"primaryKey;size:255"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

type Repository struct {
	db    *gorm.DB
	runID string
}

func NewRepository(dsn, runID string) (*Repository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return NewWithDB(db, runID)
}

// NewWithDB migrates the schema on an existing connection.
func NewWithDB(db *gorm.DB, runID string) (*Repository, error) {
	if err := db.AutoMigrate(&MetricPoint{}, &RunConfig{}); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return &Repository{db: db, runID: runID}, nil
}

func (r *Repository) Name() string { return SinkName }

func (r *Repository) Push(ctx context.Context, runTag string, points []domain.Point) error {
	rows := toRows(runTag, r.runID, points)
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_tag"}, {Name: "metric"}, {Name: "step"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "epoch", "wall_time", "run_id", "updated_at"}),
		}).
		CreateInBatches(rows, batchSize).Error
}

func (r *Repository) PushConfig(ctx context.Context, runTag string, entries []domain.ConfigEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]RunConfig, 0, len(entries))
	seen := make(map[string]int, len(entries))
	for _, e := range entries {
		// Postgres rejects an upsert touching the same row twice.
		if i, ok := seen[e.Name]; ok {
			rows[i].Value = e.Value
			continue
		}
		seen[e.Name] = len(rows)
		rows = append(rows, RunConfig{RunTag: runTag, Name: e.Name, Value: e.Value})
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_tag"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&rows).Error
}

func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func (r *Repository) Close(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// toRows converts a delta, keeping the last point when a (metric, step)
// appears more than once.
func toRows(runTag, runID string, points []domain.Point) []MetricPoint {
	rows := make([]MetricPoint, 0, len(points))
	index := make(map[domain.PointKey]int, len(points))
	for _, p := range points {
		row := MetricPoint{
			RunTag:   runTag,
			Metric:   p.Metric,
			Step:     p.Step,
			Value:    p.Value,
			Epoch:    p.Epoch,
			WallTime: p.WallTime,
			RunID:    runID,
		}
		if i, ok := index[p.Key()]; ok {
			rows[i] = row
			continue
		}
		index[p.Key()] = len(rows)
		rows = append(rows, row)
	}
	return rows
}
