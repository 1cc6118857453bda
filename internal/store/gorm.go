package store

import (
	"context"
	"controlplane/internal/apperrors"
	"controlplane/internal/job"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type jobRecord struct {
	ID           string `gorm:"primaryKey;size:64"`
	Kind         string `gorm:"size:16;not null"`
	ConnectionID string `gorm:"size:128;not null;index"`
	WorkspaceID  string `gorm:"size:128;not null"`
	// OpenKey is the natural key while the job is open and NULL afterwards,
	// so the unique index admits one open job per key.
	OpenKey    *string         `gorm:"size:300;uniqueIndex"`
	Tenant     job.Tenant      `gorm:"serializer:json"`
	Input      job.LaunchInput `gorm:"serializer:json"`
	Callback   *job.Callback   `gorm:"serializer:json"`
	CreatedAt  time.Time       `gorm:"not null;index"`
	Status     string          `gorm:"size:16"`
	FinishedAt *time.Time
	Retries    int
	Failure    *job.Failure `gorm:"serializer:json"`
}

func (jobRecord) TableName() string { return "jobs" }

type attemptRecord struct {
	JobID       string `gorm:"primaryKey;size:64"`
	Number      int    `gorm:"primaryKey;autoIncrement:false"`
	Status      string `gorm:"size:16;not null;index"`
	WorkloadID  string `gorm:"size:256;not null"`
	WorkloadRef string `gorm:"size:256"`
	ScheduledAt time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time
	OutputRef   string
	Failure     *job.Failure `gorm:"serializer:json"`
	Result      []byte
}

func (attemptRecord) TableName() string { return "attempts" }

type schemaRecord struct {
	ConnectionID string `gorm:"primaryKey;size:128"`
	Catalog      []byte `gorm:"not null"`
	UpdatedAt    time.Time
}

func (schemaRecord) TableName() string { return "connection_schemas" }

// Gorm is a Store backed by a SQL database through gorm.
type Gorm struct {
	db *gorm.DB
}

// Open connects to the database named by dsn and migrates the schema.
// DSNs starting with postgres:// or postgresql:// select PostgreSQL;
// anything else is treated as a SQLite path (":memory:" included).
func Open(dsn string) (*Gorm, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialector = postgres.Open(dsn)
	default:
		dialector = sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if dialector.Name() == "sqlite" {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return NewGorm(db)
}

// NewGorm wraps an existing connection and migrates the schema.
func NewGorm(db *gorm.DB) (*Gorm, error) {
	if err := db.AutoMigrate(&jobRecord{}, &attemptRecord{}, &schemaRecord{}); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &Gorm{db: db}, nil
}

func (g *Gorm) CreateJob(ctx context.Context, j *job.Job, first *job.Attempt) (*job.Job, bool, error) {
	rec := toJobRecord(j)
	key := openKey(j.Key())
	rec.OpenKey = &key

	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			return err
		}
		return tx.Create(toAttemptRecord(first)).Error
	})
	if err == nil {
		return fromJobRecord(rec), true, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, false, apperrors.Internal("store.createJob", err)
	}

	var existing jobRecord
	if err := g.db.WithContext(ctx).Where("open_key = ?", key).First(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Duplicate on the primary key rather than the natural key.
			return nil, false, apperrors.Conflict("job", string(j.ID), "job already exists")
		}
		return nil, false, apperrors.Internal("store.createJob", err)
	}
	return fromJobRecord(&existing), false, nil
}

func (g *Gorm) GetJob(ctx context.Context, id job.ID) (*job.Job, error) {
	var rec jobRecord
	if err := g.db.WithContext(ctx).First(&rec, "id = ?", string(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("job", string(id))
		}
		return nil, apperrors.Internal("store.getJob", err)
	}
	return fromJobRecord(&rec), nil
}

func (g *Gorm) ListJobs(ctx context.Context, opts ListOptions) ([]*job.Job, error) {
	q := g.db.WithContext(ctx).Order("created_at ASC").Order("id ASC")
	if opts.OpenOnly {
		q = q.Where("open_key IS NOT NULL")
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	var recs []jobRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, apperrors.Internal("store.listJobs", err)
	}
	out := make([]*job.Job, len(recs))
	for i := range recs {
		out[i] = fromJobRecord(&recs[i])
	}
	return out, nil
}

func (g *Gorm) FinalizeJob(ctx context.Context, id job.ID, s Summary) error {
	res := g.db.WithContext(ctx).Model(&jobRecord{}).
		Where("id = ? AND open_key IS NOT NULL", string(id)).
		Updates(map[string]any{
			"open_key":    nil,
			"status":      string(s.Status),
			"finished_at": s.FinishedAt,
			"retries":     s.Retries,
			"failure":     failureColumn(s.Failure),
		})
	if res.Error != nil {
		return apperrors.Internal("store.finalizeJob", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	j, err := g.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return apperrors.AlreadyTerminal("job", string(id), string(j.Status))
}

func (g *Gorm) CreateAttempt(ctx context.Context, a *job.Attempt) error {
	if _, err := g.GetJob(ctx, a.JobID); err != nil {
		return err
	}
	if err := g.db.WithContext(ctx).Create(toAttemptRecord(a)).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperrors.Conflict("attempt", a.Key(), "attempt already exists")
		}
		return apperrors.Internal("store.createAttempt", err)
	}
	return nil
}

func (g *Gorm) GetAttempt(ctx context.Context, id job.ID, number int) (*job.Attempt, error) {
	var rec attemptRecord
	err := g.db.WithContext(ctx).First(&rec, "job_id = ? AND number = ?", string(id), number).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("attempt", attemptID(id, number))
		}
		return nil, apperrors.Internal("store.getAttempt", err)
	}
	return fromAttemptRecord(&rec), nil
}

func (g *Gorm) LatestAttempt(ctx context.Context, id job.ID) (*job.Attempt, error) {
	var rec attemptRecord
	err := g.db.WithContext(ctx).Where("job_id = ?", string(id)).Order("number DESC").First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("job", string(id))
		}
		return nil, apperrors.Internal("store.latestAttempt", err)
	}
	return fromAttemptRecord(&rec), nil
}

func (g *Gorm) ListAttempts(ctx context.Context, id job.ID) ([]*job.Attempt, error) {
	if _, err := g.GetJob(ctx, id); err != nil {
		return nil, err
	}
	var recs []attemptRecord
	if err := g.db.WithContext(ctx).Where("job_id = ?", string(id)).Order("number ASC").Find(&recs).Error; err != nil {
		return nil, apperrors.Internal("store.listAttempts", err)
	}
	out := make([]*job.Attempt, len(recs))
	for i := range recs {
		out[i] = fromAttemptRecord(&recs[i])
	}
	return out, nil
}

func (g *Gorm) TransitionAttempt(ctx context.Context, id job.ID, number int, expected job.AttemptStatus, u Update) (*job.Attempt, error) {
	values := map[string]any{"status": string(u.Status)}
	if u.WorkloadRef != "" {
		values["workload_ref"] = string(u.WorkloadRef)
	}
	if u.StartedAt != nil {
		values["started_at"] = *u.StartedAt
	}
	if u.EndedAt != nil {
		values["ended_at"] = *u.EndedAt
	}
	if u.OutputRef != "" {
		values["output_ref"] = u.OutputRef
	}
	if u.Failure != nil {
		values["failure"] = failureColumn(u.Failure)
	}
	if len(u.Result) > 0 {
		values["result"] = []byte(u.Result)
	}

	res := g.db.WithContext(ctx).Model(&attemptRecord{}).
		Where("job_id = ? AND number = ? AND status = ?", string(id), number, string(expected)).
		Updates(values)
	if res.Error != nil {
		return nil, apperrors.Internal("store.transitionAttempt", res.Error)
	}

	current, err := g.GetAttempt(ctx, id, number)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, apperrors.Stale("attempt", current.Key(), string(expected), string(current.Status))
	}
	return current, nil
}

func (g *Gorm) SaveSchema(ctx context.Context, conn job.ConnectionID, catalog []byte) error {
	rec := schemaRecord{ConnectionID: string(conn), Catalog: catalog, UpdatedAt: time.Now().UTC()}
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "connection_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"catalog", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return apperrors.Internal("store.saveSchema", err)
	}
	return nil
}

func (g *Gorm) LatestSchema(ctx context.Context, conn job.ConnectionID) ([]byte, error) {
	var rec schemaRecord
	if err := g.db.WithContext(ctx).First(&rec, "connection_id = ?", string(conn)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, apperrors.Internal("store.latestSchema", err)
	}
	return rec.Catalog, nil
}

func (g *Gorm) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return apperrors.Unavailable("store.ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return apperrors.Unavailable("store.ping", err)
	}
	return nil
}

func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// failureColumn encodes a failure for map-based updates, which bypass the
// struct serializer.
func failureColumn(f *job.Failure) any {
	if f == nil {
		return nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil
	}
	return string(data)
}

func toJobRecord(j *job.Job) *jobRecord {
	return &jobRecord{
		ID:           string(j.ID),
		Kind:         string(j.Kind),
		ConnectionID: string(j.ConnectionID),
		WorkspaceID:  string(j.WorkspaceID),
		Tenant:       j.Tenant,
		Input:        j.Input,
		Callback:     j.Callback,
		CreatedAt:    j.CreatedAt,
		Status:       string(j.Status),
		FinishedAt:   j.FinishedAt,
		Retries:      j.Retries,
		Failure:      j.Failure,
	}
}

func fromJobRecord(r *jobRecord) *job.Job {
	return &job.Job{
		ID:           job.ID(r.ID),
		Kind:         job.Kind(r.Kind),
		ConnectionID: job.ConnectionID(r.ConnectionID),
		WorkspaceID:  job.WorkspaceID(r.WorkspaceID),
		Tenant:       r.Tenant,
		Input:        r.Input,
		Callback:     r.Callback,
		CreatedAt:    r.CreatedAt,
		Status:       job.AttemptStatus(r.Status),
		FinishedAt:   r.FinishedAt,
		Retries:      r.Retries,
		Failure:      r.Failure,
	}
}

func toAttemptRecord(a *job.Attempt) *attemptRecord {
	return &attemptRecord{
		JobID:       string(a.JobID),
		Number:      a.Number,
		Status:      string(a.Status),
		WorkloadID:  string(a.WorkloadID),
		WorkloadRef: string(a.WorkloadRef),
		ScheduledAt: a.ScheduledAt,
		StartedAt:   a.StartedAt,
		EndedAt:     a.EndedAt,
		OutputRef:   a.OutputRef,
		Failure:     a.Failure,
		Result:      a.Result,
	}
}

func fromAttemptRecord(r *attemptRecord) *job.Attempt {
	a := &job.Attempt{
		JobID:       job.ID(r.JobID),
		Number:      r.Number,
		Status:      job.AttemptStatus(r.Status),
		WorkloadID:  job.WorkloadID(r.WorkloadID),
		WorkloadRef: job.WorkloadRef(r.WorkloadRef),
		ScheduledAt: r.ScheduledAt,
		StartedAt:   r.StartedAt,
		EndedAt:     r.EndedAt,
		OutputRef:   r.OutputRef,
		Failure:     r.Failure,
	}
	if len(r.Result) > 0 {
		a.Result = r.Result
	}
	return a
}

var _ Store = (*Gorm)(nil)
