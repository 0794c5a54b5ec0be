package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	"github.com/openfroyo/autopilot/pkg/engine"
	"github.com/openfroyo/autopilot/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Logger          zerolog.Logger
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:    cfg,
		logger: cfg.Logger,
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if dsn != memoryPath {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SavePlan inserts or replaces a plan snapshot.
func (s *SQLiteStore) SavePlan(ctx context.Context, plan *engine.Plan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}

	query := `
		INSERT INTO plans (id, request, status, original_plan_id, superseded_by, revision, step_count, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			request = excluded.request,
			status = excluded.status,
			original_plan_id = excluded.original_plan_id,
			superseded_by = excluded.superseded_by,
			revision = excluded.revision,
			step_count = excluded.step_count,
			data = excluded.data,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	createdAt, updatedAt := plan.CreatedAt.UTC(), plan.UpdatedAt.UTC()
	if plan.CreatedAt.IsZero() {
		createdAt = now
	}
	if plan.UpdatedAt.IsZero() {
		updatedAt = now
	}

	_, err = s.db.ExecContext(ctx, query,
		plan.ID,
		plan.Request,
		string(plan.Status),
		nullString(plan.OriginalPlanID),
		nullString(plan.SupersededBy),
		plan.Revision,
		len(plan.Steps),
		string(data),
		createdAt,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}

	return nil
}

// LoadPlan retrieves a plan by ID
func (s *SQLiteStore) LoadPlan(ctx context.Context, id string) (*engine.Plan, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM plans WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, planNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}

	var plan engine.Plan
	if err := json.Unmarshal([]byte(data), &plan); err != nil {
		return nil, engine.NewPermanentError("corrupt plan row", err).
			WithCode(engine.ErrCodeStorage).
			WithResource(id)
	}
	return &plan, nil
}

// ListPlans lists plan summaries, newest first.
func (s *SQLiteStore) ListPlans(ctx context.Context) ([]PlanSummary, error) {
	query := `
		SELECT id, request, status, original_plan_id, superseded_by, revision, step_count, created_at, updated_at
		FROM plans
		ORDER BY updated_at DESC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	summaries := []PlanSummary{}
	for rows.Next() {
		var (
			summary            PlanSummary
			status             string
			original, replaced sql.NullString
		)
		err := rows.Scan(
			&summary.ID,
			&summary.Request,
			&status,
			&original,
			&replaced,
			&summary.Revision,
			&summary.StepCount,
			&summary.CreatedAt,
			&summary.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		summary.Status = engine.PlanStatus(status)
		summary.OriginalPlanID = original.String
		summary.SupersededBy = replaced.String
		summaries = append(summaries, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}

	return summaries, nil
}

// DeletePlan deletes a plan by ID
func (s *SQLiteStore) DeletePlan(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM plans WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete plan: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return planNotFound(id)
	}

	return nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *EventRecord) error {
	query := `
		INSERT INTO events (event_id, plan_id, type, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.PlanID,
		event.Type,
		event.Level,
		event.Message,
		event.Data,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// ListEvents returns events matching query in insertion order. With a limit
// it returns the newest matching events.
func (s *SQLiteStore) ListEvents(ctx context.Context, query EventQuery) ([]*EventRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = -1
	}

	stmt := `
		SELECT id, event_id, plan_id, type, level, message, data, timestamp
		FROM events
		WHERE (? = '' OR plan_id = ?)
		  AND (? = '' OR type = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, stmt,
		query.PlanID, query.PlanID,
		query.Type, query.Type,
		limit, query.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		event := &EventRecord{}
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.PlanID,
			&event.Type,
			&event.Level,
			&event.Message,
			&event.Data,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// EventSubscriber returns a telemetry subscriber that appends every event to
// the events table. Write failures are logged.
func (s *SQLiteStore) EventSubscriber() telemetry.EventSubscriber {
	return func(event telemetry.Event) {
		record := &EventRecord{
			EventID:   event.ID,
			PlanID:    nullStringPtr(event.PlanID),
			Type:      event.Type,
			Level:     event.Level,
			Message:   event.Message,
			Timestamp: event.Timestamp,
		}

		payload := map[string]interface{}{}
		for k, v := range event.Data {
			payload[k] = v
		}
		if event.Status != "" {
			payload["status"] = event.Status
		}
		if len(payload) > 0 {
			if data, err := json.Marshal(payload); err == nil {
				str := string(data)
				record.Data = &str
			}
		}

		if err := s.AppendEvent(context.Background(), record); err != nil {
			s.logger.Warn().Err(err).Str("event", event.Type).Msg("Failed to store event")
		}
	}
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit (action, actor, plan_id, details, ip_address, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, query,
		string(entry.Action),
		entry.Actor,
		entry.PlanID,
		entry.Details,
		entry.IPAddress,
		entry.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination,
// newest first.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *AuditAction, planID *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, plan_id, details, ip_address, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR plan_id = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	var actionArg interface{}
	if action != nil {
		actionArg = string(*action)
	}

	rows, err := s.db.QueryContext(ctx, query, actionArg, actionArg, planID, planID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		var act string
		err := rows.Scan(
			&entry.ID,
			&act,
			&entry.Actor,
			&entry.PlanID,
			&entry.Details,
			&entry.IPAddress,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Action = AuditAction(act)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
