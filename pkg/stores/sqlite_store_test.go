package stores

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/autopilot/pkg/engine"
	"github.com/openfroyo/autopilot/pkg/telemetry"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

func testPlan(id string, status engine.PlanStatus) *engine.Plan {
	now := time.Now().UTC()
	return &engine.Plan{
		ID:      id,
		Request: "list files",
		Status:  status,
		Steps: []engine.Step{
			{Number: 1, Description: "List files", Command: "ls -la", Status: engine.StepStatusPending},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	// Check that tables exist by querying them
	tables := []string{"plans", "events", "audit"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations again is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}

func TestPlanSaveLoad(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	plan := testPlan("p1", engine.PlanStatusGenerated)
	if err := store.SavePlan(ctx, plan); err != nil {
		t.Fatalf("failed to save plan: %v", err)
	}

	loaded, err := store.LoadPlan(ctx, "p1")
	if err != nil {
		t.Fatalf("failed to load plan: %v", err)
	}
	if loaded.Request != plan.Request || len(loaded.Steps) != 1 || loaded.Steps[0].Command != "ls -la" {
		t.Errorf("loaded plan mismatch: %+v", loaded)
	}

	// Update replaces the snapshot
	plan.Status = engine.PlanStatusCompleted
	plan.Steps[0].Status = engine.StepStatusCompleted
	plan.UpdatedAt = plan.UpdatedAt.Add(time.Second)
	if err := store.SavePlan(ctx, plan); err != nil {
		t.Fatalf("failed to update plan: %v", err)
	}

	loaded, err = store.LoadPlan(ctx, "p1")
	if err != nil {
		t.Fatalf("failed to reload plan: %v", err)
	}
	if loaded.Status != engine.PlanStatusCompleted || loaded.Steps[0].Status != engine.StepStatusCompleted {
		t.Errorf("expected updated plan, got status %s", loaded.Status)
	}

	if _, err := store.LoadPlan(ctx, "missing"); !engine.HasCode(err, engine.ErrCodePlanNotFound) {
		t.Errorf("expected PLAN_NOT_FOUND, got %v", err)
	}

	if err := store.DeletePlan(ctx, "p1"); err != nil {
		t.Fatalf("failed to delete plan: %v", err)
	}
	if err := store.DeletePlan(ctx, "p1"); !engine.HasCode(err, engine.ErrCodePlanNotFound) {
		t.Errorf("expected PLAN_NOT_FOUND on second delete, got %v", err)
	}
}

func TestListPlans(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	older := testPlan("older", engine.PlanStatusCompleted)
	older.UpdatedAt = older.UpdatedAt.Add(-time.Hour)
	newer := testPlan("newer", engine.PlanStatusExecuting)
	newer.OriginalPlanID = "older"
	newer.Revision = 1

	for _, p := range []*engine.Plan{older, newer} {
		if err := store.SavePlan(ctx, p); err != nil {
			t.Fatalf("failed to save plan: %v", err)
		}
	}

	summaries, err := store.ListPlans(ctx)
	if err != nil {
		t.Fatalf("failed to list plans: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 plans, got %d", len(summaries))
	}
	if summaries[0].ID != "newer" {
		t.Errorf("expected newest first, got %s", summaries[0].ID)
	}
	if summaries[0].OriginalPlanID != "older" || summaries[0].Revision != 1 || summaries[0].StepCount != 1 {
		t.Errorf("unexpected summary: %+v", summaries[0])
	}
	if summaries[1].OriginalPlanID != "" {
		t.Errorf("expected empty original plan id, got %q", summaries[1].OriginalPlanID)
	}
}

// TestEventOperations tests event log operations
func TestEventOperations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	planA := "a"
	planB := "b"
	records := []*EventRecord{
		{EventID: "e1", PlanID: &planA, Type: "plan_execution_started", Level: "info"},
		{EventID: "e2", PlanID: &planA, Type: "step_started", Level: "info"},
		{EventID: "e3", PlanID: &planB, Type: "step_started", Level: "info"},
		{EventID: "e4", PlanID: &planA, Type: "step_failed", Level: "error"},
	}
	for _, r := range records {
		if err := store.AppendEvent(ctx, r); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if r.ID == 0 {
			t.Error("expected event ID to be set after insert")
		}
	}

	all, err := store.ListEvents(ctx, EventQuery{})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(all) != 4 || all[0].EventID != "e1" || all[3].EventID != "e4" {
		t.Errorf("expected events in insertion order, got %d", len(all))
	}

	byPlan, err := store.ListEvents(ctx, EventQuery{PlanID: "a"})
	if err != nil {
		t.Fatalf("failed to list events by plan: %v", err)
	}
	if len(byPlan) != 3 {
		t.Errorf("expected 3 events for plan a, got %d", len(byPlan))
	}

	byType, err := store.ListEvents(ctx, EventQuery{Type: "step_started"})
	if err != nil {
		t.Fatalf("failed to list events by type: %v", err)
	}
	if len(byType) != 2 {
		t.Errorf("expected 2 step_started events, got %d", len(byType))
	}

	newest, err := store.ListEvents(ctx, EventQuery{Limit: 2})
	if err != nil {
		t.Fatalf("failed to list limited events: %v", err)
	}
	if len(newest) != 2 || newest[0].EventID != "e3" || newest[1].EventID != "e4" {
		t.Errorf("expected the two newest events oldest first, got %+v", newest)
	}
}

func TestEventSubscriber(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	sub := store.EventSubscriber()
	sub(telemetry.Event{
		ID:     "ev-1",
		Type:   "step_completed",
		PlanID: "p1",
		Status: "executing",
		Level:  telemetry.EventLevelInfo,
		Data:   map[string]interface{}{"step_index": 0},
	})

	events, err := store.ListEvents(context.Background(), EventQuery{PlanID: "p1"})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Data == nil || *events[0].Data != `{"status":"executing","step_index":0}` {
		t.Errorf("unexpected event data: %v", events[0].Data)
	}
}

// TestAuditOperations tests audit log operations
func TestAuditOperations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()
	plan := "p1"

	// Create audit entries
	entries := []*AuditEntry{
		{
			Action:    AuditActionAccept,
			Actor:     "admin",
			PlanID:    &plan,
			Timestamp: now,
		},
		{
			Action:    AuditActionApprove,
			Actor:     "admin",
			PlanID:    &plan,
			Timestamp: now.Add(1 * time.Second),
		},
		{
			Action:    AuditActionAccept,
			Actor:     "user1",
			Timestamp: now.Add(2 * time.Second),
		},
	}

	for _, entry := range entries {
		if err := store.CreateAuditEntry(ctx, entry); err != nil {
			t.Fatalf("failed to create audit entry: %v", err)
		}
		if entry.ID == 0 {
			t.Error("expected audit entry ID to be set after insert")
		}
	}

	// List all
	retrieved, err := store.ListAuditEntries(ctx, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}

	if len(retrieved) != 3 {
		t.Errorf("expected 3 audit entries, got %d", len(retrieved))
	}
	if len(retrieved) > 0 && retrieved[0].Actor != "user1" {
		t.Errorf("expected newest entry first, got %s", retrieved[0].Actor)
	}

	// Filter by action
	action := AuditActionAccept
	filtered, err := store.ListAuditEntries(ctx, &action, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list filtered audit entries: %v", err)
	}

	if len(filtered) != 2 {
		t.Errorf("expected 2 accept entries, got %d", len(filtered))
	}

	// Filter by plan
	planFiltered, err := store.ListAuditEntries(ctx, nil, &plan, 10, 0)
	if err != nil {
		t.Fatalf("failed to list plan filtered audit entries: %v", err)
	}

	if len(planFiltered) != 2 {
		t.Errorf("expected 2 entries for plan p1, got %d", len(planFiltered))
	}
}

func TestFileBackedDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autopilot.db")
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	if err := store.SavePlan(ctx, testPlan("p1", engine.PlanStatusGenerated)); err != nil {
		t.Fatalf("failed to save plan: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file missing: %v", err)
	}

	reopened, _ := NewSQLiteStore(Config{Path: path})
	if err := reopened.Init(ctx); err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()
	if err := reopened.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate reopened store: %v", err)
	}
	if _, err := reopened.LoadPlan(ctx, "p1"); err != nil {
		t.Errorf("plan did not survive reopen: %v", err)
	}
}
