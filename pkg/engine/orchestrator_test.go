package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// memRepo is an in-memory PlanRepository that stores clones.
type memRepo struct {
	mu    sync.Mutex
	plans map[string]*Plan
	puts  int
}

func newMemRepo(plans ...*Plan) *memRepo {
	r := &memRepo{plans: make(map[string]*Plan)}
	for _, p := range plans {
		r.plans[p.ID] = p.Clone()
	}
	return r
}

func (r *memRepo) Get(ctx context.Context, id string) (*Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[id]
	if !ok {
		return nil, NewPermanentError("plan not found", nil).WithCode(ErrCodePlanNotFound)
	}
	return p.Clone(), nil
}

func (r *memRepo) Put(ctx context.Context, plan *Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[plan.ID] = plan.Clone()
	r.puts++
	return nil
}

func (r *memRepo) get(t *testing.T, id string) *Plan {
	t.Helper()
	p, err := r.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("plan %s not stored: %v", id, err)
	}
	return p
}

// mockGate returns a configured assessment per command and safe otherwise.
type mockGate struct {
	verdicts map[string]Assessment
}

func (g *mockGate) Assess(ctx context.Context, command string) Assessment {
	if a, ok := g.verdicts[command]; ok {
		return a
	}
	return Assessment{Safe: true}
}

func (g *mockGate) IsSafe(ctx context.Context, command string) bool {
	return g.Assess(ctx, command).Safe
}

func (g *mockGate) Explain(ctx context.Context, command string) string {
	return g.Assess(ctx, command).Reason
}

// mockRunner records commands and returns configured results. A command
// with a hold channel blocks until the channel is closed.
type mockRunner struct {
	mu       sync.Mutex
	results  map[string]ExecutionResult
	hold     map[string]chan struct{}
	commands []string
}

func (r *mockRunner) Execute(ctx context.Context, command string) ExecutionResult {
	r.mu.Lock()
	r.commands = append(r.commands, command)
	res, ok := r.results[command]
	wait := r.hold[command]
	r.mu.Unlock()

	if wait != nil {
		<-wait
	}
	if ok {
		return res
	}
	return ExecutionResult{Succeeded: true, Stdout: "ok"}
}

func (r *mockRunner) ran(command string) bool {
	for _, c := range r.executed() {
		if c == command {
			return true
		}
	}
	return false
}

func (r *mockRunner) executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

// mockVerifier delegates to fn or trusts the raw outcome.
type mockVerifier struct {
	fn func(req VerifyRequest) (Verification, error)
}

func (v *mockVerifier) Verify(ctx context.Context, req VerifyRequest) (Verification, error) {
	if v.fn != nil {
		return v.fn(req)
	}
	return Verification{Success: req.RawSucceeded, Explanation: "looks right"}, nil
}

type mockReviser struct {
	calls int
	plan  *Plan
	err   error
}

func (r *mockReviser) Revise(ctx context.Context, plan *Plan, feedback string) (*Plan, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.plan.Clone(), nil
}

type mockSummarizer struct {
	update *ProgressUpdate
	err    error
}

func (s *mockSummarizer) Summarize(ctx context.Context, plan *Plan, completedIndex int) (*ProgressUpdate, error) {
	return s.update, s.err
}

// eventRecorder collects events and checks that no published snapshot has
// more than one active step.
type eventRecorder struct {
	mu        sync.Mutex
	events    []*Event
	violation string
}

func (e *eventRecorder) Publish(ctx context.Context, event *Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	active := 0
	for _, s := range event.Steps {
		if s.Status.IsActive() {
			active++
		}
	}
	if active > 1 && e.violation == "" {
		e.violation = string(event.Kind)
	}
	return nil
}

func (e *eventRecorder) kinds() []EventKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EventKind, 0, len(e.events))
	for _, ev := range e.events {
		if ev.Kind != EventStatusUpdate {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func (e *eventRecorder) has(kind EventKind) bool {
	for _, k := range e.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

func (e *eventRecorder) last(kind EventKind) *Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.events) - 1; i >= 0; i-- {
		if e.events[i].Kind == kind {
			return e.events[i]
		}
	}
	return nil
}

type harness struct {
	repo     *memRepo
	gate     *mockGate
	runner   *mockRunner
	verifier *mockVerifier
	reviser  *mockReviser
	events   *eventRecorder
	orch     *Orchestrator
}

func newHarness(t *testing.T, cfg OrchestratorConfig, plans ...*Plan) *harness {
	t.Helper()
	h := &harness{
		repo:     newMemRepo(plans...),
		gate:     &mockGate{verdicts: map[string]Assessment{}},
		runner:   &mockRunner{results: map[string]ExecutionResult{}, hold: map[string]chan struct{}{}},
		verifier: &mockVerifier{},
		reviser:  &mockReviser{},
		events:   &eventRecorder{},
	}
	orch, err := NewOrchestrator(Options{
		Store:    h.repo,
		Gate:     h.gate,
		Runner:   h.runner,
		Verifier: h.verifier,
		Reviser:  h.reviser,
		Events:   h.events,
		Config:   cfg,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	h.orch = orch
	t.Cleanup(func() {
		if h.events.violation != "" {
			t.Errorf("more than one active step in %s event", h.events.violation)
		}
	})
	return h
}

func newTestPlan(steps ...Step) *Plan {
	for i := range steps {
		steps[i].Number = i + 1
		if steps[i].Status == "" {
			steps[i].Status = StepStatusPending
		}
	}
	p := &Plan{Request: "test request", Steps: steps, Status: PlanStatusGenerated, CreatedAt: time.Now()}
	p.ID = ComputePlanID(p)
	return p
}

func assertKinds(t *testing.T, got []EventKind, want ...EventKind) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}
}

func TestNewOrchestratorRequiresCollaborators(t *testing.T) {
	_, err := NewOrchestrator(Options{})
	if err == nil {
		t.Fatal("expected error for missing collaborators")
	}
	if !HasCode(err, ErrCodeValidation) {
		t.Errorf("expected %s, got %s", ErrCodeValidation, ErrorCode(err))
	}
}

func TestExecutePlanCompletesAllSteps(t *testing.T) {
	plan := newTestPlan(
		Step{Description: "list files", Command: "ls"},
		Step{Description: "print date", Command: "date"},
	)
	h := newHarness(t, OrchestratorConfig{}, plan)

	if err := h.orch.ExecutePlan(context.Background(), plan.ID); err != nil {
		t.Fatalf("ExecutePlan failed: %v", err)
	}

	stored := h.repo.get(t, plan.ID)
	if stored.Status != PlanStatusCompleted {
		t.Fatalf("expected completed, got %s", stored.Status)
	}
	for i, s := range stored.Steps {
		if s.Status != StepStatusCompleted {
			t.Errorf("step %d: expected completed, got %s", i, s.Status)
		}
		if s.Verification == nil || !s.Verification.Success {
			t.Errorf("step %d: expected successful verification", i)
		}
	}
	if len(stored.StepResults) != 2 {
		t.Errorf("expected 2 step results, got %d", len(stored.StepResults))
	}
	if h.orch.IsActive(plan.ID) {
		t.Error("completed plan should leave the active table")
	}
	assertKinds(t, h.events.kinds(),
		EventStepCompleted, EventStepCompletedFeedback,
		EventStepCompleted, EventStepCompletedFeedback,
		EventPlanCompleted,
	)

	fb := h.events.last(EventStepCompletedFeedback)
	if fb.Data["description"] != "print date" || fb.Data["stdout"] != "ok" {
		t.Errorf("unexpected feedback payload %v", fb.Data)
	}
	if fb.Data["explanation"] != "looks right" || fb.Data["continue_automatically"] != true {
		t.Errorf("unexpected feedback payload %v", fb.Data)
	}
}

func TestExecutePlanNotFound(t *testing.T) {
	h := newHarness(t, OrchestratorConfig{})

	err := h.orch.ExecutePlan(context.Background(), "missing")
	if !HasCode(err, ErrCodePlanNotFound) {
		t.Fatalf("expected %s, got %v", ErrCodePlanNotFound, err)
	}

	ev := h.events.last(EventPlanExecutionFailed)
	if ev == nil {
		t.Fatal("expected plan_execution_failed event")
	}
	if ev.Status != string(PlanStatusError) || len(ev.Steps) != 0 {
		t.Errorf("unexpected event payload: status=%s steps=%d", ev.Status, len(ev.Steps))
	}
}

func TestExecutePlanRejectsErroredPlan(t *testing.T) {
	plan := newTestPlan(Step{Description: "x", Command: "true"})
	plan.Status = PlanStatusError
	plan.Error = &PlanError{Code: ErrCodeNoJSONFound, Message: "no json"}
	h := newHarness(t, OrchestratorConfig{}, plan)

	err := h.orch.ExecutePlan(context.Background(), plan.ID)
	if !HasCode(err, ErrCodeInvalidPlanState) {
		t.Fatalf("expected %s, got %v", ErrCodeInvalidPlanState, err)
	}
	if !h.events.has(EventPlanExecutionFailed) {
		t.Error("expected plan_execution_failed event")
	}
	if len(h.runner.executed()) != 0 {
		t.Error("no command should run for an errored plan")
	}
}

func TestUnsafeCommandIsBlocked(t *testing.T) {
	plan := newTestPlan(
		Step{Description: "wipe disk", Command: "rm -rf /"},
		Step{Description: "report", Command: "echo done"},
	)
	h := newHarness(t, OrchestratorConfig{}, plan)
	h.gate.verdicts["rm -rf /"] = Assessment{Safe: false, Reason: "blacklisted"}

	if err := h.orch.ExecutePlan(context.Background(), plan.ID); err != nil {
		t.Fatalf("ExecutePlan failed: %v", err)
	}

	stored := h.repo.get(t, plan.ID)
	if stored.Steps[0].Status != StepStatusBlocked {
		t.Fatalf("expected blocked, got %s", stored.Steps[0].Status)
	}
	if stored.Steps[1].Status != StepStatusPending {
		t.Errorf("plan must not advance past a blocked step, step 2 is %s", stored.Steps[1].Status)
	}
	if len(h.runner.executed()) != 0 {
		t.Errorf("blocked command must not run, ran %v", h.runner.executed())
	}
	ev := h.events.last(EventUnsafeCommandBlocked)
	if ev == nil || ev.Data["reason"] != "blacklisted" {
		t.Fatalf("expected unsafe_command_blocked with reason, got %+v", ev)
	}
	if ev.Data["command"] != "rm -rf /" || ev.Data["step_description"] != "wipe disk" {
		t.Errorf("unexpected blocked payload %v", ev.Data)
	}
	if !h.orch.IsActive(plan.ID) {
		t.Fatal("blocked plan should stay active")
	}

	if err := h.orch.ContinueExecution(context.Background(), plan.ID, true); err != nil {
		t.Fatalf("ContinueExecution failed: %v", err)
	}
	stored = h.repo.get(t, plan.ID)
	if stored.Steps[0].Status != StepStatusSkipped || stored.Status != PlanStatusCompleted {
		t.Errorf("expected skipped step and completed plan, got %s / %s", stored.Steps[0].Status, stored.Status)
	}
}

func TestRiskyCommandApproved(t *testing.T) {
	plan := newTestPlan(
		Step{Description: "restart service", Command: "sudo systemctl restart nginx"},
	)
	h := newHarness(t, OrchestratorConfig{}, plan)
	h.gate.verdicts["sudo systemctl restart nginx"] = Assessment{Safe: true, Risky: true, Reason: "uses sudo"}

	ctx := context.Background()
	if err := h.orch.ExecutePlan(ctx, plan.ID); err != nil {
		t.Fatalf("ExecutePlan failed: %v", err)
	}

	pending := h.orch.PendingCommands(plan.ID)
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending command, got %d", len(pending))
	}
	if pending[0].ID != PendingCommandID(plan.ID, 0) {
		t.Errorf("unexpected command id %s", pending[0].ID)
	}
	stored := h.repo.get(t, plan.ID)
	if stored.Steps[0].Status != StepStatusAwaitingConfirmation || !stored.Steps[0].IsRisky {
		t.Fatalf("expected risky step awaiting confirmation, got %+v", stored.Steps[0])
	}
	if len(h.runner.executed()) != 0 {
		t.Fatal("command must not run before approval")
	}

	if err := h.orch.Approve(ctx, pending[0].ID, "go ahead"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	stored = h.repo.get(t, plan.ID)
	if stored.Status != PlanStatusCompleted {
		t.Fatalf("expected completed, got %s", stored.Status)
	}
	if stored.Steps[0].UserFeedback != "go ahead" {
		t.Errorf("expected user feedback to be recorded, got %q", stored.Steps[0].UserFeedback)
	}
	if len(h.orch.PendingCommands("")) != 0 {
		t.Error("pending command should be consumed")
	}

	if err := h.orch.Approve(ctx, pending[0].ID, ""); !HasCode(err, ErrCodeCommandNotFound) {
		t.Errorf("second approval: expected %s, got %v", ErrCodeCommandNotFound, err)
	}
}

func TestRiskyCommandDenied(t *testing.T) {
	plan := newTestPlan(
		Step{Description: "reboot", Command: "reboot"},
		Step{Description: "check", Command: "uptime"},
	)
	h := newHarness(t, OrchestratorConfig{}, plan)
	h.gate.verdicts["reboot"] = Assessment{Safe: true, Risky: true, Reason: "reboots the machine"}

	ctx := context.Background()
	if err := h.orch.ExecutePlan(ctx, plan.ID); err != nil {
		t.Fatalf("ExecutePlan failed: %v", err)
	}
	if err := h.orch.Deny(ctx, PendingCommandID(plan.ID, 0), ""); err != nil {
		t.Fatalf("Deny failed: %v", err)
	}

	stored := h.repo.get(t, plan.ID)
	if stored.Steps[0].Status != StepStatusSkipped {
		t.Fatalf("expected skipped, got %s", stored.Steps[0].Status)
	}
	if stored.Steps[0].UserFeedback != "Command rejected by user" {
		t.Errorf("unexpected user feedback %q", stored.Steps[0].UserFeedback)
	}
	if stored.Steps[1].Status != StepStatusPending {
		t.Fatal("plan must not advance after a denial")
	}
	kinds := h.events.kinds()
	assertKinds(t, kinds[len(kinds)-2:], EventCommandRejected, EventCommandRejectionOptions)

	if err := h.orch.ContinueExecution(ctx, plan.ID, false); err != nil {
		t.Fatalf("ContinueExecution failed: %v", err)
	}
	got := h.runner.executed()
	if len(got) != 1 || got[0] != "uptime" {
		t.Errorf("expected only the next step to run, got %v", got)
	}
	if h.repo.get(t, plan.ID).Status != PlanStatusCompleted {
		t.Error("expected plan to complete after continuing")
	}
}

func TestHumanConfirmationRequiredForEveryStep(t *testing.T) {
	plan := newTestPlan(Step{Description: "a", Command: "echo a"}, Step{Description: "b", Command: "echo b"})
	plan.HumanConfirmationRequired = true
	h := newHarness(t, OrchestratorConfig{}, plan)
	ctx := context.Background()

	if err := h.orch.ExecutePlan(ctx, plan.ID); err != nil {
		t.Fatalf("ExecutePlan failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		pending := h.orch.PendingCommands(plan.ID)
		if len(pending) != 1 || pending[0].StepIndex != i {
			t.Fatalf("step %d: expected one pending command, got %+v", i, pending)
		}
		if err := h.orch.Approve(ctx, pending[0].ID, ""); err != nil {
			t.Fatalf("Approve failed: %v", err)
		}
	}
	if h.repo.get(t, plan.ID).Status != PlanStatusCompleted {
		t.Error("expected plan to complete")
	}
}

func TestVerificationFailureThenRevision(t *testing.T) {
	plan := newTestPlan(
		Step{Description: "install package", Command: "apt-get install foo"},
		Step{Description: "configure", Command: "foo --init"},
	)
	h := newHarness(t, OrchestratorConfig{}, plan)
	h.runner.results["apt-get install foo"] = ExecutionResult{Succeeded: true, Stdout: "E: Unable to locate package foo"}
	h.verifier.fn = func(req VerifyRequest) (Verification, error) {
		if strings.Contains(req.Stdout, "Unable to locate") {
			return Verification{Success: false, Explanation: "package missing", Suggestion: "use brew"}, nil
		}
		return Verification{Success: true, Explanation: "ok"}, nil
	}
	h.reviser.plan = newTestPlan(Step{Description: "install with brew", Command: "brew install foo"})

	ctx := context.Background()
	if err := h.orch.ExecutePlan(ctx, plan.ID); err != nil {
		t.Fatalf("ExecutePlan failed: %v", err)
	}

	stored := h.repo.get(t, plan.ID)
	if stored.Steps[0].Status != StepStatusFailed {
		t.Fatalf("verification must override exit status, got %s", stored.Steps[0].Status)
	}
	opts := h.events.last(EventStepFailureOptions)
	if opts == nil || opts.Data["suggestion"] != "use brew" {
		t.Fatalf("expected step_failure_options with suggestion, got %+v", opts)
	}

	revised, err := h.orch.RequestRevision(ctx, plan.ID, "use brew instead")
	if err != nil {
		t.Fatalf("RequestRevision failed: %v", err)
	}
	if revised.ID == plan.ID {
		t.Fatal("revised plan must have a fresh id")
	}
	if revised.OriginalPlanID != plan.ID || revised.Revision != 1 {
		t.Errorf("unexpected lineage: original=%s revision=%d", revised.OriginalPlanID, revised.Revision)
	}
	if h.orch.IsActive(plan.ID) {
		t.Error("predecessor should leave the active table")
	}

	next := h.repo.get(t, revised.ID)
	if next.Status != PlanStatusCompleted {
		t.Errorf("expected revised plan to run to completion, got %s", next.Status)
	}
	old := h.repo.get(t, plan.ID)
	if old.SupersededBy != revised.ID {
		t.Errorf("expected predecessor to point at %s, got %q", revised.ID, old.SupersededBy)
	}
	ev := h.events.last(EventPlanRevised)
	if ev == nil {
		t.Fatal("expected plan_revised event")
	}
	if ev.Data["original_plan_id"] != plan.ID || ev.Data["revised_plan_id"] != revised.ID {
		t.Errorf("unexpected plan_revised payload %v", ev.Data)
	}
	if ev.Data["is_auto_revision"] != false {
		t.Errorf("operator revision reported as automatic: %v", ev.Data)
	}

	if err := h.orch.ExecutePlan(ctx, plan.ID); !HasCode(err, ErrCodeInvalidPlanState) {
		t.Errorf("expected superseded plan to be rejected, got %v", err)
	}
	if n := len(h.runner.executed()); n != 2 {
		t.Errorf("superseded plan must not run again, got %v", h.runner.executed())
	}
}

func TestRevisionChainTerminates(t *testing.T) {
	plan := newTestPlan(Step{Description: "a", Command: "false"})
	h := newHarness(t, OrchestratorConfig{}, plan)
	h.verifier.fn = func(req VerifyRequest) (Verification, error) {
		return Verification{Success: false, Explanation: "nope"}, nil
	}
	// The reviser keeps returning identical content.
	h.reviser.plan = newTestPlan(Step{Description: "a", Command: "false"})

	ctx := context.Background()
	if err := h.orch.ExecutePlan(ctx, plan.ID); err != nil {
		t.Fatalf("ExecutePlan failed: %v", err)
	}

	id := plan.ID
	seen := map[string]bool{id: true}
	for i := 0; i < 3; i++ {
		next, err := h.orch.RequestRevision(ctx, id, "try again")
		if err != nil {
			t.Fatalf("revision %d failed: %v", i, err)
		}
		if seen[next.ID] {
			t.Fatalf("revision %d reused id %s", i, next.ID)
		}
		seen[next.ID] = true
		id = next.ID
	}

	hops := 0
	for p := h.repo.get(t, id); p.OriginalPlanID != ""; p = h.repo.get(t, p.OriginalPlanID) {
		hops++
		if hops > 3 {
			t.Fatal("revision chain does not terminate")
		}
	}
	if hops != 3 {
		t.Errorf("expected 3 hops, got %d", hops)
	}
}

func TestRevisionFailure(t *testing.T) {
	plan := newTestPlan(Step{Description: "a", Command: "false"})
	h := newHarness(t, OrchestratorConfig{}, plan)
	h.verifier.fn = func(req VerifyRequest) (Verification, error) {
		return Verification{Success: false, Explanation: "nope"}, nil
	}
	h.reviser.err = errors.New("model unavailable")

	ctx := context.Background()
	if err := h.orch.ExecutePlan(ctx, plan.ID); err != nil {
		t.Fatalf("ExecutePlan failed: %v", err)
	}

	_, err := h.orch.RequestRevision(ctx, plan.ID, "fix it")
	if !HasCode(err, ErrCodeRevisionFailed) {
		t.Fatalf("expected %s, got %v", ErrCodeRevisionFailed, err)
	}
	if got := h.repo.get(t, plan.ID).Status; got != PlanStatusRevisionFailed {
		t.Errorf("expected revision_failed, got %s", got)
	}
	ev := h.events.last(EventPlanRevisionFailed)
	if ev == nil {
		t.Fatal("expected plan_revision_failed event")
	}
	if ev.Data["error"] != "model unavailable" || ev.Data["original_plan_id"] != plan.ID {
		t.Errorf("unexpected plan_revision_failed payload %v", ev.Data)
	}
	if !h.orch.IsActive(plan.ID) {
		t.Error("plan should stay active after a failed revision")
	}
}

func TestRevisionOfInactivePlan(t *testing.T) {
	plan := newTestPlan(Step{Description: "a", Command: "echo a"})
	h := newHarness(t, OrchestratorConfig{}, plan)
	h.reviser.plan = newTestPlan(Step{Description: "b", Command: "echo b"})

	revised, err := h.orch.RequestRevision(context.Background(), plan.ID, "different")
	if err != nil {
		t.Fatalf("RequestRevision failed: %v", err)
	}
	if revised.Status != PlanStatusGenerated {
		t.Errorf("expected generated, got %s", revised.Status)
	}
	if h.orch.IsActive(revised.ID) {
		t.Error("revision of an inactive plan must not start it")
	}
	if len(h.runner.executed()) != 0 {
		t.Error("no command should run")
	}
	if err := h.orch.ExecutePlan(context.Background(), plan.ID); !HasCode(err, ErrCodeInvalidPlanState) {
		t.Errorf("expected superseded plan to be rejected, got %v", err)
	}
	if err := h.orch.ExecutePlan(context.Background(), revised.ID); err != nil {
		t.Fatalf("ExecutePlan of revision failed: %v", err)
	}
	if got := h.runner.executed(); len(got) != 1 || got[0] != "echo b" {
		t.Errorf("expected only the revision to run, got %v", got)
	}
}

func TestAutoRevise(t *testing.T) {
	plan := newTestPlan(Step{Description: "a", Command: "false"})
	h := newHarness(t, OrchestratorConfig{AutoRevise: true}, plan)
	h.runner.results["false"] = ExecutionResult{Succeeded: false, ExitCode: 1}
	h.reviser.plan = newTestPlan(Step{Description: "a", Command: "true"})

	if err := h.orch.ExecutePlan(context.Background(), plan.ID); err != nil {
		t.Fatalf("ExecutePlan failed: %v", err)
	}
	if h.reviser.calls != 1 {
		t.Fatalf("expected 1 automatic revision, got %d", h.reviser.calls)
	}
	old := h.repo.get(t, plan.ID)
	if old.SupersededBy == "" {
		t.Fatal("expected predecessor to be superseded")
	}
	if got := h.repo.get(t, old.SupersededBy).Status; got != PlanStatusCompleted {
		t.Errorf("expected revision to complete, got %s", got)
	}
	if ev := h.events.last(EventPlanRevised); ev == nil || ev.Data["is_auto_revision"] != true {
		t.Errorf("expected automatic plan_revised event, got %+v", ev)
	}
}

func TestVerifierErrorFallsBackToRawResult(t *testing.T) {
	plan := newTestPlan(
		Step{Description: "works", Command: "true"},
		Step{Description: "breaks", Command: "false"},
	)
	h := newHarness(t, OrchestratorConfig{}, plan)
	h.runner.results["false"] = ExecutionResult{Succeeded: false, ExitCode: 1}
	h.verifier.fn = func(req VerifyRequest) (Verification, error) {
		return Verification{}, NewTransientError("timed out", nil).WithCode(ErrCodeTimeout)
	}

	if err := h.orch.ExecutePlan(context.Background(), plan.ID); err != nil {
		t.Fatalf("ExecutePlan failed: %v", err)
	}

	stored := h.repo.get(t, plan.ID)
	if stored.Steps[0].Status != StepStatusCompleted {
		t.Errorf("raw success should complete the step, got %s", stored.Steps[0].Status)
	}
	if stored.Steps[0].Verification.ErrorCode != ErrCodeTimeout {
		t.Errorf("expected error code %s, got %q", ErrCodeTimeout, stored.Steps[0].Verification.ErrorCode)
	}
	if stored.Steps[1].Status != StepStatusFailed {
		t.Fatalf("raw failure should fail the step, got %s", stored.Steps[1].Status)
	}
	if !strings.HasPrefix(stored.Steps[1].Stderr, "LLM Verification Error: ") {
		t.Errorf("expected synthesized stderr, got %q", stored.Steps[1].Stderr)
	}
}

func TestAbortDuringVerificationDiscardsResult(t *testing.T) {
	plan := newTestPlan(Step{Description: "slow", Command: "sleep 1"}, Step{Description: "next", Command: "true"})
	h := newHarness(t, OrchestratorConfig{}, plan)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.verifier.fn = func(req VerifyRequest) (Verification, error) {
		close(entered)
		<-release
		return Verification{Success: true, Explanation: "late"}, nil
	}

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- h.orch.ExecutePlan(ctx, plan.ID) }()

	<-entered
	if err := h.orch.ContinueExecution(ctx, plan.ID, false); !IsConflict(err) {
		t.Errorf("expected conflict while busy, got %v", err)
	}
	if err := h.orch.AbortExecution(ctx, plan.ID); err != nil {
		t.Fatalf("AbortExecution failed: %v", err)
	}
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ExecutePlan returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ExecutePlan did not return")
	}

	stored := h.repo.get(t, plan.ID)
	if stored.Status != PlanStatusAborted {
		t.Fatalf("expected aborted, got %s", stored.Status)
	}
	if stored.Steps[0].Verification != nil {
		t.Error("late verification must be discarded")
	}
	if h.events.has(EventStepCompleted) {
		t.Error("no step_completed event expected after abort")
	}
	if h.orch.IsActive(plan.ID) {
		t.Error("aborted plan must leave the active table")
	}
	if got := h.runner.executed(); len(got) != 1 {
		t.Errorf("expected only the first command to run, got %v", got)
	}
}

func TestAbortPrunesPendingCommands(t *testing.T) {
	plan := newTestPlan(Step{Description: "reboot", Command: "reboot"})
	h := newHarness(t, OrchestratorConfig{}, plan)
	h.gate.verdicts["reboot"] = Assessment{Safe: true, Risky: true}
	ctx := context.Background()

	if err := h.orch.ExecutePlan(ctx, plan.ID); err != nil {
		t.Fatalf("ExecutePlan failed: %v", err)
	}
	if err := h.orch.AbortExecution(ctx, plan.ID); err != nil {
		t.Fatalf("AbortExecution failed: %v", err)
	}
	if n := len(h.orch.PendingCommands("")); n != 0 {
		t.Errorf("expected pending commands to be pruned, got %d", n)
	}
	if err := h.orch.Approve(ctx, PendingCommandID(plan.ID, 0), ""); err == nil {
		t.Error("approval after abort should fail")
	}
	if len(h.runner.executed()) != 0 {
		t.Error("command must not run after abort")
	}
	if err := h.orch.AbortExecution(ctx, plan.ID); !HasCode(err, ErrCodePlanNotActive) {
		t.Errorf("expected %s, got %v", ErrCodePlanNotActive, err)
	}
}

func TestObservationStepPlaceholder(t *testing.T) {
	plan := newTestPlan(
		Step{Description: "look at the user's desktop", IsObserve: true},
		Step{Description: "done", Command: "true"},
	)
	h := newHarness(t, OrchestratorConfig{}, plan)
	ctx := context.Background()

	if err := h.orch.ExecutePlan(ctx, plan.ID); err != nil {
		t.Fatalf("ExecutePlan failed: %v", err)
	}

	stored := h.repo.get(t, plan.ID)
	want := ObservationCommand("look at the user's desktop")
	if stored.Steps[0].Command != want {
		t.Fatalf("expected placeholder %q, got %q", want, stored.Steps[0].Command)
	}
	if stored.Status != PlanStatusPaused {
		t.Fatalf("expected paused for observation, got %s", stored.Status)
	}
	if !h.events.has(EventObservationRequired) {
		t.Fatal("expected observation_required event")
	}

	if err := h.orch.CompleteObservation(ctx, plan.ID, 0, "saw three icons"); err != nil {
		t.Fatalf("CompleteObservation failed: %v", err)
	}
	stored = h.repo.get(t, plan.ID)
	if stored.Status != PlanStatusCompleted {
		t.Fatalf("expected completed, got %s", stored.Status)
	}
	if stored.Steps[0].Feedback != "saw three icons" {
		t.Errorf("expected observation feedback, got %q", stored.Steps[0].Feedback)
	}
	if got := h.runner.executed(); got[0] != want {
		t.Errorf("placeholder must be what ran, got %q", got[0])
	}
}

func TestMissingCommandFailsPlan(t *testing.T) {
	plan := newTestPlan(Step{Description: "do something important"})
	h := newHarness(t, OrchestratorConfig{}, plan)

	if err := h.orch.ExecutePlan(context.Background(), plan.ID); err != nil {
		t.Fatalf("ExecutePlan failed: %v", err)
	}
	stored := h.repo.get(t, plan.ID)
	if stored.Status != PlanStatusError {
		t.Fatalf("expected error, got %s", stored.Status)
	}
	if stored.Steps[0].Status != StepStatusFailed {
		t.Fatalf("expected failed step, got %s", stored.Steps[0].Status)
	}
	if stored.Steps[0].Stderr != "Command missing for critical non-observation step: do something important" {
		t.Errorf("unexpected stderr %q", stored.Steps[0].Stderr)
	}
}

type staticGenerator string

func (g staticGenerator) GenerateCommand(ctx context.Context, description string) (string, error) {
	return string(g), nil
}

func TestMissingCommandIsGenerated(t *testing.T) {
	plan := newTestPlan(Step{Description: "show disk usage"})
	h := newHarness(t, OrchestratorConfig{}, plan)
	h.orch.generator = staticGenerator(" df -h ")

	if err := h.orch.ExecutePlan(context.Background(), plan.ID); err != nil {
		t.Fatalf("ExecutePlan failed: %v", err)
	}
	stored := h.repo.get(t, plan.ID)
	if stored.Steps[0].Command != "df -h" || stored.Status != PlanStatusCompleted {
		t.Errorf("expected generated command to run, got %q / %s", stored.Steps[0].Command, stored.Status)
	}
}

func TestProgressSummarizationReplacesTail(t *testing.T) {
	plan := newTestPlan(
		Step{Description: "a", Command: "echo a"},
		Step{Description: "b", Command: "echo b"},
		Step{Description: "c", Command: "echo c"},
	)
	h := newHarness(t, OrchestratorConfig{SummarizeProgress: true}, plan)
	h.orch.summarizer = &mockSummarizer{update: &ProgressUpdate{
		Summary:      "a done",
		UpdatedSteps: []Step{{Number: 9, Description: "z", Command: "echo z"}},
	}}

	if err := h.orch.ExecutePlan(context.Background(), plan.ID); err != nil {
		t.Fatalf("ExecutePlan failed: %v", err)
	}

	stored := h.repo.get(t, plan.ID)
	if len(stored.Steps) != 2 {
		t.Fatalf("expected tail to be replaced, got %d steps", len(stored.Steps))
	}
	if stored.Steps[1].Description != "z" || stored.Steps[1].Number != 2 {
		t.Errorf("unexpected replacement step %+v", stored.Steps[1])
	}
	if stored.ProgressSummary != "a done" {
		t.Errorf("unexpected summary %q", stored.ProgressSummary)
	}
	if stored.Status != PlanStatusCompleted {
		t.Errorf("expected completed, got %s", stored.Status)
	}
}

func TestProgressSummarizationFailureDoesNotStopPlan(t *testing.T) {
	plan := newTestPlan(Step{Description: "a", Command: "echo a"}, Step{Description: "b", Command: "echo b"})
	h := newHarness(t, OrchestratorConfig{SummarizeProgress: true}, plan)
	h.orch.summarizer = &mockSummarizer{err: errors.New("llm down")}

	if err := h.orch.ExecutePlan(context.Background(), plan.ID); err != nil {
		t.Fatalf("ExecutePlan failed: %v", err)
	}
	if !h.events.has(EventProgressSummarizationFailed) {
		t.Error("expected progress_summarization_failed event")
	}
	if got := h.repo.get(t, plan.ID).Status; got != PlanStatusCompleted {
		t.Errorf("expected completed, got %s", got)
	}
}

func TestHumanValidationPausesAfterEachStep(t *testing.T) {
	plan := newTestPlan(Step{Description: "a", Command: "echo a"}, Step{Description: "b", Command: "echo b"})
	h := newHarness(t, OrchestratorConfig{HumanValidationRequired: true}, plan)
	ctx := context.Background()

	if err := h.orch.ExecutePlan(ctx, plan.ID); err != nil {
		t.Fatalf("ExecutePlan failed: %v", err)
	}
	if got := h.repo.get(t, plan.ID).Status; got != PlanStatusPaused {
		t.Fatalf("expected paused, got %s", got)
	}

	if err := h.orch.SubmitStepFeedback(ctx, plan.ID, 0, "hold on", false); err != nil {
		t.Fatalf("SubmitStepFeedback failed: %v", err)
	}
	stored := h.repo.get(t, plan.ID)
	if stored.Steps[0].UserFeedback != "hold on" || stored.Steps[1].Status != StepStatusPending {
		t.Fatalf("expected feedback recorded and no advance, got %+v", stored.Steps)
	}

	if err := h.orch.SubmitStepFeedback(ctx, plan.ID, 0, "", true); err != nil {
		t.Fatalf("SubmitStepFeedback failed: %v", err)
	}
	if got := h.repo.get(t, plan.ID).Steps[1].Status; got != StepStatusCompleted {
		t.Errorf("expected step 2 to run, got %s", got)
	}

	if err := h.orch.SubmitStepFeedback(ctx, plan.ID, 5, "", true); !HasCode(err, ErrCodeStepNotFound) {
		t.Errorf("expected %s, got %v", ErrCodeStepNotFound, err)
	}
}

func TestHumanValidationTakesPrecedenceOverObservation(t *testing.T) {
	plan := newTestPlan(
		Step{Description: "check the screen", Command: "echo look", IsObserve: true},
		Step{Description: "b", Command: "echo b"},
	)
	h := newHarness(t, OrchestratorConfig{HumanValidationRequired: true}, plan)
	ctx := context.Background()

	if err := h.orch.ExecutePlan(ctx, plan.ID); err != nil {
		t.Fatalf("ExecutePlan failed: %v", err)
	}
	assertKinds(t, h.events.kinds(), EventStepCompleted, EventStepCompletedFeedback, EventPlanPaused)
	if fb := h.events.last(EventStepCompletedFeedback); fb.Data["continue_automatically"] != false {
		t.Errorf("expected continue_automatically false, got %v", fb.Data)
	}

	if err := h.orch.SubmitStepFeedback(ctx, plan.ID, 0, "", true); err != nil {
		t.Fatalf("SubmitStepFeedback failed: %v", err)
	}
	if got := h.repo.get(t, plan.ID).Steps[1].Status; got != StepStatusCompleted {
		t.Errorf("expected step 2 to run after validation, got %s", got)
	}
	if h.events.has(EventObservationRequired) {
		t.Error("validation halt must replace the observation pause")
	}
}

func TestPlansProgressIndependently(t *testing.T) {
	slow := newTestPlan(Step{Description: "slow", Command: "slow-a"}, Step{Description: "after", Command: "echo a2"})
	fast := newTestPlan(Step{Description: "b1", Command: "echo b1"}, Step{Description: "b2", Command: "echo b2"})
	h := newHarness(t, OrchestratorConfig{}, slow, fast)
	release := make(chan struct{})
	h.runner.hold["slow-a"] = release
	ctx := context.Background()

	slowDone := make(chan error, 1)
	go func() { slowDone <- h.orch.ExecutePlan(ctx, slow.ID) }()

	deadline := time.Now().Add(5 * time.Second)
	for !h.runner.ran("slow-a") {
		if time.Now().After(deadline) {
			t.Fatal("slow plan never reached its runner")
		}
		time.Sleep(5 * time.Millisecond)
	}

	fastDone := make(chan error, 1)
	go func() { fastDone <- h.orch.ExecutePlan(ctx, fast.ID) }()
	select {
	case err := <-fastDone:
		if err != nil {
			t.Fatalf("ExecutePlan of second plan failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatal("second plan waited on the blocked runner of the first")
	}

	if got := h.repo.get(t, fast.ID).Status; got != PlanStatusCompleted {
		t.Errorf("expected second plan completed, got %s", got)
	}
	if got := h.repo.get(t, slow.ID).Steps[0].Status; got != StepStatusExecuting {
		t.Errorf("expected first plan still executing step 1, got %s", got)
	}

	close(release)
	select {
	case err := <-slowDone:
		if err != nil {
			t.Fatalf("ExecutePlan of first plan failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first plan did not finish after release")
	}
	if got := h.repo.get(t, slow.ID).Status; got != PlanStatusCompleted {
		t.Errorf("expected first plan completed, got %s", got)
	}
}

func TestContinueExecutionRetriesFailedStep(t *testing.T) {
	plan := newTestPlan(Step{Description: "flaky", Command: "flaky"})
	h := newHarness(t, OrchestratorConfig{}, plan)
	h.runner.results["flaky"] = ExecutionResult{Succeeded: false, ExitCode: 1, Stderr: "boom"}
	ctx := context.Background()

	if err := h.orch.ExecutePlan(ctx, plan.ID); err != nil {
		t.Fatalf("ExecutePlan failed: %v", err)
	}
	if err := h.orch.ExecutePlan(ctx, plan.ID); !HasCode(err, ErrCodeInvalidPlanState) {
		t.Errorf("expected re-execution of an active plan to fail, got %v", err)
	}

	delete(h.runner.results, "flaky")
	if err := h.orch.ContinueExecution(ctx, plan.ID, false); err != nil {
		t.Fatalf("ContinueExecution failed: %v", err)
	}
	stored := h.repo.get(t, plan.ID)
	if stored.Steps[0].Status != StepStatusCompleted || stored.Steps[0].Stderr != "" {
		t.Errorf("expected retried step to complete cleanly, got %+v", stored.Steps[0])
	}
	if len(h.runner.executed()) != 2 {
		t.Errorf("expected two runs, got %v", h.runner.executed())
	}
}

func TestStatusAndActivePlans(t *testing.T) {
	plan := newTestPlan(Step{Description: "reboot", Command: "reboot"})
	h := newHarness(t, OrchestratorConfig{}, plan)
	h.gate.verdicts["reboot"] = Assessment{Safe: true, Risky: true}
	ctx := context.Background()

	if err := h.orch.ExecutePlan(ctx, plan.ID); err != nil {
		t.Fatalf("ExecutePlan failed: %v", err)
	}

	active := h.orch.ActivePlans()
	if len(active) != 1 || active[0].ID != plan.ID {
		t.Fatalf("unexpected active plans %+v", active)
	}
	active[0].Steps[0].Status = StepStatusCompleted

	p, err := h.orch.Status(ctx, plan.ID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if p.Steps[0].Status != StepStatusAwaitingConfirmation {
		t.Error("snapshots must not alias orchestrator state")
	}

	if _, err := h.orch.Status(ctx, "nope"); !HasCode(err, ErrCodePlanNotFound) {
		t.Errorf("expected %s, got %v", ErrCodePlanNotFound, err)
	}
}

func TestObservationCommand(t *testing.T) {
	cmd := ObservationCommand("check the user's\nscreen; rm -rf /")
	if !IsObservationCommand(cmd) {
		t.Fatalf("expected %q to be recognized as a placeholder", cmd)
	}
	if strings.Count(cmd, "'") != 2 {
		t.Errorf("placeholder must contain exactly one quoted literal: %q", cmd)
	}
	if ObservationCommand("x") != ObservationCommand("x") {
		t.Error("placeholder must be deterministic")
	}

	for _, c := range []string{
		"echo 'Observation step: a'; rm -rf /",
		"echo 'Observation step: a' && reboot'",
		"ls",
	} {
		if IsObservationCommand(c) {
			t.Errorf("%q must not be treated as a placeholder", c)
		}
	}
}

func TestComputePlanID(t *testing.T) {
	a := newTestPlan(Step{Description: "a", Command: "echo a"})
	b := newTestPlan(Step{Description: "a", Command: "echo a"})
	if a.ID != b.ID {
		t.Error("identical content must share an id")
	}
	if len(a.ID) != 32 {
		t.Errorf("expected 32 hex chars, got %d", len(a.ID))
	}

	b.Revision = 1
	b.OriginalPlanID = a.ID
	if ComputePlanID(b) == a.ID {
		t.Error("revision must change the id")
	}

	b.Steps[0].Status = StepStatusCompleted
	b.Steps[0].Stdout = "a"
	b2 := b.Clone()
	b2.Steps[0].Status = StepStatusPending
	if ComputePlanID(b) != ComputePlanID(b2) {
		t.Error("execution state must not affect the id")
	}
}
