package llm

import (
	"context"
	"sync"

	"github.com/openfroyo/autopilot/pkg/engine"
)

type fakeCall struct {
	system string
	prompt string
}

// fakeClient answers with fn and records every call.
type fakeClient struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, system, prompt string) (string, error)
	calls []fakeCall
}

func respondWith(text string) *fakeClient {
	return &fakeClient{fn: func(context.Context, string, string) (string, error) {
		return text, nil
	}}
}

func (c *fakeClient) Name() string { return "fake" }

func (c *fakeClient) Generate(ctx context.Context, system, prompt string) (string, error) {
	c.mu.Lock()
	c.calls = append(c.calls, fakeCall{system: system, prompt: prompt})
	c.mu.Unlock()
	return c.fn(ctx, system, prompt)
}

func (c *fakeClient) lastCall() fakeCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.calls) == 0 {
		return fakeCall{}
	}
	return c.calls[len(c.calls)-1]
}

// memRepo is an in-memory plan repository.
type memRepo struct {
	mu    sync.Mutex
	plans map[string]*engine.Plan
	err   error
}

func newMemRepo() *memRepo {
	return &memRepo{plans: make(map[string]*engine.Plan)}
}

func (r *memRepo) Get(_ context.Context, id string) (*engine.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[id]
	if !ok {
		return nil, engine.NewPermanentError("plan not found", nil).WithCode(engine.ErrCodePlanNotFound)
	}
	return p.Clone(), nil
}

func (r *memRepo) Put(_ context.Context, plan *engine.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.plans[plan.ID] = plan.Clone()
	return nil
}
