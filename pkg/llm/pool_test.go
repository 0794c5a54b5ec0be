package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfroyo/autopilot/pkg/engine"
)

func TestPoolGenerate(t *testing.T) {
	client := respondWith("hello")
	pool := NewPool(client, PoolConfig{})

	text, err := pool.Generate(context.Background(), OpGeneratePlan, "system", "prompt")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "hello" {
		t.Errorf("Expected hello, got %q", text)
	}
	if call := client.lastCall(); call.system != "system" || call.prompt != "prompt" {
		t.Errorf("Unexpected call: %+v", call)
	}
	if pool.Timeout() != DefaultCallTimeout {
		t.Errorf("Expected default timeout, got %s", pool.Timeout())
	}
	if pool.Provider() != "fake" {
		t.Errorf("Expected provider fake, got %s", pool.Provider())
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	const size = 2
	var current, peak int32
	release := make(chan struct{})

	client := &fakeClient{fn: func(ctx context.Context, _, _ string) (string, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&current, -1)
		return "ok", nil
	}}
	pool := NewPool(client, PoolConfig{Size: size, Timeout: 5 * time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pool.Generate(context.Background(), OpVerifyResult, "", "p"); err != nil {
				t.Errorf("Generate failed: %v", err)
			}
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if peak > size {
		t.Errorf("Expected at most %d concurrent calls, saw %d", size, peak)
	}
	if peak == 0 {
		t.Error("Expected calls to run")
	}
}

func TestPoolTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	client := &fakeClient{fn: func(ctx context.Context, _, _ string) (string, error) {
		<-block
		return "late", nil
	}}
	pool := NewPool(client, PoolConfig{Timeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := pool.Generate(context.Background(), OpGeneratePlan, "", "p")
	if err == nil {
		t.Fatal("Expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Generate should return at the deadline, took %s", time.Since(start))
	}
	if !engine.HasCode(err, engine.ErrCodeTimeout) {
		t.Errorf("Expected TIMEOUT code, got %v", err)
	}
	if !strings.Contains(err.Error(), "LLM call timed out after 0.05 seconds.") {
		t.Errorf("Unexpected message: %v", err)
	}
	if !engine.IsTransient(err) {
		t.Error("Timeouts should be transient")
	}
}

func TestPoolTimeoutWaitingForSlot(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	client := &fakeClient{fn: func(ctx context.Context, _, _ string) (string, error) {
		<-block
		return "", nil
	}}
	pool := NewPool(client, PoolConfig{Size: 1, Timeout: 50 * time.Millisecond})

	// The first call times out but keeps its slot while the client runs.
	if _, err := pool.Generate(context.Background(), OpGeneratePlan, "", "p"); !engine.HasCode(err, engine.ErrCodeTimeout) {
		t.Fatalf("Expected first call to time out, got %v", err)
	}
	if _, err := pool.Generate(context.Background(), OpGeneratePlan, "", "p"); !engine.HasCode(err, engine.ErrCodeTimeout) {
		t.Fatalf("Expected second call to time out waiting for a slot, got %v", err)
	}
}

func TestPoolClientError(t *testing.T) {
	client := &fakeClient{fn: func(context.Context, string, string) (string, error) {
		return "", errors.New("quota exceeded")
	}}
	pool := NewPool(client, PoolConfig{})

	_, err := pool.Generate(context.Background(), OpRevisePlan, "", "p")
	if !engine.HasCode(err, engine.ErrCodeLLMFailed) {
		t.Fatalf("Expected LLM_FAILED, got %v", err)
	}
	if !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("Expected cause in message: %v", err)
	}
}

func TestPoolCancelled(t *testing.T) {
	client := &fakeClient{fn: func(ctx context.Context, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	pool := NewPool(client, PoolConfig{Timeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := pool.Generate(ctx, OpSummarize, "", "p")
	if !engine.HasCode(err, engine.ErrCodeLLMFailed) {
		t.Fatalf("Expected LLM_FAILED for cancellation, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled in chain, got %v", err)
	}
}
