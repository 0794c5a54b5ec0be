package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/autopilot/pkg/engine"
)

const planFileExt = ".json"

// FileStore keeps one JSON file per plan in a directory. Writes go to a
// temporary file that is synced and renamed over the target, so a reader
// never observes a partially written plan.
type FileStore struct {
	dir    string
	logger zerolog.Logger
}

// NewFileStore creates the directory if needed and returns a store over it.
func NewFileStore(dir string, logger zerolog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("plan directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create plan directory: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Dir returns the plan directory.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", engine.NewPermanentError(fmt.Sprintf("invalid plan id %q", id), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return filepath.Join(s.dir, id+planFileExt), nil
}

// SavePlan writes the plan atomically.
func (s *FileStore) SavePlan(ctx context.Context, plan *engine.Plan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := s.path(plan.ID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+plan.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write plan: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync plan: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close plan file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace plan file: %w", err)
	}

	s.logger.Debug().Str("plan_id", plan.ID).Str("path", target).Msg("Saved plan")
	return nil
}

// LoadPlan reads a plan.
func (s *FileStore) LoadPlan(ctx context.Context, id string) (*engine.Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, planNotFound(id)
		}
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}

	var plan engine.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, engine.NewPermanentError("corrupt plan file", err).
			WithCode(engine.ErrCodeStorage).
			WithResource(id)
	}
	return &plan, nil
}

// ListPlans returns summaries of every readable plan file, newest first.
// Unreadable files are logged and skipped.
func (s *FileStore) ListPlans(ctx context.Context) ([]PlanSummary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan directory: %w", err)
	}

	summaries := []PlanSummary{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != planFileExt {
			continue
		}
		plan, err := s.LoadPlan(ctx, strings.TrimSuffix(name, planFileExt))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn().Err(err).Str("file", name).Msg("Skipping unreadable plan file")
			continue
		}
		summaries = append(summaries, Summarize(plan))
	}

	sortSummaries(summaries)
	return summaries, nil
}

func sortSummaries(summaries []PlanSummary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		if !summaries[i].UpdatedAt.Equal(summaries[j].UpdatedAt) {
			return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
		}
		return summaries[i].ID < summaries[j].ID
	})
}
