package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Loader reads custom policies from .rego and .json files. Parsed files are
// cached until the watcher sees them change.
type Loader struct {
	logger  zerolog.Logger
	cache   map[string][]Policy
	mu      sync.RWMutex
	watcher *fsnotify.Watcher
}

func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string][]Policy),
	}
}

// LoadFromPaths loads every policy under paths. A directory is walked
// recursively and unreadable files in it are skipped; a named file that
// fails to load is an error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var allPolicies []Policy

	for _, path := range paths {
		policies, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		allPolicies = append(allPolicies, policies...)
	}

	l.logger.Info().
		Int("total", len(allPolicies)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return allPolicies, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	if info.IsDir() {
		return l.loadFromDirectory(ctx, path)
	}

	return l.loadFromFile(path)
}

func (l *Loader) loadFromDirectory(ctx context.Context, dirPath string) ([]Policy, error) {
	var policies []Policy

	err := filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}

		loaded, err := l.loadFromFile(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to load policy file")
			return nil
		}

		policies = append(policies, loaded...)
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return policies, nil
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json":
		return true
	}
	return false
}

// loadFromFile loads the policies defined in a single file. A JSON file holds
// either one policy or a bundle.
func (l *Loader) loadFromFile(filePath string) ([]Policy, error) {
	l.mu.RLock()
	if cached, exists := l.cache[filePath]; exists {
		l.mu.RUnlock()
		return cached, nil
	}
	l.mu.RUnlock()

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policies []Policy
	switch filepath.Ext(filePath) {
	case ".rego":
		policies = []Policy{parseRegoFile(filePath, data)}
	case ".json":
		if policies, err = l.parseJSONFile(filePath, data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filePath)
	}

	l.mu.Lock()
	l.cache[filePath] = policies
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", filePath).
		Int("policies", len(policies)).
		Msg("Policy file loaded")

	return policies, nil
}

// parseRegoFile parses a .rego file into a Policy. Leading comments form the
// description; a "# severity: <level>" comment sets the default severity.
func parseRegoFile(filePath string, data []byte) Policy {
	content := string(data)
	severity := extractSeverity(content)
	if severity == "" {
		severity = SeverityWarning
	}
	now := time.Now()
	return Policy{
		Name:        strings.TrimSuffix(filepath.Base(filePath), ".rego"),
		Description: extractDescription(content),
		Rego:        content,
		Severity:    severity,
		Enabled:     true,
		Tags:        []string{"custom"},
		Metadata:    map[string]interface{}{"source": filePath},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// parseJSONFile accepts a single policy object or a bundle with a
// "policies" array. Enabled defaults to true for a single policy.
func (l *Loader) parseJSONFile(filePath string, data []byte) ([]Policy, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}

	var policies []Policy
	if _, isBundle := probe["policies"]; isBundle {
		var bundle PolicyBundle
		if err := json.Unmarshal(data, &bundle); err != nil {
			return nil, fmt.Errorf("failed to parse bundle: %w", err)
		}
		l.logger.Info().
			Str("bundle", bundle.Name).
			Str("version", bundle.Version).
			Int("policies", len(bundle.Policies)).
			Msg("Policy bundle loaded")
		policies = bundle.Policies
	} else {
		var policy Policy
		if err := json.Unmarshal(data, &policy); err != nil {
			return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
		}
		if _, set := probe["enabled"]; !set {
			policy.Enabled = true
		}
		policies = []Policy{policy}
	}

	for i := range policies {
		p := &policies[i]
		if p.Name == "" {
			return nil, fmt.Errorf("policy %d in %s has no name", i, filePath)
		}
		if p.Rego == "" {
			return nil, fmt.Errorf("policy %s has no rego code", p.Name)
		}
		// Only the binary ships built-in policies.
		p.Builtin = false
		if p.Severity == "" {
			p.Severity = SeverityWarning
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now()
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = time.Now()
		}
		if p.Metadata == nil {
			p.Metadata = map[string]interface{}{}
		}
		p.Metadata["source"] = filePath
	}

	return policies, nil
}

// extractDescription joins the comment lines heading a Rego file, skipping
// the severity directive.
func extractDescription(content string) string {
	var parts []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		comment, ok := strings.CutPrefix(trimmed, "#")
		if !ok {
			break
		}
		comment = strings.TrimSpace(comment)
		if comment == "" || strings.HasPrefix(comment, "package") || strings.HasPrefix(comment, "severity:") {
			continue
		}
		parts = append(parts, comment)
	}
	return strings.Join(parts, " ")
}

func extractSeverity(content string) Severity {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "#"))
		if rest, ok := strings.CutPrefix(trimmed, "severity:"); ok {
			switch s := Severity(strings.ToLower(strings.TrimSpace(rest))); s {
			case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
				return s
			}
		}
	}
	return ""
}

// Watch calls reloadFn with the full policy set from paths after each burst
// of changes to a policy file. Directories created later are watched too.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	l.watcher = watcher

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}

		if info.IsDir() {
			if err := l.watchDirectory(path); err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch directory")
			}
		} else {
			// Watch the parent so editors that replace the file are seen.
			if err := watcher.Add(filepath.Dir(path)); err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch file")
			}
		}
	}

	go l.processEvents(ctx, paths, reloadFn)

	l.logger.Info().
		Int("paths", len(paths)).
		Msg("Started watching policy paths")

	return nil
}

// watchDirectory watches dirPath and every directory below it.
func (l *Loader) watchDirectory(dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return l.watcher.Add(path)
		}

		return nil
	})
}

// processEvents debounces policy file changes into reloads until ctx ends.
func (l *Loader) processEvents(ctx context.Context, paths []string, reloadFn func([]Policy) error) {
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = l.watcher.Close()
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := l.watchDirectory(event.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
				}
			}

			if !isPolicyFile(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			l.invalidate(event.Name)

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := l.triggerReload(ctx, paths, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies")
				}
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) invalidate(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, path)
}

func (l *Loader) triggerReload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	if ctx.Err() != nil {
		return nil
	}

	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}

	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}

	l.logger.Info().
		Int("count", len(policies)).
		Msg("Policies reloaded successfully")

	return nil
}

// StopWatching closes the watcher. Watch also closes it when its context ends.
func (l *Loader) StopWatching() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// ClearCache forgets every parsed file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache = make(map[string][]Policy)
	l.logger.Debug().Msg("Policy cache cleared")
}
