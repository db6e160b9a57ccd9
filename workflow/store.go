package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ChangeFunc is notified after a definition is added, replaced, or removed.
// Used to invalidate resolver caches and broadcast the update.
type ChangeFunc func(platformID, workflowType string)

// Store holds platform workflow definitions, loaded from a directory of
// YAML files and optionally kept current with a file watcher. Every loaded
// definition has passed Validate; invalid files are logged and skipped.
type Store struct {
	dir      string
	logger   *slog.Logger
	onChange ChangeFunc

	mu   sync.RWMutex
	defs map[string]*WorkflowDefinition
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// WithChangeFunc registers the change notification hook.
func WithChangeFunc(fn ChangeFunc) StoreOption {
	return func(s *Store) { s.onChange = fn }
}

// NewStore creates a definition store rooted at dir. An empty dir creates a
// purely programmatic store (Put/Delete only).
func NewStore(dir string, opts ...StoreOption) *Store {
	s := &Store{
		dir:    dir,
		logger: slog.Default(),
		defs:   make(map[string]*WorkflowDefinition),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ DefinitionSource = (*Store)(nil)

// Definition implements DefinitionSource.
func (s *Store) Definition(_ context.Context, platformID, workflowType string) (*WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[cacheKey(platformID, workflowType)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", platformID, workflowType, ErrDefinitionNotFound)
	}
	return def, nil
}

// List returns every loaded definition.
func (s *Store) List() []*WorkflowDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*WorkflowDefinition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, def)
	}
	return out
}

// Put validates and stores a definition, replacing any existing one for the
// same platform/type pair.
func (s *Store) Put(def *WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("definition %s/%s: %w", def.PlatformID, def.WorkflowType, err)
	}

	s.mu.Lock()
	s.defs[cacheKey(def.PlatformID, def.WorkflowType)] = def
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange(def.PlatformID, def.WorkflowType)
	}
	return nil
}

// Delete removes a definition. Removing an absent definition is a no-op.
func (s *Store) Delete(platformID, workflowType string) {
	key := cacheKey(platformID, workflowType)

	s.mu.Lock()
	_, existed := s.defs[key]
	delete(s.defs, key)
	s.mu.Unlock()

	if existed && s.onChange != nil {
		s.onChange(platformID, workflowType)
	}
}

// Load reads every .yaml/.yml file under the store directory. Files may
// contain multiple YAML documents, one definition each. The previous
// contents are replaced wholesale.
func (s *Store) Load(ctx context.Context) error {
	if s.dir == "" {
		return nil
	}

	loaded := make(map[string]*WorkflowDefinition)
	err := filepath.Walk(s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !isYAML(path) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		defs, err := s.loadFile(path)
		if err != nil {
			s.logger.Warn("Skipping invalid definition file",
				"path", path,
				"error", err)
			return nil
		}
		for _, def := range defs {
			loaded[cacheKey(def.PlatformID, def.WorkflowType)] = def
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load definitions from %s: %w", s.dir, err)
	}

	s.mu.Lock()
	changed := changedKeys(s.defs, loaded)
	s.defs = loaded
	s.mu.Unlock()

	s.logger.Info("Workflow definitions loaded",
		"dir", s.dir,
		"definitions", len(loaded),
		"changed", len(changed))

	if s.onChange != nil {
		for _, key := range changed {
			platform, wfType, _ := strings.Cut(key, "/")
			s.onChange(platform, wfType)
		}
	}
	return nil
}

// loadFile parses and validates every definition document in one file.
func (s *Store) loadFile(path string) ([]*WorkflowDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var defs []*WorkflowDefinition
	dec := yaml.NewDecoder(f)
	for {
		var def WorkflowDefinition
		if err := dec.Decode(&def); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("validate %s: %w", path, err)
		}
		defs = append(defs, &def)
	}
	return defs, nil
}

// Watch reloads the directory when definition files change. Events are
// debounced so an editor save storm causes one reload. Blocks until ctx is
// done.
func (s *Store) Watch(ctx context.Context) error {
	if s.dir == "" {
		return errors.New("definition store has no directory to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	s.logger.Info("Watching workflow definitions", "dir", s.dir)

	const debounce = 200 * time.Millisecond
	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isYAML(event.Name) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			pending = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("Definition watcher error", "error", err)

		case <-pending:
			pending = nil
			if err := s.Load(ctx); err != nil {
				s.logger.Error("Definition reload failed", "error", err)
			}
		}
	}
}

func isYAML(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yaml" || ext == ".yml"
}

// changedKeys returns keys added, removed, or whose definition differs
// between two snapshots.
func changedKeys(old, next map[string]*WorkflowDefinition) []string {
	var changed []string
	for key := range old {
		if _, ok := next[key]; !ok {
			changed = append(changed, key)
		}
	}
	for key, def := range next {
		prev, ok := old[key]
		if !ok || !sameDefinition(prev, def) {
			changed = append(changed, key)
		}
	}
	return changed
}

func sameDefinition(a, b *WorkflowDefinition) bool {
	if a.Enabled != b.Enabled || len(a.Stages) != len(b.Stages) {
		return false
	}
	for i := range a.Stages {
		if a.Stages[i] != b.Stages[i] {
			return false
		}
	}
	return true
}
