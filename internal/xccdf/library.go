package xccdf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
	"github.com/PiotrMackowski/ClosedSTIG/internal/rules"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ErrUnknownBenchmark is returned by GetOrLoad for ids not in the index.
var ErrUnknownBenchmark = errors.New("benchmark not in library")

// DefaultDebounce is how long Watch waits after the last change before
// rescanning.
const DefaultDebounce = 2 * time.Second

type loadFunc func(path string) (*Benchmark, []rules.Rule, error)

// Library indexes a directory of benchmarks and caches their rules. The
// index holds metadata only; rules are read on first use.
//
// The rule cache is read-mostly. Every Invalidate bumps a per-benchmark
// generation and every Scan bumps the library epoch; a load only stores its
// result when neither moved while it ran, so a load that raced with an
// invalidation is discarded and the next GetOrLoad reads the file again.
type Library struct {
	dir    string
	load   loadFunc
	logger *logrus.Logger

	mu    sync.RWMutex
	epoch uint64
	gen   map[string]uint64
	paths map[string]string
	meta  map[string]Benchmark
	cache map[string][]rules.Rule

	// afterLoad runs between a load and its store. Tests only.
	afterLoad func(id string)
	// watching runs once Watch has registered the directory tree. Tests only.
	watching func()
}

// NewLibrary creates a library over dir. Call Scan before use.
func NewLibrary(dir string, extractor *Extractor, logger *logrus.Logger) *Library {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	if extractor == nil {
		extractor = NewExtractor(DefaultLimits(), logger)
	}
	return &Library{
		dir:    dir,
		load:   extractor.extractPath,
		logger: logger,
		gen:    map[string]uint64{},
		paths:  map[string]string{},
		meta:   map[string]Benchmark{},
		cache:  map[string][]rules.Rule{},
	}
}

// Dir returns the directory the library scans.
func (l *Library) Dir() string { return l.dir }

// Scan indexes every .zip and .xml benchmark under the library directory
// and replaces the index wholesale, dropping every cached rule set. Only
// metadata is kept. Files that fail to extract are logged and skipped.
// When two files carry the same benchmark id the one with the higher
// release wins.
func (l *Library) Scan(ctx context.Context) error {
	paths := map[string]string{}
	meta := map[string]Benchmark{}

	err := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !isBenchmarkFile(path) {
			return nil
		}
		b, _, err := l.load(path)
		if err != nil {
			l.logger.WithError(err).WithField("file", filepath.Base(path)).Warn("Skipping unreadable benchmark")
			return nil
		}
		if prev, ok := meta[b.ID]; ok && prev.Release > b.Release {
			return nil
		}
		paths[b.ID] = path
		meta[b.ID] = *b
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning library %s: %w", l.dir, err)
	}

	l.mu.Lock()
	l.epoch++
	l.paths = paths
	l.meta = meta
	l.cache = map[string][]rules.Rule{}
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"dir":        l.dir,
		"benchmarks": len(meta),
	}).Info("XCCDF library scanned")
	return nil
}

// Rescan is a forced Scan; cached rules are dropped.
func (l *Library) Rescan(ctx context.Context) error {
	return l.Scan(ctx)
}

// GetOrLoad returns the rules of a benchmark, reading them from disk when
// they are not cached. The returned slice is a copy.
func (l *Library) GetOrLoad(benchmarkID string) ([]rules.Rule, error) {
	l.mu.RLock()
	if rs, ok := l.cache[benchmarkID]; ok {
		l.mu.RUnlock()
		return cloneRules(rs), nil
	}
	path, known := l.paths[benchmarkID]
	epoch, gen := l.epoch, l.gen[benchmarkID]
	l.mu.RUnlock()

	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBenchmark, benchmarkID)
	}

	_, rs, err := l.load(path)
	if err != nil {
		return nil, fmt.Errorf("loading benchmark %s: %w", benchmarkID, err)
	}
	if l.afterLoad != nil {
		l.afterLoad(benchmarkID)
	}

	l.mu.Lock()
	if l.epoch == epoch && l.gen[benchmarkID] == gen {
		l.cache[benchmarkID] = rs
	}
	l.mu.Unlock()
	return cloneRules(rs), nil
}

// Invalidate drops the cached rules of one benchmark.
func (l *Library) Invalidate(benchmarkID string) {
	l.mu.Lock()
	delete(l.cache, benchmarkID)
	l.gen[benchmarkID]++
	l.mu.Unlock()
}

// Get returns the metadata of one benchmark.
func (l *Library) Get(benchmarkID string) (Benchmark, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.meta[benchmarkID]
	return b, ok
}

// Catalog lists every indexed benchmark sorted by id.
func (l *Library) Catalog() []Benchmark {
	l.mu.RLock()
	out := make([]Benchmark, 0, len(l.meta))
	for _, b := range l.meta {
		out = append(out, b)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ForPlatform lists the benchmarks mapped to p.
func (l *Library) ForPlatform(p parser.Platform) []Benchmark {
	var out []Benchmark
	for _, b := range l.Catalog() {
		if b.AppliesTo(p) {
			out = append(out, b)
		}
	}
	return out
}

// Watch rescans the library whenever benchmarks anywhere under its
// directory change, with changes debounced. Subdirectories created while
// watching are added as they appear. It blocks until ctx is done.
func (l *Library) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watchTree(watcher, l.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", l.dir, err)
	}
	l.logger.WithField("dir", l.dir).Info("Watching XCCDF library")
	if l.watching != nil {
		l.watching()
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !l.affectsIndex(watcher, event) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				if err := l.Rescan(ctx); err != nil && ctx.Err() == nil {
					l.logger.WithError(err).Error("XCCDF library rescan failed")
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.WithError(err).Warn("Library watch error")
		}
	}
}

// affectsIndex reports whether event can change the index. A new directory
// is added to the watcher along with everything below it.
func (l *Library) affectsIndex(w *fsnotify.Watcher, event fsnotify.Event) bool {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := watchTree(w, event.Name); err != nil {
				l.logger.WithError(err).WithField("dir", event.Name).Warn("Failed to watch library subdirectory")
			}
			return true
		}
	}
	if isBenchmarkFile(event.Name) {
		return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
			event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
	}
	// A removed directory takes its benchmarks with it.
	return (event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)) && filepath.Ext(event.Name) == ""
}

// watchTree adds root and every directory below it to w.
func watchTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.Add(path)
	})
}

// extractPath dispatches on the file extension.
func (e *Extractor) extractPath(path string) (*Benchmark, []rules.Rule, error) {
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		return e.ExtractZip(path)
	}
	return e.ExtractXMLFile(path)
}

func isBenchmarkFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip", ".xml":
		return true
	}
	return false
}

func cloneRules(rs []rules.Rule) []rules.Rule {
	if rs == nil {
		return nil
	}
	out := make([]rules.Rule, len(rs))
	copy(out, rs)
	return out
}
