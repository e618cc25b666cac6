package parser

import (
	"fmt"
	"sort"
	"sync"
)

// Factory creates a Parser. opts.Platform lets one family serve aliases
// such as Juniper SRX or generic Linux.
type Factory func(opts Options) Parser

var (
	mu      sync.RWMutex
	parsers = make(map[Platform]Factory)
)

// Register adds a parser factory for each of the given platforms.
//
// Panics if a platform is already registered.
func Register(factory Factory, platforms ...Platform) {
	mu.Lock()
	defer mu.Unlock()

	for _, p := range platforms {
		if _, exists := parsers[p]; exists {
			panic(fmt.Sprintf("parser: platform %q already registered", p))
		}
		parsers[p] = factory
	}
}

// Get returns the factory for a platform. The error wraps ErrNoParser.
func Get(platform Platform) (Factory, error) {
	mu.RLock()
	defer mu.RUnlock()

	f, ok := parsers[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s (available: %v)", ErrNoParser, platform, listLocked())
	}
	return f, nil
}

// Supported reports whether a parser exists for platform.
func Supported(platform Platform) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := parsers[platform]
	return ok
}

// List returns every platform with a parser, sorted.
func List() []Platform {
	mu.RLock()
	defer mu.RUnlock()
	return listLocked()
}

// listLocked returns sorted platforms. Caller must hold mu.
func listLocked() []Platform {
	out := make([]Platform, 0, len(parsers))
	for p := range parsers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
