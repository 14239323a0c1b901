// -----------------------------------------------------------------------
// Side-Index Loader - Process-wide index cache with rebuild-once
// -----------------------------------------------------------------------

package sideindex

import (
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/gitnexus/capsuled/internal/models"
)

// Loader caches one CapsuleIndex per capsule path. A miss first tries
// the sidecar; a missing or unreadable sidecar triggers exactly one
// rebuild from the capsule itself (persisted back); a rebuild failure
// surfaces as CAPSULE_INCOMPATIBLE.
type Loader struct {
	mu      sync.RWMutex
	indexes map[string]*CapsuleIndex
	logger  arbor.ILogger

	// OnRebuild runs after a successful rebuild-from-capsule, outside
	// the loader lock. Wired to the query cache purge so stale tool
	// responses never survive an index rebuild.
	OnRebuild func(capsulePath string)
}

// NewLoader creates an empty loader.
func NewLoader(logger arbor.ILogger) *Loader {
	return &Loader{
		indexes: make(map[string]*CapsuleIndex),
		logger:  logger,
	}
}

// Get returns the cached index for a capsule, loading or rebuilding on
// first use. Concurrent first calls may race the build; the first
// finished result wins and later ones are discarded.
func (l *Loader) Get(capsulePath string) (*CapsuleIndex, error) {
	l.mu.RLock()
	index, ok := l.indexes[capsulePath]
	l.mu.RUnlock()
	if ok {
		return index, nil
	}

	index, rebuilt, err := l.open(capsulePath)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	if existing, ok := l.indexes[capsulePath]; ok {
		index = existing
		rebuilt = false
	} else {
		l.indexes[capsulePath] = index
	}
	l.mu.Unlock()

	if rebuilt && l.OnRebuild != nil {
		l.OnRebuild(capsulePath)
	}
	return index, nil
}

// Put installs a freshly built index, replacing any cached one. The
// pipeline calls this right after a successful sidecar build.
func (l *Loader) Put(index *CapsuleIndex) {
	l.mu.Lock()
	l.indexes[index.CapsulePath] = index
	l.mu.Unlock()
}

// Evict drops the cached index for a capsule. Retention calls this when
// the artifact is removed.
func (l *Loader) Evict(capsulePath string) {
	l.mu.Lock()
	delete(l.indexes, capsulePath)
	l.mu.Unlock()
}

func (l *Loader) open(capsulePath string) (*CapsuleIndex, bool, error) {
	index, loadErr := Load(capsulePath)
	if loadErr == nil {
		return index, false, nil
	}

	l.logger.Warn().
		Str("capsule", capsulePath).
		Str("error", loadErr.Error()).
		Msg("Sidecar unavailable, rebuilding index from capsule")

	index, buildErr := BuildFromCapsule(capsulePath)
	if buildErr != nil {
		return nil, false, models.NewCapsuleIncompatible(
			fmt.Sprintf("Capsule cannot be indexed: %v", buildErr))
	}

	if persistErr := Persist(index); persistErr != nil {
		// The in-memory index still serves queries; only the sidecar
		// write-back failed.
		l.logger.Warn().
			Str("capsule", capsulePath).
			Str("error", persistErr.Error()).
			Msg("Failed persisting rebuilt sidecar")
	}

	return index, true, nil
}
