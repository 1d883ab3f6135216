// Package guard keeps at most one session-establishment sequence alive
// per process, mirrored into a transient store so a restart mid-connect
// can detect and clear the leftover mark.
package guard

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StorageKey is the fixed key of the mirrored flag.
const StorageKey = "voicelink.connection.active"

const activeMark = "1"

type Guard struct {
	mu     sync.Mutex
	active bool
	store  Store
	logger zerolog.Logger
}

// New returns an inactive guard. Any mark found in store belongs to a
// previous process and is cleared before the guard is usable.
func New(store Store) *Guard {
	if store == nil {
		store = NewMemoryStore()
	}
	g := &Guard{
		store:  store,
		logger: log.With().Str("module", "app.guard").Logger(),
	}
	g.clearStale()
	return g
}

func (g *Guard) clearStale() {
	v, ok, err := g.store.Load(StorageKey)
	if err != nil {
		g.logger.Warn().Err(err).Msg("read transient mark")
		return
	}
	if !ok {
		return
	}
	g.logger.Warn().Str("mark", v).Msg("clearing stale connection mark from previous instance")
	if err := g.store.Delete(StorageKey); err != nil {
		g.logger.Warn().Err(err).Msg("clear transient mark")
	}
}

// TryActivate marks the guard active and returns true iff it was inactive.
// The check, the flag and the mirror are committed under one lock.
func (g *Guard) TryActivate() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active {
		g.logger.Debug().Msg("activation refused, guard already active")
		return false
	}
	g.active = true
	if err := g.store.Save(StorageKey, activeMark); err != nil {
		g.logger.Warn().Err(err).Msg("mirror activation")
	}
	g.logger.Debug().Msg("guard activated")
	return true
}

// Release clears the guard. Calling it on an inactive guard is a no-op.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active {
		return
	}
	g.active = false
	if err := g.store.Delete(StorageKey); err != nil {
		g.logger.Warn().Err(err).Msg("mirror release")
	}
	g.logger.Debug().Msg("guard released")
}

func (g *Guard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}
