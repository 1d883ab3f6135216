package media

import "sync/atomic"

// Gesture records that the user explicitly interacted during this process
// lifetime. Audio may not be activated before that.
type Gesture struct {
	seen atomic.Bool
}

func (g *Gesture) Record()        { g.seen.Store(true) }
func (g *Gesture) Occurred() bool { return g.seen.Load() }
