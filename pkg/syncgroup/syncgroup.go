package syncgroup

import "sync"

// SyncGroup wraps sync.WaitGroup for goroutine lifecycles: Add collects
// the functions, Run starts them, Wait blocks for all of them. Add/Done
// bookkeeping cannot be forgotten by a caller.
type SyncGroup struct {
	wg sync.WaitGroup

	mu  sync.Mutex
	fns []func()
}

// NewSyncGroup creates an empty group.
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Add registers a function to run. Call before Run.
func (g *SyncGroup) Add(fn func()) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fns = append(g.fns, fn)
}

// Run starts every registered function as a goroutine and clears the
// list, so a second Run is a no-op until more are added.
func (g *SyncGroup) Run() {
	g.mu.Lock()
	fns := g.fns
	g.fns = nil
	g.mu.Unlock()

	for _, fn := range fns {
		g.wg.Add(1)
		go func(f func()) {
			defer g.wg.Done()
			f()
		}(fn)
	}
}

// Wait blocks until every started goroutine has returned.
func (g *SyncGroup) Wait() {
	g.wg.Wait()
}
