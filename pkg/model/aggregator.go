package model

import (
	"context"

	"github.com/netconsole/netconsole/pkg/util"
)

// ============================================================================
// Outstanding refreshes
// ============================================================================

// beginRefresh counts an async fetch. Every call must be paired with
// endRefresh on the loop.
func (m *Model) beginRefresh() {
	m.outstanding++
	m.ready.Store(false)
	m.opts.Observer.Outstanding(m.outstanding)
}

// endRefresh uncounts a fetch. The export is scheduled when the last
// outstanding fetch completes.
func (m *Model) endRefresh() {
	m.outstanding--
	m.opts.Observer.Outstanding(m.outstanding)
	if m.outstanding == 0 {
		m.scheduleExport()
	}
}

// refresh runs fetch off the loop and applies its result on the loop.
// apply only runs when no newer refresh of the same kind was issued for
// the same live object in the meantime.
func (m *Model) refresh(o *object, kind string, fetch func(ctx context.Context) (interface{}, error), apply func(result interface{})) {
	token := o.nextToken(kind)
	m.beginRefresh()
	go func() {
		result, err := fetch(m.ctx)
		m.post(func() {
			defer m.endRefresh()
			if m.objects[o.path] != o || !o.current(kind, token) {
				util.WithPath(o.path).Debugf("discarding stale %s result", kind)
				return
			}
			if err != nil {
				util.WithPath(o.path).Warnf("%s refresh failed: %v", kind, err)
				m.opts.Observer.RefreshFailed(kind)
				return
			}
			apply(result)
		})
	}()
}

// ============================================================================
// Debounced export
// ============================================================================

// scheduleExport asks for a pipeline run after the debounce delay. While
// fetches are outstanding it does nothing; the last one to finish calls
// it again.
func (m *Model) scheduleExport() {
	m.ready.Store(false)
	if m.outstanding > 0 || m.exportScheduled {
		return
	}
	m.exportScheduled = true
	m.debounce.Trigger()
}

// runExport runs the full pipeline and publishes the result.
func (m *Model) runExport() {
	m.exportScheduled = false
	if m.outstanding > 0 {
		return
	}
	start := m.clock.Now()
	m.runPipeline()
	m.opts.Observer.PipelineRun(len(m.objects), m.clock.Now().Sub(start))
	m.runs.Add(1)

	m.ready.Store(m.outstanding == 0 && !m.exportScheduled)
	m.publish()

	if m.ready.Load() {
		for _, w := range m.waiters {
			close(w)
		}
		m.waiters = nil
	}
}

// PipelineRuns returns how many pipeline runs have completed.
func (m *Model) PipelineRuns() uint64 {
	return m.runs.Load()
}

// Ready reports whether the graph is settled: a snapshot has been
// published, no fetch is outstanding, and no export is pending.
func (m *Model) Ready() bool {
	return m.ready.Load() && m.snapshot.Load() != nil
}

// Synchronize returns once the graph is settled. It returns at once if
// it already is.
func (m *Model) Synchronize(ctx context.Context) error {
	ch := make(chan struct{})
	if !m.post(func() {
		if m.outstanding == 0 && !m.exportScheduled && m.snapshot.Load() != nil {
			close(ch)
			return
		}
		m.waiters = append(m.waiters, ch)
	}) {
		return util.ErrNotReady
	}
	select {
	case <-ch:
		if m.closing.Load() {
			return util.ErrNotReady
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return util.ErrNotReady
	}
}

// ============================================================================
// Change notification
// ============================================================================

// publish builds and stores a snapshot, then notifies subscribers.
func (m *Model) publish() {
	snap := m.buildSnapshot()
	m.snapshot.Store(snap)

	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		// Latest wins: a slow subscriber sees only the newest snapshot.
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// Changes returns a channel receiving each newly published snapshot, and
// a function that cancels the subscription. The channel holds at most one
// snapshot; an unread one is replaced by a newer one.
func (m *Model) Changes() (<-chan *Snapshot, func()) {
	ch := make(chan *Snapshot, 1)
	m.subsMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subsMu.Unlock()

	return ch, func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
}

// Snapshot returns the latest published snapshot, or nil before the
// first pipeline run.
func (m *Model) Snapshot() *Snapshot {
	return m.snapshot.Load()
}
