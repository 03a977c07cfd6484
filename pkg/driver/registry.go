package driver

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type entryState int

const (
	entryRegistered entryState = iota
	entryTerminating
)

type entry struct {
	h     Handle
	state entryState
}

// Registry maps execution ids to live processes so they can be stopped from
// outside the streaming path. The lock only guards the map; termination
// waits happen outside it.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	grace   time.Duration
	log     *zap.SugaredLogger
}

// NewRegistry returns an empty registry whose Stop uses grace between
// SIGTERM and SIGKILL.
func NewRegistry(logger *zap.Logger, grace time.Duration) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if grace <= 0 {
		grace = defaultTerminationGrace
	}
	return &Registry{
		entries: make(map[string]*entry),
		grace:   grace,
		log:     logger.Sugar().Named("registry"),
	}
}

// Register stores h under id. An existing entry is replaced and returned;
// the replaced process keeps running.
func (r *Registry) Register(id string, h Handle) Handle {
	r.mu.Lock()
	prev, ok := r.entries[id]
	r.entries[id] = &entry{h: h}
	r.mu.Unlock()

	if ok {
		r.log.Warnw("registry.replaced", "exec_id", id, "old_pid", prev.h.Pid(), "pid", h.Pid())
		return prev.h
	}
	r.log.Infow("registry.register", "exec_id", id, "pid", h.Pid())
	return nil
}

// TryRegister stores h only if id is free.
func (r *Registry) TryRegister(id string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return false
	}
	r.entries[id] = &entry{h: h}
	r.log.Infow("registry.register", "exec_id", id, "pid", h.Pid())
	return true
}

// Unregister removes id. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if ok {
		r.log.Infow("registry.unregister", "exec_id", id)
	}
}

// unregisterHandle removes id only while it still maps to h, so a finished
// execution cannot evict a newer one that reused its id.
func (r *Registry) unregisterHandle(id string, h Handle) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok && e.h == h {
		delete(r.entries, id)
	}
	r.mu.Unlock()
}

// Lookup returns the handle registered under id.
func (r *Registry) Lookup(id string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.h, true
}

// Len is the number of registered executions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IDs lists registered execution ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Stop terminates the execution registered under id with the two-phase
// protocol and removes it. found is false when id is unknown; err is non-nil
// only if the process could not be confirmed gone.
func (r *Registry) Stop(id string) (found bool, err error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	var again bool
	if ok {
		again = e.state == entryTerminating
		e.state = entryTerminating
	}
	r.mu.Unlock()

	if !ok {
		r.log.Warnw("registry.stop_unknown", "exec_id", id)
		return false, nil
	}
	if again {
		r.log.Debugw("registry.stop_in_progress", "exec_id", id)
	}

	err = e.h.Terminate(r.grace)

	r.mu.Lock()
	if cur, ok := r.entries[id]; ok && cur == e {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if err != nil {
		r.log.Errorw("registry.stop_failed", "exec_id", id, "error", err)
		return true, err
	}
	r.log.Infow("registry.stop", "exec_id", id)
	return true, nil
}

// StopAll kills every registered process without a grace period and empties
// the registry. Meant for process-wide shutdown only; failures are logged.
func (r *Registry) StopAll() {
	r.mu.Lock()
	victims := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	if len(victims) == 0 {
		return
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for id, e := range victims {
		wg.Add(1)
		go func(id string, h Handle) {
			defer wg.Done()
			if err := h.Kill(); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
				return
			}
			r.log.Infow("registry.killed", "exec_id", id)
		}(id, e.h)
	}
	wg.Wait()

	if errs != nil {
		r.log.Errorw("registry.stop_all_errors", "count", len(multierr.Errors(errs)), "error", errs)
	}
	r.log.Infow("registry.stop_all", "count", len(victims))
}
