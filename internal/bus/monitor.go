package bus

import "slices"

// RegisterMonitor arranges for fn to run after membership changes. Changes
// within one scheduling turn coalesce into a single call. The returned func
// unregisters fn.
func (r *Registry) RegisterMonitor(fn func()) (unregister func()) {
	if fn == nil {
		return func() {}
	}
	r.mu.Lock()
	id := r.nextMonitor
	r.nextMonitor++
	r.monitors[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.monitors, id)
		r.mu.Unlock()
	}
}

// ForceNotify schedules a monitor notification without a membership change.
func (r *Registry) ForceNotify() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifyLocked()
}

func (r *Registry) notifyLocked() {
	if r.notifyPending {
		return
	}
	r.notifyPending = true
	r.exec.Schedule(r.fireMonitors)
}

func (r *Registry) fireMonitors() {
	r.mu.Lock()
	r.notifyPending = false
	ids := make([]uint64, 0, len(r.monitors))
	for id := range r.monitors {
		ids = append(ids, id)
	}
	fns := make([]func(), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, r.monitors[id])
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
