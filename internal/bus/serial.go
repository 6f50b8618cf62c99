package bus

// SetSerial records a tie-break serial announced through source. A strictly
// smaller candidate becomes the winner with source as its path. It returns
// false only when candidate is already the winner but was learned through a
// different path (or is our own serial coming back), which means source
// closes a cycle.
func (r *Registry) SetSerial(source Listener, candidate string) bool {
	if candidate == "" {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case candidate < r.serial.current:
		r.serial.current = candidate
		r.serial.source = source
		r.notifyLocked()
		return true
	case candidate == r.serial.current:
		return r.serial.source != nil && r.serial.source == source
	default:
		return true
	}
}

// GetSerial returns the winning serial to announce to asking, or "" when
// asking is the path the winner was learned from.
func (r *Registry) GetSerial(asking Listener) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.serial.source != nil && r.serial.source == asking {
		return ""
	}
	return r.serial.current
}

// LocalSerial returns this registry's own serial.
func (r *Registry) LocalSerial() string {
	return r.serial.my
}

// ReleaseSerial forgets a winner learned through source, falling back to the
// local serial. Called when source disconnects or its peer restarts.
func (r *Registry) ReleaseSerial(source Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.releaseSerialLocked(source) {
		r.notifyLocked()
	}
}

func (r *Registry) releaseSerialLocked(source Listener) bool {
	if r.serial.source == nil || r.serial.source != source {
		return false
	}
	r.serial.current = r.serial.my
	r.serial.source = nil
	return true
}
