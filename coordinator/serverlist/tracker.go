package serverlist

// ServerChangeEvent describes a membership transition delivered to local
// subscribers.
type ServerChangeEvent int

const (
	ServerAdded ServerChangeEvent = iota
	ServerCrashed
	ServerRemoved
)

func (e ServerChangeEvent) String() string {
	switch e {
	case ServerAdded:
		return "ADDED"
	case ServerCrashed:
		return "CRASHED"
	case ServerRemoved:
		return "REMOVED"
	}
	return "UNKNOWN"
}

// ServerTracker receives membership changes from the List in the same
// order they are published to the cluster. Both methods are invoked while
// the List's lock is held, so implementations must not call back into the
// List.
type ServerTracker interface {
	EnqueueChange(entry Entry, event ServerChangeEvent)
	FireCallback()
}

// RegisterTracker subscribes a tracker to future membership changes.
func (l *List) RegisterTracker(tracker ServerTracker) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.trackers = append(l.trackers, tracker)
}

// UnregisterTracker removes a previously registered tracker.
func (l *List) UnregisterTracker(tracker ServerTracker) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, t := range l.trackers {
		if t == tracker {
			l.trackers = append(l.trackers[:i], l.trackers[i+1:]...)
			return
		}
	}
}

func (l *List) notifyTrackersLocked(entry Entry, event ServerChangeEvent) {
	for _, tracker := range l.trackers {
		tracker.EnqueueChange(entry, event)
	}
	for _, tracker := range l.trackers {
		tracker.FireCallback()
	}
}
