package socket

import "sync"

// eventLog keeps the most recent demultiplexed events for diagnostics.
// Fixed capacity; once full, each add overwrites the oldest entry.
type eventLog struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

func newEventLog(capacity int) *eventLog {
	return &eventLog{buf: make([]Event, capacity)}
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.buf[l.next] = ev
	l.next++
	if l.next == len(l.buf) {
		l.next = 0
		l.full = true
	}
	l.mu.Unlock()
}

// snapshot returns the stored events, oldest first.
func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return append([]Event(nil), l.buf[:l.next]...)
	}
	out := make([]Event, 0, len(l.buf))
	out = append(out, l.buf[l.next:]...)
	out = append(out, l.buf[:l.next]...)
	return out
}
