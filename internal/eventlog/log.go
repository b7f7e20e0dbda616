// Package eventlog implements the per-session Event Log (§4.3): an
// append-only, dense, monotonically-ordered sequence of UniversalEvents
// with offset-based range reads and a subscribe-for-new-events stream.
package eventlog

import (
	"sync"

	"github.com/sandboxagent/agentd/internal/schema"
)

// Log is one session's Event Log. Appends come from a single logical
// producer (the session's driver-read -> converter -> append pipeline,
// §9's "per-session FIFO"), so Append itself needs only enough locking to
// stay safe against concurrent Range/Subscribe readers.
type Log struct {
	mu          sync.Mutex
	sessionID   schema.SessionID
	events      []schema.UniversalEvent
	nextID      int64
	retention   int
	evictedThru int64 // highest id ever evicted; offsets below this are expired
	subs        map[int]*subscriber
	nextSubID   int
	bufferSize  int
}

type subscriber struct {
	ch     chan schema.UniversalEvent
	closed bool
}

// New creates an empty Log for sessionID. retention bounds how many events
// are kept before the oldest are evicted (Open Question (c)); bufferSize is
// the per-subscriber channel capacity before backpressure drops that
// subscriber (§4.3, §5 "backpressure drops subscriber not producer").
func New(sessionID schema.SessionID, retention, bufferSize int) *Log {
	return &Log{
		sessionID:  sessionID,
		nextID:     1,
		retention:  retention,
		bufferSize: bufferSize,
		subs:       make(map[int]*subscriber),
	}
}

// Append assigns the next monotonic id to data, stores the resulting event,
// and fans it out to every live subscriber. Fan-out never blocks the
// producer: a subscriber whose buffer is full is dropped, not the event.
func (l *Log) Append(data schema.EventData) schema.UniversalEvent {
	l.mu.Lock()
	event := schema.NewEvent(l.nextID, l.sessionID, data)
	l.nextID++
	l.events = append(l.events, event)
	l.evict()

	// Snapshot subscriber channels while holding the lock, send after
	// releasing it so a slow subscriber can't stall the next Append.
	chans := make([]*subscriber, 0, len(l.subs))
	for _, s := range l.subs {
		chans = append(chans, s)
	}
	l.mu.Unlock()

	for _, s := range chans {
		select {
		case s.ch <- event:
		default:
			l.dropSubscriber(s)
		}
	}

	return event
}

func (l *Log) evict() {
	if l.retention <= 0 || len(l.events) <= l.retention {
		return
	}
	overflow := len(l.events) - l.retention
	l.evictedThru = l.events[overflow-1].ID
	l.events = l.events[overflow:]
}

func (l *Log) dropSubscriber(target *subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, s := range l.subs {
		if s == target {
			close(s.ch)
			s.closed = true
			delete(l.subs, id)
			return
		}
	}
}

// Range returns events with id > offset, up to limit (0 means no limit),
// and whether more events exist beyond what was returned (§6 GET events).
// An offset within the retained window but already fully consumed returns
// an empty, non-error result; an offset below the retained window (data
// evicted) returns ErrorStream{offset_expired} per §4.3/§8.
func (l *Log) Range(offset int64, limit int) ([]schema.UniversalEvent, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if offset < l.evictedThru {
		return nil, false, schema.NewAgentError(schema.ErrorStream, "requested offset has been evicted from the retention window").
			WithContext("offsetExpired", true).
			WithContext("oldestAvailableOffset", l.oldestOffsetLocked())
	}

	start := 0
	for start < len(l.events) && l.events[start].ID <= offset {
		start++
	}

	remaining := l.events[start:]
	if limit <= 0 || limit >= len(remaining) {
		out := make([]schema.UniversalEvent, len(remaining))
		copy(out, remaining)
		return out, false, nil
	}

	out := make([]schema.UniversalEvent, limit)
	copy(out, remaining[:limit])
	return out, true, nil
}

func (l *Log) oldestOffsetLocked() int64 {
	if len(l.events) == 0 {
		return l.evictedThru
	}
	return l.events[0].ID - 1
}

// Subscribe returns a channel of events with id > offset: first the
// existing backlog (if any, honoring the same retention-window rule as
// Range), then every newly appended event until ctx-equivalent Unsubscribe
// is called or the subscriber is dropped for falling behind.
func (l *Log) Subscribe(offset int64) (<-chan schema.UniversalEvent, func(), error) {
	l.mu.Lock()
	if offset < l.evictedThru {
		l.mu.Unlock()
		return nil, nil, schema.NewAgentError(schema.ErrorStream, "requested offset has been evicted from the retention window").
			WithContext("offsetExpired", true)
	}

	start := 0
	for start < len(l.events) && l.events[start].ID <= offset {
		start++
	}
	backlog := make([]schema.UniversalEvent, len(l.events)-start)
	copy(backlog, l.events[start:])

	id := l.nextSubID
	l.nextSubID++
	sub := &subscriber{ch: make(chan schema.UniversalEvent, l.bufferSize)}
	l.subs[id] = sub
	l.mu.Unlock()

	out := make(chan schema.UniversalEvent, l.bufferSize)
	go func() {
		defer close(out)
		for _, e := range backlog {
			out <- e
		}
		for e := range sub.ch {
			out <- e
		}
	}()

	unsubscribe := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if s, ok := l.subs[id]; ok && !s.closed {
			close(s.ch)
			s.closed = true
			delete(l.subs, id)
		}
	}

	return out, unsubscribe, nil
}

// Len returns the number of currently retained events (test/diagnostic use).
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
