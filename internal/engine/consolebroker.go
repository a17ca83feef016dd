package engine

import "sync"

// subscriberBufferSize is the channel buffer for each console subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// ConsoleBroker fans serial console output out to per-session subscribers.
// It is safe for concurrent use.
//
// Closed streams are retained as markers so that late subscribers (those
// subscribing after a session stops) receive a closed channel instead of
// blocking forever. Each marker is a few bytes, which is acceptable for the
// expected session volume.
type ConsoleBroker struct {
	mu      sync.Mutex
	streams map[string]*consoleStream
}

type consoleStream struct {
	subs   map[int]chan string
	nextID int
	closed bool
}

// NewConsoleBroker creates a new console broker.
func NewConsoleBroker() *ConsoleBroker {
	return &ConsoleBroker{
		streams: make(map[string]*consoleStream),
	}
}

// Subscribe returns a channel that receives console lines for the given
// session and an unsubscribe function. If the session has already stopped
// (Close was called), the returned channel is immediately closed.
func (b *ConsoleBroker) Subscribe(sessionID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[sessionID]
	if !ok {
		st = &consoleStream{subs: make(map[int]chan string)}
		b.streams[sessionID] = st
	}

	ch := make(chan string, subscriberBufferSize)
	if st.closed {
		close(ch)
		return ch, func() {}
	}

	id := st.nextID
	st.nextID++
	st.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(st.subs, id)
	}
}

// Publish sends a console line to all subscribers of the given session.
// Lines are dropped for subscribers whose buffers are full.
func (b *ConsoleBroker) Publish(sessionID string, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[sessionID]
	if !ok || st.closed {
		return
	}

	for _, ch := range st.subs {
		select {
		case ch <- line:
		default:
			// Drop line for slow subscribers to avoid blocking the reader.
		}
	}
}

// Close signals that no more console output will be published for the given
// session. All subscriber channels are closed and future Subscribe calls
// return a closed channel.
func (b *ConsoleBroker) Close(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[sessionID]
	if !ok {
		// Create a closed marker so late subscribers get a closed channel.
		b.streams[sessionID] = &consoleStream{subs: make(map[int]chan string), closed: true}
		return
	}

	st.closed = true
	for id, ch := range st.subs {
		close(ch)
		delete(st.subs, id)
	}
}
