package iotready

import (
	"bytes"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	coapudp "github.com/plgd-dev/go-coap/v2/udp/message"
)

const (
	maxSendAttempts = 3
	baseAckTimeout  = 4 * time.Second
)

// matchKind is the internal signal a waiter listens for. ACK is an empty
// ack; COMPLETE is any ack (it subsumes ACK); UpdateReady is a 2.04
// response correlated by token during an outbound transfer.
type matchKind uint8

const (
	kindAck matchKind = iota
	kindComplete
	kindUpdateReady
)

type waitResult struct {
	msg *coapudp.Message
	err error
}

type waiter struct {
	kind  matchKind
	token message.Token
	msgID *uint16
	ch    chan waitResult
}

// mux owns the message-id counter, the retransmission table and the waiter
// set. Responses are correlated to waiters by (kind, token, message-id); a
// message-id match additionally requires a success-class response code.
type mux struct {
	mu       sync.Mutex
	lastID   uint16
	attempts map[uint16]int
	waiters  map[*waiter]struct{}
	dead     bool
}

func newMux() *mux {
	return &mux{
		attempts: make(map[uint16]int),
		waiters:  make(map[*waiter]struct{}),
	}
}

// seed positions the counter so the next id handed out is v. The TCP
// handshake dictates the first id; UDP sessions seed randomly.
func (m *mux) seed(v uint16) {
	m.mu.Lock()
	m.lastID = v - 1
	m.mu.Unlock()
}

// nextMessageID increments before use and wraps at 65536.
func (m *mux) nextMessageID() uint16 {
	m.mu.Lock()
	m.lastID++
	id := m.lastID
	m.mu.Unlock()
	return id
}

// rollbackIf returns a speculatively consumed id to the counter, but only
// while it is still the most recently handed out one.
func (m *mux) rollbackIf(id uint16) {
	m.mu.Lock()
	if m.lastID == id {
		m.lastID--
	}
	m.mu.Unlock()
}

// noteAttempt bumps the retransmission counter for id and returns the new
// attempt number (1-based).
func (m *mux) noteAttempt(id uint16) int {
	m.mu.Lock()
	m.attempts[id]++
	n := m.attempts[id]
	m.mu.Unlock()
	return n
}

func (m *mux) attemptCount(id uint16) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[id]
}

func (m *mux) clearAttempts(id uint16) {
	m.mu.Lock()
	delete(m.attempts, id)
	m.mu.Unlock()
}

// listenFor registers a single-shot waiter. The returned channel receives
// exactly one result: the matching packet, or ErrDisconnected when the
// session dies. Cancellation is the caller's job via cancel().
func (m *mux) listenFor(kind matchKind, token message.Token, msgID *uint16) *waiter {
	w := &waiter{kind: kind, token: token, msgID: msgID, ch: make(chan waitResult, 1)}
	m.mu.Lock()
	if m.dead {
		m.mu.Unlock()
		w.ch <- waitResult{err: ErrDisconnected}
		return w
	}
	m.waiters[w] = struct{}{}
	m.mu.Unlock()
	return w
}

func (m *mux) cancel(w *waiter) {
	m.mu.Lock()
	delete(m.waiters, w)
	m.mu.Unlock()
}

// dispatch fans an inbound packet out to the waiters matching the given
// kind. Each match resolves (and removes) the waiter. Returns how many
// waiters resolved.
func (m *mux) dispatch(kind matchKind, msg *coapudp.Message) int {
	m.mu.Lock()
	var matched []*waiter
	for w := range m.waiters {
		if w.kind != kind {
			continue
		}
		if len(w.token) > 0 && !bytes.Equal(w.token, msg.Token) {
			continue
		}
		if w.msgID != nil {
			if *w.msgID != msg.MessageID {
				continue
			}
			if msg.Code >= codes.BadRequest {
				continue
			}
		}
		matched = append(matched, w)
		delete(m.waiters, w)
	}
	m.mu.Unlock()
	for _, w := range matched {
		w.ch <- waitResult{msg: msg}
	}
	return len(matched)
}

// shutdown resolves every pending waiter with a disconnect and drops the
// retransmission table; a new session starts from a clean mux.
func (m *mux) shutdown() {
	m.mu.Lock()
	ws := make([]*waiter, 0, len(m.waiters))
	for w := range m.waiters {
		ws = append(ws, w)
	}
	m.waiters = make(map[*waiter]struct{})
	m.attempts = make(map[uint16]int)
	m.dead = true
	m.mu.Unlock()
	for _, w := range ws {
		w.ch <- waitResult{err: ErrDisconnected}
	}
}

func (m *mux) revive() {
	m.mu.Lock()
	m.dead = false
	m.mu.Unlock()
}

// await blocks on a waiter with a timeout, cleaning up the registration on
// the way out.
func (m *mux) await(w *waiter, timeout time.Duration) (*coapudp.Message, error) {
	select {
	case r := <-w.ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.msg, nil
	case <-time.After(timeout):
		m.cancel(w)
		// a concurrent dispatch may have resolved the waiter already
		select {
		case r := <-w.ch:
			if r.err != nil {
				return nil, r.err
			}
			return r.msg, nil
		default:
		}
		return nil, ErrTimeout
	}
}

// retransmitTimeout is 4s, 8s, 16s for attempts 1..3.
func retransmitTimeout(attempt int) time.Duration {
	return baseAckTimeout << (attempt - 1)
}
