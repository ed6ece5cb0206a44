package iotready

import (
	"errors"
	"testing"
	"time"

	coapudp "github.com/plgd-dev/go-coap/v2/udp/message"
	"github.com/sirupsen/logrus"
)

// fakeTransport is an in-memory transport: tests feed frames into in and
// observe what the client writes on out.
type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	seed   uint16
	seeded bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadFrame() ([]byte, error) {
	select {
	case frame := <-f.in:
		return frame, nil
	case <-f.closed:
		return nil, errors.New("transport closed")
	}
}

func (f *fakeTransport) WriteFrame(frame []byte) error {
	select {
	case f.out <- frame:
		return nil
	case <-f.closed:
		return errors.New("transport closed")
	}
}

func (f *fakeTransport) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeTransport) initialMessageID() (uint16, bool) { return f.seed, f.seeded }

// newTestCloud wires a connected client onto a fake transport, skipping
// Begin and the dial path.
func newTestCloud(t *testing.T, cfg Config) (*Cloud, *fakeTransport) {
	t.Helper()
	c := New(cfg)
	ft := newFakeTransport()
	c.mux.revive()
	c.mux.seed(100)
	c.mu.Lock()
	c.tr = ft
	c.state = StateConnected
	c.keepalive = 200 * time.Millisecond
	c.sessLog = logrus.WithField("component", "test")
	c.mu.Unlock()
	return c, ft
}

// nextWritten parses the next frame the client wrote, failing the test if
// nothing shows up in time.
func nextWritten(t *testing.T, ft *fakeTransport, timeout time.Duration) *coapudp.Message {
	t.Helper()
	select {
	case frame := <-ft.out:
		msg, err := parsePacket(frame)
		if err != nil {
			t.Fatalf("client wrote an undecodable frame: %v", err)
		}
		return msg
	case <-time.After(timeout):
		t.Fatalf("client wrote nothing within %v", timeout)
		return nil
	}
}

func noWrite(t *testing.T, ft *fakeTransport, wait time.Duration) {
	t.Helper()
	select {
	case frame := <-ft.out:
		msg, _ := parsePacket(frame)
		t.Fatalf("unexpected write: %v", packetName(msg))
	case <-time.After(wait):
	}
}

// collectEvents registers a bus listener recording every emitted kind.
func collectEvents(c *Cloud) *eventRecorder {
	r := &eventRecorder{ch: make(chan Event, 64)}
	c.OnEvent(func(ev Event) { r.ch <- ev })
	return r
}

type eventRecorder struct {
	ch chan Event
}

func (r *eventRecorder) waitFor(t *testing.T, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-r.ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within %v", kind, timeout)
			return Event{}
		}
	}
}

func (r *eventRecorder) expectNone(t *testing.T, kind EventKind, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case ev := <-r.ch:
			if ev.Kind == kind {
				t.Fatalf("unexpected %s event", kind)
			}
		case <-deadline:
			return
		}
	}
}
