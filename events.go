package iotready

import (
	"strings"
	"sync"
	"time"
)

// Reserved event-name prefixes. Events under these prefixes are control
// traffic: they are sent to the cloud but never echoed to the user bus.
var reservedPrefixes = []string{"iotready", "trackle"}

func isReservedEvent(name string) bool {
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// EventKind names a signal emitted to the surrounding application.
type EventKind string

const (
	EventConnect               EventKind = "connect"
	EventConnected             EventKind = "connected"
	EventDisconnect            EventKind = "disconnect"
	EventReconnect             EventKind = "reconnect"
	EventConnectionError       EventKind = "connectionError"
	EventError                 EventKind = "error"
	EventPublish               EventKind = "publish"
	EventPublishCompleted      EventKind = "publishCompleted"
	EventSubscribe             EventKind = "subscribe"
	EventTime                  EventKind = "time"
	EventSignal                EventKind = "signal"
	EventDFU                   EventKind = "dfu"
	EventSafeMode              EventKind = "safemode"
	EventReboot                EventKind = "reboot"
	EventFirmwareUpdateForced  EventKind = "firmwareUpdateForced"
	EventFirmwareUpdatePending EventKind = "firmwareUpdatePending"
	EventFileReceived          EventKind = "fileReceived"
	EventFileSent              EventKind = "fileSent"
	EventOTAReceived           EventKind = "otaReceived"
)

// Event is a typed signal from the client to the application. Which fields
// are set depends on Kind: Name/Data for publish and file signals, Err for
// error kinds, OK for boolean signals, Time for time sync.
type Event struct {
	Kind EventKind
	Name string
	Data []byte
	Err  error
	OK   bool
	Time time.Time
}

// EventHandler observes internal signals. Handlers run synchronously on the
// emitting goroutine and must not block.
type EventHandler func(Event)

// bus fans internal signals out to registered handlers. This is the explicit
// dispatch-table replacement for the dynamic emitter the protocol grew up
// with.
type bus struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

func (b *bus) subscribe(h EventHandler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

func (b *bus) emit(ev Event) {
	b.mu.RLock()
	hs := make([]EventHandler, len(b.handlers))
	copy(hs, b.handlers)
	b.mu.RUnlock()
	for _, h := range hs {
		h(ev)
	}
}

// dispatchCloudEvent delivers a cloud event to every subscription whose
// registered name is a prefix of the incoming name, exactly once each.
func dispatchCloudEvent(subs []subscription, name string, data []byte) int {
	n := 0
	for _, s := range subs {
		if strings.HasPrefix(name, s.name) {
			s.handler(name, data)
			n++
		}
	}
	return n
}
