// Copyright 2026 IoTReady s.r.l.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package iotready

import (
	"strings"

	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// EventType selects the event namespace on the wire.
type EventType uint8

const (
	// EventTypePrivate publishes under the device owner's namespace.
	EventTypePrivate EventType = iota
	// EventTypePublic publishes to the public firehose.
	EventTypePublic
)

// PublishFlags override the transport's default confirmability: UDP events
// are confirmable unless NoAck, TCP events are non-confirmable unless
// WithAck.
type PublishFlags uint8

const (
	PublishWithAck PublishFlags = 1 << iota
	PublishNoAck
)

// Publish sends a private event and reports completion via the
// publishCompleted signal when the event is confirmable.
func (c *Cloud) Publish(name string, data []byte) error {
	return c.PublishEvent(name, data, EventTypePrivate, 0)
}

// PublishEvent sends an event with explicit type and flags.
func (c *Cloud) PublishEvent(name string, data []byte, et EventType, flags PublishFlags) error {
	return c.publishInternal(name, data, et, flags&PublishWithAck != 0 || flags&PublishNoAck == 0 && !c.cfg.ForceTCP)
}

func (c *Cloud) publishInternal(name string, data []byte, et EventType, confirmable bool) error {
	if c.currentState() != StateConnected {
		return ErrDisconnected
	}
	segment := uriPublicEvent
	if et == EventTypePrivate {
		segment = uriPrivateEvent
	}
	segs := append([]string{segment}, splitEventName(name)...)
	msgID := c.mux.nextMessageID()
	pkt := newRequest(codes.POST, confirmable, msgID, newToken(), pathOptions(segs...), data)

	reserved := isReservedEvent(name)
	if !reserved {
		c.bus.emit(Event{Kind: EventPublish, Name: name, Data: data})
	}

	if !confirmable {
		if err := c.writePacket(pkt); err != nil {
			metricPublishes.WithLabelValues("error").Inc()
			return err
		}
		metricPublishes.WithLabelValues("sent").Inc()
		return nil
	}

	go func() {
		err := c.sendConfirmable(pkt)
		if err != nil {
			metricPublishes.WithLabelValues("error").Inc()
		} else {
			metricPublishes.WithLabelValues("acked").Inc()
		}
		if !reserved {
			c.bus.emit(Event{Kind: EventPublishCompleted, Name: name, OK: err == nil, Err: err})
		}
	}()
	return nil
}

// Subscribe registers a handler for cloud events whose name starts with
// the given prefix and, when connected, announces the subscription to the
// cloud. Returns false when the registry is full or the name is invalid.
func (c *Cloud) Subscribe(name string, handler SubscriptionHandler, scope ...SubscriptionScope) bool {
	s := subscription{name: name, handler: handler, scope: ScopeAllDevices}
	if len(scope) > 0 {
		s.scope = scope[0]
	}
	if !c.reg.addSubscription(s) {
		return false
	}
	if c.Connected() {
		go func() {
			if err := c.sendSubscribe(s.name, s.scope); err != nil {
				c.sessionLog().WithError(err).WithField("event", s.name).Warn("subscribe failed")
			}
		}()
	}
	return true
}

// Unsubscribe drops a local subscription. The cloud side lapses with the
// session.
func (c *Cloud) Unsubscribe(name string) {
	c.reg.removeSubscription(name)
}

// sendSubscribe announces one subscription: a confirmable GET on e/{name},
// with Uri-Query "u" narrowing it to the owner's devices.
func (c *Cloud) sendSubscribe(name string, scope SubscriptionScope) error {
	segs := append([]string{uriPublicEvent}, splitEventName(name)...)
	opts := pathOptions(segs...)
	if scope == ScopeMyDevices {
		opts = queryOptions(opts, []byte("u"))
	}
	msgID := c.mux.nextMessageID()
	pkt := newRequest(codes.GET, true, msgID, newToken(), opts, nil)
	if err := c.sendConfirmable(pkt); err != nil {
		return err
	}
	c.bus.emit(Event{Kind: EventSubscribe, Name: name})
	return nil
}

func splitEventName(name string) []string {
	var segs []string
	for _, s := range strings.Split(name, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}
