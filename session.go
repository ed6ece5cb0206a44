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
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math/rand"
	"strconv"
	"time"

	"github.com/plgd-dev/go-coap/v2/message/codes"
	coapudp "github.com/plgd-dev/go-coap/v2/udp/message"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

const (
	reconnectDelay          = 5 * time.Second
	helloResponseTimeout    = 2 * time.Second
	subscriptionReplayPause = 50 * time.Millisecond
)

// Hello flag bits.
const (
	helloFlagOTAUpgradeSuccessful = 0x01
	helloFlagDiagnosticsSupport   = 0x02
	helloFlagImmediateUpdates     = 0x04
)

// run is the session loop: dial, handshake, serve, and on failure wait out
// the backoff and go again, until a user disconnect latches it off.
func (c *Cloud) run() {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	for {
		if c.isLatched() {
			return
		}
		c.setState(StateConnecting)
		c.bus.emit(Event{Kind: EventConnect})

		sessLog := c.log.WithField("session", xid.New().String())
		err := c.serveSession(sessLog)
		c.teardown()
		if c.isLatched() {
			c.setState(StateDisconnected)
			return
		}

		sessLog.WithError(err).Warn("session ended, reconnecting")
		c.bus.emit(Event{Kind: EventConnectionError, Err: err})
		metricReconnects.Inc()
		c.setState(StateReconnecting)
		c.bus.emit(Event{Kind: EventReconnect})
		time.Sleep(reconnectDelay)
	}
}

// serveSession establishes one session and pumps it until a fatal error.
func (c *Cloud) serveSession(sessLog *logrus.Entry) error {
	c.mu.Lock()
	addr := c.addr
	forceTCP := c.cfg.ForceTCP
	devKey := c.devKey
	serverKey := c.serverKey
	deviceID := c.deviceID
	keepalive := c.keepalive
	c.mu.Unlock()

	c.setState(StateHandshaking)
	var (
		tr  transport
		err error
	)
	if forceTCP {
		tr, err = dialTCP(addr, deviceID[:], devKey.rsa, serverKey.rsa)
	} else {
		tr, err = dialDTLS(context.Background(), addr, devKey.ec, serverKey.ec, sessLog)
	}
	if err != nil {
		return err
	}

	c.mux.revive()
	if id, ok := tr.initialMessageID(); ok {
		c.mux.seed(id)
	} else {
		c.mux.seed(uint16(rand.Intn(1 << 16)))
	}

	c.mu.Lock()
	c.tr = tr
	c.sessLog = sessLog
	done := make(chan struct{})
	c.sessDone = done
	c.mu.Unlock()

	if err := c.sendHello(forceTCP); err != nil {
		return err
	}

	c.setState(StateConnected)
	c.bus.emit(Event{Kind: EventConnected})
	sessLog.Info("session established")

	go c.keepaliveLoop(keepalive, done)
	go c.postConnect(done)

	// the read loop owns the socket until the session dies
	for {
		frame, err := tr.ReadFrame()
		if err != nil {
			return err
		}
		msg, err := parsePacket(frame)
		if err != nil {
			sessLog.WithError(err).Warn("dropping undecodable frame")
			continue
		}
		c.route(msg)
	}
}

// sendHello advertises the device identity. On TCP a 2-second timer is
// armed; if neither the hello ack nor a server Hello arrives in time, the
// session is dropped. The session enters Connected as soon as the hello is
// on the wire.
func (c *Cloud) sendHello(forceTCP bool) error {
	msgID := c.mux.nextMessageID()
	hello := newRequest(codes.POST, true, msgID, newToken(), pathOptions(uriHello), c.helloPayload())

	if forceTCP {
		timer := time.AfterFunc(helloResponseTimeout, func() {
			c.sessionLog().Warn("no hello response, dropping session")
			c.dropSession()
		})
		c.mu.Lock()
		c.helloTimer = timer
		c.mu.Unlock()
	}

	w := c.mux.listenFor(kindComplete, nil, &msgID)
	c.mux.noteAttempt(msgID)
	if err := c.writePacket(hello); err != nil {
		c.mux.cancel(w)
		c.mux.clearAttempts(msgID)
		return err
	}
	go func() {
		defer c.mux.clearAttempts(msgID)
		c.mu.Lock()
		keepalive := c.keepalive
		c.mu.Unlock()
		if _, err := c.mux.await(w, keepalive*2); err == nil {
			c.cancelHelloTimer()
		}
	}()
	return nil
}

// cancelHelloTimer is called on the hello ack or on an inbound server
// Hello.
func (c *Cloud) cancelHelloTimer() {
	c.mu.Lock()
	timer := c.helloTimer
	c.helloTimer = nil
	c.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

// helloPayload is productId || firmwareVersion || 0x00 || flags ||
// platformId || deviceIdLen || deviceId, all big-endian.
func (c *Cloud) helloPayload() []byte {
	c.mu.Lock()
	p := c.product
	id := c.deviceID
	c.mu.Unlock()

	var flags uint8
	flags |= helloFlagDiagnosticsSupport
	flags |= helloFlagImmediateUpdates
	// OTA-upgrade-successful is never persisted, the bit stays 0

	buf := make([]byte, 10+len(id))
	binary.BigEndian.PutUint16(buf[0:2], p.ProductID)
	binary.BigEndian.PutUint16(buf[2:4], p.FirmwareVersion)
	buf[4] = 0
	buf[5] = flags
	binary.BigEndian.PutUint16(buf[6:8], p.PlatformID)
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(id)))
	copy(buf[10:], id[:])
	return buf
}

// postConnect runs the connected-state choreography: replay subscriptions
// with pacing, sync time, publish the claim code once, then announce the
// updates flags.
func (c *Cloud) postConnect(done chan struct{}) {
	for _, s := range c.reg.subscriptions() {
		select {
		case <-done:
			return
		default:
		}
		if err := c.sendSubscribe(s.name, s.scope); err != nil {
			c.sessionLog().WithError(err).WithField("event", s.name).Warn("subscription replay failed")
		}
		time.Sleep(subscriptionReplayPause)
	}

	c.requestTime()

	c.mu.Lock()
	claim := c.claimCode
	c.claimCode = ""
	c.mu.Unlock()
	if claim != "" {
		if err := c.publishInternal(eventClaimCode, []byte(claim), EventTypePrivate, !c.cfg.ForceTCP); err != nil {
			c.sessionLog().WithError(err).Warn("claim code publish failed")
		}
	}

	c.publishUpdatesState()
}

// publishUpdatesState announces the current updates-enabled and
// updates-forced flags as reserved events.
func (c *Cloud) publishUpdatesState() {
	c.mu.Lock()
	enabled := c.updatesEnabled
	forced := c.updatesForced
	c.mu.Unlock()
	confirmable := !c.cfg.ForceTCP
	if err := c.publishInternal(eventUpdatesEnabled, []byte(strconv.FormatBool(enabled)), EventTypePrivate, confirmable); err != nil {
		c.sessionLog().WithError(err).Warn("updates state publish failed")
	}
	if err := c.publishInternal(eventUpdatesForced, []byte(strconv.FormatBool(forced)), EventTypePrivate, confirmable); err != nil {
		c.sessionLog().WithError(err).Warn("updates state publish failed")
	}
}

// requestTime issues a GetTime and remembers the token; the answer comes
// back as a 2.05 ack handled in route.
func (c *Cloud) requestTime() {
	token := newToken()
	c.mu.Lock()
	c.pendingTime = &waiterToken{token: token}
	c.mu.Unlock()
	msgID := c.mux.nextMessageID()
	req := newRequest(codes.GET, true, msgID, token, pathOptions(uriGetTime), nil)
	if err := c.sendConfirmable(req); err != nil {
		c.sessionLog().WithError(err).Warn("time sync failed")
	}
}

// keepaliveLoop pings the cloud with an empty confirmable message every
// keepalive period. A ping that exhausts its retransmissions tears the
// session down from inside sendConfirmable.
func (c *Cloud) keepaliveLoop(keepalive time.Duration, done chan struct{}) {
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			msgID := c.mux.nextMessageID()
			ping := &coapudp.Message{
				Code:      codes.Empty,
				MessageID: msgID,
				Type:      coapudp.Confirmable,
			}
			if err := c.sendConfirmable(ping); err != nil {
				c.sessionLog().WithError(err).Warn("keepalive failed")
				return
			}
		}
	}
}

// route classifies one inbound packet: acks resolve waiters, empty
// confirmables are CoAP pings, everything else goes to the dispatcher.
func (c *Cloud) route(msg *coapudp.Message) {
	switch msg.Type {
	case coapudp.Acknowledgement:
		if msg.Code == codes.Empty {
			c.mux.dispatch(kindAck, msg)
		}
		if msg.Code == codes.Changed {
			c.mux.dispatch(kindUpdateReady, msg)
		}
		c.mux.dispatch(kindComplete, msg)
		if msg.Code == codes.Content && len(msg.Payload) > 0 {
			c.maybeTimeResponse(msg)
		}
	case coapudp.Reset:
		c.sessionLog().WithField("mid", msg.MessageID).Debug("peer reset")
	default:
		if msg.Code == codes.Empty && msg.Type == coapudp.Confirmable {
			// CoAP ping
			if err := c.writePacket(emptyAck(msg.MessageID)); err != nil {
				c.sessionLog().WithError(err).Warn("ping ack failed")
			}
			return
		}
		c.handleRequest(msg)
	}
}

// maybeTimeResponse resolves a pending GetTime: the payload is the epoch in
// seconds, read as a hex-encoded big-endian integer.
func (c *Cloud) maybeTimeResponse(msg *coapudp.Message) {
	c.mu.Lock()
	pending := c.pendingTime
	c.mu.Unlock()
	if pending == nil || !bytes.Equal(pending.token, msg.Token) {
		return
	}
	c.mu.Lock()
	c.pendingTime = nil
	c.mu.Unlock()

	epoch, err := strconv.ParseUint(hex.EncodeToString(msg.Payload), 16, 64)
	if err != nil {
		c.emitError(&ProtocolError{Msg: "unparseable time payload"})
		return
	}
	c.bus.emit(Event{Kind: EventTime, Time: time.Unix(int64(epoch), 0)})
}

// sendConfirmable writes a confirmable packet and drives its retransmission
// table entry: up to 3 attempts with 4s/8s/16s timeouts, then the session
// is declared broken.
func (c *Cloud) sendConfirmable(m *coapudp.Message) error {
	id := m.MessageID
	defer c.mux.clearAttempts(id)
	for {
		attempt := c.mux.noteAttempt(id)
		w := c.mux.listenFor(kindComplete, nil, &id)
		if err := c.writePacket(m); err != nil {
			c.mux.cancel(w)
			if attempt == 1 {
				// the id never made it onto the wire
				c.mux.rollbackIf(id)
			}
			return err
		}
		if attempt > 1 {
			metricRetransmits.Inc()
		}
		_, err := c.mux.await(w, retransmitTimeout(attempt))
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrTimeout) {
			return err
		}
		if c.currentState() != StateConnected && c.currentState() != StateHandshaking {
			return ErrDisconnected
		}
		if attempt >= maxSendAttempts {
			c.sessionLog().WithField("mid", id).Warn("confirmable exhausted, dropping session")
			c.dropSession()
			return ErrRetransmitExhausted
		}
	}
}

// writePacket marshals and sends one frame on the current transport.
func (c *Cloud) writePacket(m *coapudp.Message) error {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return ErrDisconnected
	}
	frame, err := m.Marshal()
	if err != nil {
		return err
	}
	return tr.WriteFrame(frame)
}

// dropSession closes the socket so the read loop observes the failure and
// the run loop reconnects.
func (c *Cloud) dropSession() {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr != nil {
		_ = tr.Close()
	}
}

// teardown releases everything owned by the dead session: socket, cipher
// streams, timers, waiters and any in-flight transfer.
func (c *Cloud) teardown() {
	c.mu.Lock()
	tr := c.tr
	c.tr = nil
	done := c.sessDone
	c.sessDone = nil
	timer := c.helloTimer
	c.helloTimer = nil
	c.pendingTime = nil
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if done != nil {
		close(done)
	}
	if tr != nil {
		_ = tr.Close()
	}
	c.mux.shutdown()
	c.ota.reset()
}

func (c *Cloud) sessionLog() *logrus.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessLog != nil {
		return c.sessLog
	}
	return c.log
}

func (c *Cloud) emitError(err error) {
	c.bus.emit(Event{Kind: EventError, Err: err})
}
