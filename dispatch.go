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
	"encoding/binary"
	"errors"
	"strings"

	"github.com/plgd-dev/go-coap/v2/message/codes"
	coapudp "github.com/plgd-dev/go-coap/v2/udp/message"
)

// maxArgLen bounds function arguments and string/json variable payloads.
const maxArgLen = 622

// handleRequest routes an inbound non-ack packet by its first Uri-Path
// segment. Function, variable and file-request handlers are dispatched on
// their own goroutine so the socket pump never stalls behind those user
// callbacks; subscription handlers for cloud events run inline on the
// calling goroutine.
func (c *Cloud) handleRequest(msg *coapudp.Message) {
	segs := pathSegments(msg)
	if len(segs) == 0 {
		c.emitError(&ProtocolError{Msg: "request without a path"})
		return
	}
	rest := segs[1:]
	switch segs[0] {
	case uriHello:
		c.onServerHello(msg)
	case uriDescribe:
		c.onDescribe(msg)
	case uriFunction:
		go c.onFunctionCall(msg, rest)
	case uriVariable:
		go c.onVariableRead(msg, rest)
	case uriPublicEvent, uriPrivateEvent:
		c.onCloudEvent(msg, rest)
	case uriSignal:
		c.onSignal(msg)
	case uriFileRequest:
		go c.ota.onFileRequest(msg, rest)
	case uriUpdate:
		switch msg.Code {
		case codes.POST:
			c.ota.onUpdateBegin(msg)
		case codes.PUT:
			c.ota.onUpdateDone(msg)
		default:
			c.writeError(msg, "unsupported update operation", codes.BadRequest)
		}
	case uriChunk:
		c.ota.onChunk(msg)
	case uriUpdateProperty:
		c.onUpdateProperty(msg)
	default:
		c.emitError(&ProtocolError{Msg: "unknown message type " + segs[0]})
	}
}

// onServerHello cancels the hello timeout; the server echoes our hello on
// TCP sessions.
func (c *Cloud) onServerHello(msg *coapudp.Message) {
	c.cancelHelloTimer()
	if msg.Type == coapudp.Confirmable {
		if err := c.writePacket(emptyAck(msg.MessageID)); err != nil {
			c.sessionLog().WithError(err).Warn("hello ack failed")
		}
	}
}

// onFunctionCall invokes a registered function. Uri-Query[0] carries the
// argument string, Uri-Query[1] the caller id.
func (c *Cloud) onFunctionCall(msg *coapudp.Message, rest []string) {
	name := strings.Join(rest, "/")
	queries := queryValues(msg)
	var args, caller string
	if len(queries) > 0 {
		args = string(queries[0])
	}
	if len(queries) > 1 {
		caller = string(queries[1])
	}

	if len(args) > maxArgLen {
		c.writeError(msg, "args too long", codes.BadRequest)
		return
	}
	fn, ok := c.reg.function(name)
	if !ok {
		c.writeError(msg, "function not found", codes.NotFound)
		return
	}
	if fn.flags&FunctionOwnerOnly != 0 && !c.isOwner(caller) {
		c.writeError(msg, "forbidden", codes.Forbidden)
		return
	}

	result, err := fn.cb(args, caller)
	if err != nil {
		c.writeCallbackError(msg, err)
		return
	}
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(result))
	if err := c.writePacket(newAck(msg, codes.Changed, payload)); err != nil {
		c.sessionLog().WithError(err).Warn("function reply failed")
	}
}

// onVariableRead serves a registered variable. The first remaining path
// segment selects the variable; the callback receives the full path so it
// can serve sub-paths.
func (c *Cloud) onVariableRead(msg *coapudp.Message, rest []string) {
	if len(rest) == 0 {
		c.writeError(msg, "variable not found", codes.NotFound)
		return
	}
	fullPath := strings.Join(rest, "/")
	name := rest[0]
	v, ok := c.reg.variable(name)
	if !ok {
		c.writeError(msg, "variable not found", codes.NotFound)
		return
	}

	value, err := v.cb(fullPath)
	if err != nil {
		c.writeCallbackError(msg, err)
		return
	}
	payload, err := encodeValue(v.kind, value)
	if err != nil {
		c.writeCallbackError(msg, err)
		return
	}
	if (v.kind == VarString || v.kind == VarJSON) && len(payload) > maxArgLen {
		c.writeError(msg, "variable value too long", codes.InternalServerError)
		return
	}
	if err := c.writePacket(newAck(msg, codes.Content, payload)); err != nil {
		c.sessionLog().WithError(err).Warn("variable reply failed")
	}
}

// onCloudEvent delivers a cloud-published event to the matching
// subscriptions and the system handler.
func (c *Cloud) onCloudEvent(msg *coapudp.Message, rest []string) {
	name := strings.Join(rest, "/")
	if msg.Type == coapudp.Confirmable {
		if err := c.writePacket(emptyAck(msg.MessageID)); err != nil {
			c.sessionLog().WithError(err).Warn("event ack failed")
		}
	}
	if strings.HasPrefix(name, systemEventPrefix) {
		c.handleSystemEvent(name, msg.Payload)
	}
	n := dispatchCloudEvent(c.reg.subscriptions(), name, msg.Payload)
	if n > 0 {
		metricEventsReceived.Inc()
	}
}

// onSignal handles a server-requested signal indication: Uri-Query[0]
// value 1 turns the indication on.
func (c *Cloud) onSignal(msg *coapudp.Message) {
	on := false
	if q := queryValues(msg); len(q) > 0 && len(q[0]) > 0 {
		on = q[0][len(q[0])-1] == 1 || string(q[0]) == "1"
	}
	c.bus.emit(Event{Kind: EventSignal, OK: on})
	if err := c.writePacket(newAck(msg, codes.Changed, nil)); err != nil {
		c.sessionLog().WithError(err).Warn("signal ack failed")
	}
}

// onUpdateProperty acknowledges a property push and records its name.
func (c *Cloud) onUpdateProperty(msg *coapudp.Message) {
	queries := queryValues(msg)
	prop := ""
	if len(queries) > 0 {
		prop = string(queries[0])
	}
	c.sessionLog().WithField("property", prop).Debug("property update")
	if err := c.writePacket(newAck(msg, codes.Changed, nil)); err != nil {
		c.sessionLog().WithError(err).Warn("property ack failed")
	}
}

// writeError answers a peer request with a CoAP error and surfaces the
// failure on the event bus.
func (c *Cloud) writeError(req *coapudp.Message, errMsg string, code codes.Code) {
	c.emitError(&ProtocolError{Msg: errMsg})
	if err := c.writePacket(newAck(req, code, []byte(errMsg))); err != nil {
		c.sessionLog().WithError(err).Warn("error reply failed")
	}
}

// writeCallbackError reports a user-callback failure with the
// caller-supplied response code, defaulting to 5.00.
func (c *Cloud) writeCallbackError(req *coapudp.Message, cbErr error) {
	code := codes.InternalServerError
	msg := cbErr.Error()
	var re *ReplyError
	if errors.As(cbErr, &re) {
		code = re.Code
	}
	c.emitError(cbErr)
	if err := c.writePacket(newAck(req, code, []byte(msg))); err != nil {
		c.sessionLog().WithError(err).Warn("error reply failed")
	}
}
