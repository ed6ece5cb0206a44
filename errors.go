package iotready

import (
	"errors"
	"fmt"

	"github.com/plgd-dev/go-coap/v2/message/codes"
)

var (
	// ErrNotInitialized is returned by Connect before Begin has been called.
	ErrNotInitialized = errors.New("iotready: Begin has not been called")
	// ErrDisconnected resolves pending waiters when the session goes away.
	ErrDisconnected = errors.New("iotready: disconnected")
	// ErrTimeout is returned when a correlated response did not arrive in time.
	ErrTimeout = errors.New("iotready: timed out waiting for response")
	// ErrRetransmitExhausted is returned after the third confirmable attempt expires.
	ErrRetransmitExhausted = errors.New("iotready: no ack after 3 attempts")
)

// ConfigError reports invalid Begin inputs: bad device id, missing or
// mismatched key material, unresolvable host.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("iotready: invalid %s: %s", e.Field, e.Msg)
}

// HandshakeError reports a failure during TCP session establishment.
// Reason is one of "nonce", "session-material", "hmac".
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("iotready: handshake failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("iotready: handshake failed (%s)", e.Reason)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TransportErrorKind classifies the cause of a dropped connection so the
// application can distinguish a DNS outage from a refused connect.
type TransportErrorKind string

const (
	TransportDNSNotFound       TransportErrorKind = "dns-not-found"
	TransportConnectionRefused TransportErrorKind = "connection-refused"
	TransportHandshakeTimeout  TransportErrorKind = "handshake-timeout"
	TransportHelloTimeout      TransportErrorKind = "hello-timeout"
	TransportOther             TransportErrorKind = "other"
)

// TransportError wraps a socket or session failure; it always triggers a
// reconnect unless the user latched a disconnect.
type TransportError struct {
	Kind TransportErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("iotready: transport error (%s): %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is surfaced on the event bus when the peer sends something
// the dispatcher cannot serve (unknown URI, bad flags, missing resource).
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "iotready: " + e.Msg }

// ReplyError lets user callbacks pick the CoAP response code sent back to
// the cloud. Any other error from a callback is reported as 5.00.
type ReplyError struct {
	Code codes.Code
	Msg  string
}

func (e *ReplyError) Error() string { return e.Msg }
