package iotready

import (
	"context"
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	piondtls "github.com/pion/dtls/v2"
	"github.com/pion/dtls/v2/pkg/crypto/selfsign"
	"github.com/pion/logging"
	"github.com/sirupsen/logrus"
)

const (
	defaultPortTCP = 5683
	defaultPortUDP = 5684

	defaultKeepaliveTCP = 15 * time.Second
	defaultKeepaliveUDP = 30 * time.Second

	dtlsHandshakeTimeout = 5 * time.Second
	tcpInactivityTimeout = 31 * time.Second
)

// transport is the common contract of the two secure channel variants: it
// yields whole plaintext CoAP frames and accepts whole frames to send. Any
// error is fatal for the session and triggers a reconnect upstream.
type transport interface {
	// ReadFrame blocks until the next plaintext CoAP frame arrives.
	ReadFrame() ([]byte, error)
	// WriteFrame sends one CoAP frame. Safe for concurrent use.
	WriteFrame([]byte) error
	Close() error
	// initialMessageID reports a server-assigned message-id seed, if the
	// handshake produced one.
	initialMessageID() (uint16, bool)
}

// udpTransport wraps a DTLS session. The outer layer provides
// confidentiality and record framing, so datagrams read off the connection
// are already whole CoAP messages.
type udpTransport struct {
	conn *piondtls.Conn
}

func dialDTLS(ctx context.Context, addr string, devKey *ecdsa.PrivateKey, serverKey *ecdsa.PublicKey, log *logrus.Entry) (*udpTransport, error) {
	cert, err := selfsign.SelfSign(devKey)
	if err != nil {
		return nil, &TransportError{Kind: TransportOther, Err: err}
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, &TransportError{Kind: TransportDNSNotFound, Err: err}
	}
	pc, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, classifyDialError(err)
	}

	cfg := &piondtls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyServerIdentity(rawCerts, serverKey)
		},
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, dtlsHandshakeTimeout)
		},
		LoggerFactory: &logrusLoggerFactory{entry: log},
	}
	conn, err := piondtls.Client(pc, cfg)
	if err != nil {
		pc.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &TransportError{Kind: TransportOther, Err: ctxErr}
		}
		return nil, &TransportError{Kind: TransportHandshakeTimeout, Err: err}
	}
	return &udpTransport{conn: conn}, nil
}

// verifyServerIdentity pins the cloud's EC public key instead of walking a
// certificate chain.
func verifyServerIdentity(rawCerts [][]byte, want *ecdsa.PublicKey) error {
	if want == nil {
		return nil
	}
	if len(rawCerts) == 0 {
		return fmt.Errorf("server presented no certificate")
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("parse server certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("server certificate is not EC")
	}
	if pub.X.Cmp(want.X) != 0 || pub.Y.Cmp(want.Y) != 0 || pub.Curve != want.Curve {
		return fmt.Errorf("server public key mismatch")
	}
	return nil
}

func (t *udpTransport) ReadFrame() ([]byte, error) {
	buf := make([]byte, 2048)
	n, err := t.conn.Read(buf)
	if err != nil {
		return nil, classifyReadError(err)
	}
	return buf[:n], nil
}

func (t *udpTransport) WriteFrame(frame []byte) error {
	if _, err := t.conn.Write(frame); err != nil {
		return &TransportError{Kind: TransportOther, Err: err}
	}
	return nil
}

func (t *udpTransport) Close() error { return t.conn.Close() }

func (t *udpTransport) initialMessageID() (uint16, bool) { return 0, false }

func classifyDialError(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &TransportError{Kind: TransportDNSNotFound, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && strings.Contains(opErr.Error(), "refused") {
		return &TransportError{Kind: TransportConnectionRefused, Err: err}
	}
	return &TransportError{Kind: TransportOther, Err: err}
}

func classifyReadError(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return &TransportError{Kind: TransportOther, Err: fmt.Errorf("socket timeout: %w", err)}
	}
	return &TransportError{Kind: TransportOther, Err: err}
}

// logrusLoggerFactory adapts pion's leveled logging onto the session logger.
type logrusLoggerFactory struct {
	entry *logrus.Entry
}

func (f *logrusLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &logrusLeveledLogger{entry: f.entry.WithField("scope", scope)}
}

type logrusLeveledLogger struct {
	entry *logrus.Entry
}

func (l *logrusLeveledLogger) Trace(msg string)                  { l.entry.Trace(msg) }
func (l *logrusLeveledLogger) Tracef(f string, a ...interface{}) { l.entry.Tracef(f, a...) }
func (l *logrusLeveledLogger) Debug(msg string)                  { l.entry.Debug(msg) }
func (l *logrusLeveledLogger) Debugf(f string, a ...interface{}) { l.entry.Debugf(f, a...) }
func (l *logrusLeveledLogger) Info(msg string)                   { l.entry.Info(msg) }
func (l *logrusLeveledLogger) Infof(f string, a ...interface{})  { l.entry.Infof(f, a...) }
func (l *logrusLeveledLogger) Warn(msg string)                   { l.entry.Warn(msg) }
func (l *logrusLeveledLogger) Warnf(f string, a ...interface{})  { l.entry.Warnf(f, a...) }
func (l *logrusLeveledLogger) Error(msg string)                  { l.entry.Error(msg) }
func (l *logrusLeveledLogger) Errorf(f string, a ...interface{}) { l.entry.Errorf(f, a...) }
