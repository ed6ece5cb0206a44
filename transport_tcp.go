package iotready

import (
	"bufio"
	"crypto/rsa"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"
)

// tcpTransport is the TCP+RSA variant: a plain socket whose byte stream is
// wrapped, after the handshake, in two independent AES-CBC pipeline stages
// with a uint16 big-endian length prefix per encrypted chunk.
type tcpTransport struct {
	conn net.Conn
	r    *bufio.Reader

	readMu  sync.Mutex
	writeMu sync.Mutex
	enc     *cbcStream
	dec     *cbcStream

	idle  time.Duration
	msgID uint16
}

func dialTCP(addr string, deviceID []byte, devKey *rsa.PrivateKey, serverKey *rsa.PublicKey) (*tcpTransport, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, classifyDialError(err)
	}
	_ = conn.SetDeadline(time.Now().Add(tcpInactivityTimeout))

	keys, err := performTCPHandshake(conn, deviceID, devKey, serverKey)
	if err != nil {
		conn.Close()
		return nil, err
	}

	enc, err := newCBCStream(keys.key, keys.iv)
	if err != nil {
		conn.Close()
		return nil, err
	}
	dec, err := newCBCStream(keys.key, keys.iv)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &tcpTransport{
		conn:  conn,
		r:     bufio.NewReader(conn),
		enc:   enc,
		dec:   dec,
		idle:  tcpInactivityTimeout,
		msgID: keys.messageID,
	}, nil
}

// ReadFrame reassembles one length-prefixed chunk and decrypts it into a
// plaintext CoAP frame. The inactivity deadline is refreshed per read.
func (t *tcpTransport) ReadFrame() ([]byte, error) {
	t.readMu.Lock()
	defer t.readMu.Unlock()

	_ = t.conn.SetReadDeadline(time.Now().Add(t.idle))
	var lenBuf [2]byte
	if _, err := io.ReadFull(t.r, lenBuf[:]); err != nil {
		return nil, classifyReadError(err)
	}
	n := int(binary.BigEndian.Uint16(lenBuf[:]))
	if n == 0 {
		return nil, &TransportError{Kind: TransportOther, Err: io.ErrUnexpectedEOF}
	}
	ct := make([]byte, n)
	if _, err := io.ReadFull(t.r, ct); err != nil {
		return nil, classifyReadError(err)
	}
	plain, err := t.dec.decrypt(ct)
	if err != nil {
		return nil, &TransportError{Kind: TransportOther, Err: err}
	}
	return plain, nil
}

func (t *tcpTransport) WriteFrame(frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	ct := t.enc.encrypt(frame)
	buf := make([]byte, 2+len(ct))
	binary.BigEndian.PutUint16(buf, uint16(len(ct)))
	copy(buf[2:], ct)
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.idle))
	if _, err := t.conn.Write(buf); err != nil {
		return &TransportError{Kind: TransportOther, Err: err}
	}
	return nil
}

func (t *tcpTransport) Close() error { return t.conn.Close() }

func (t *tcpTransport) initialMessageID() (uint16, bool) { return t.msgID, true }
