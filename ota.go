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
	"hash/crc32"
	"strings"
	"time"

	"github.com/plgd-dev/go-coap/v2/message/codes"
	coapudp "github.com/plgd-dev/go-coap/v2/udp/message"
)

const (
	defaultChunkSize = 256
	// maxInboundFileSize bounds the buffer an UpdateBegin may ask for; the
	// declared size is attacker-controlled.
	maxInboundFileSize = 16 << 20

	// fastOTARecoveryWindow is how long the server gets to retransmit a
	// missed-chunk batch before the transfer is abandoned.
	fastOTARecoveryWindow = 9 * time.Second

	firmwareHeaderLen  = 24
	firmwareTrailerLen = 44 // 40-byte trailer plus the CRC-32

	updateBeginMinLen = 12

	outboundDestFlag = 128
	fastOTAAvailable = 1
)

var errFirmwareCRC = errors.New("crc not valid")

// inboundTransfer is the transient state of one cloud->device transfer.
type inboundTransfer struct {
	chunkSize  int
	fileSize   int
	chunkCount int
	buf        []byte
	received   []bool
	count      int
	missed     []uint16
	name       string
	abort      *time.Timer
}

// otaEngine drives chunked transfers in both directions over the session's
// multiplexer.
type otaEngine struct {
	cloud *Cloud
	in    *inboundTransfer
}

func (e *otaEngine) reset() {
	c := e.cloud
	c.otaMu.Lock()
	t := e.in
	e.in = nil
	c.otaMu.Unlock()
	if t != nil && t.abort != nil {
		t.abort.Stop()
	}
}

// onUpdateBegin starts an inbound transfer. Payload layout, big-endian:
// flags(1) chunkSize(2) fileSize(4) reserved(5) [nameLen(1) name].
func (e *otaEngine) onUpdateBegin(msg *coapudp.Message) {
	c := e.cloud
	p := msg.Payload
	if len(p) < updateBeginMinLen {
		c.writeError(msg, "malformed update begin", codes.BadRequest)
		return
	}

	// a bare 12-byte header is a firmware OTA; honor the updates flags
	c.mu.Lock()
	allowed := c.updatesEnabled || c.updatesForced
	c.mu.Unlock()
	if len(p) == updateBeginMinLen && !allowed {
		c.writeError(msg, "Service Unavailable", codes.ServiceUnavailable)
		return
	}

	chunkSize := int(binary.BigEndian.Uint16(p[1:3]))
	if chunkSize == 0 {
		chunkSize = defaultChunkSize
	}
	fileSize := int(int32(binary.BigEndian.Uint32(p[3:7])))
	if fileSize <= 0 || fileSize > maxInboundFileSize {
		c.writeError(msg, "invalid file size", codes.BadRequest)
		return
	}
	name := ""
	if len(p) > updateBeginMinLen {
		nameLen := int(p[12])
		if 13+nameLen > len(p) {
			c.writeError(msg, "malformed update begin", codes.BadRequest)
			return
		}
		name = string(p[13 : 13+nameLen])
	}

	t := &inboundTransfer{
		chunkSize:  chunkSize,
		fileSize:   fileSize,
		chunkCount: (fileSize + chunkSize - 1) / chunkSize,
		buf:        make([]byte, fileSize),
		name:       name,
	}
	t.received = make([]bool, t.chunkCount)

	c.otaMu.Lock()
	old := e.in
	e.in = t
	c.otaMu.Unlock()
	if old != nil && old.abort != nil {
		old.abort.Stop()
	}

	if err := c.writePacket(newAck(msg, codes.Changed, []byte(uriUpdate))); err != nil {
		c.sessionLog().WithError(err).Warn("update begin ack failed")
	}
	c.sessionLog().WithField("file", name).WithField("size", fileSize).Info("inbound transfer started")
}

// onChunk validates and stores one chunk. Uri-Query[0] is the big-endian
// CRC-32 of the payload, Uri-Query[1] the big-endian chunk index.
func (e *otaEngine) onChunk(msg *coapudp.Message) {
	c := e.cloud
	queries := queryValues(msg)
	if len(queries) < 2 || len(queries[0]) != 4 || len(queries[1]) != 2 {
		c.emitError(&ProtocolError{Msg: "malformed chunk"})
		return
	}
	wantCRC := binary.BigEndian.Uint32(queries[0])
	index := binary.BigEndian.Uint16(queries[1])

	c.otaMu.Lock()
	defer c.otaMu.Unlock()
	t := e.in
	if t == nil || int(index) >= t.chunkCount {
		return
	}

	if crc32.ChecksumIEEE(msg.Payload) != wantCRC {
		t.missed = append(t.missed, index)
		metricOTAChunks.WithLabelValues("in", "crc_mismatch").Inc()
		return
	}

	off := t.chunkSize * int(index)
	n := t.chunkSize
	if rem := t.fileSize - off; rem < n {
		n = rem
	}
	if n > len(msg.Payload) {
		n = len(msg.Payload)
	}
	copy(t.buf[off:off+n], msg.Payload[:n])
	if !t.received[index] {
		t.received[index] = true
		t.count++
	}
	metricOTAChunks.WithLabelValues("in", "ok").Inc()

	if msg.Type == coapudp.Confirmable {
		go func() {
			if err := c.writePacket(emptyAck(msg.MessageID)); err != nil {
				c.sessionLog().WithError(err).Warn("chunk ack failed")
			}
		}()
	}
}

// onUpdateDone either completes the transfer or kicks off fast-OTA
// recovery: one aggregated re-request for the whole missed batch, with a
// fixed window for the server to resend before the transfer is abandoned.
func (e *otaEngine) onUpdateDone(msg *coapudp.Message) {
	c := e.cloud
	c.otaMu.Lock()
	t := e.in
	if t == nil {
		c.otaMu.Unlock()
		if err := c.writePacket(newAck(msg, codes.Changed, nil)); err != nil {
			c.sessionLog().WithError(err).Warn("update done ack failed")
		}
		return
	}

	if t.count < t.chunkCount && len(t.missed) > 0 {
		missed := t.missed
		t.missed = nil
		if t.abort != nil {
			t.abort.Stop()
		}
		t.abort = time.AfterFunc(fastOTARecoveryWindow, func() { e.abortIncomplete() })
		c.otaMu.Unlock()

		if err := c.writePacket(newAck(msg, codes.BadRequest, nil)); err != nil {
			c.sessionLog().WithError(err).Warn("update done nack failed")
		}
		payload := make([]byte, 2*len(missed))
		for i, idx := range missed {
			binary.BigEndian.PutUint16(payload[2*i:], idx)
		}
		msgID := c.mux.nextMessageID()
		req := newRequest(codes.GET, true, msgID, newToken(), pathOptions(uriChunk), payload)
		go func() {
			if err := c.sendConfirmable(req); err != nil {
				c.sessionLog().WithError(err).Warn("missed chunk request failed")
			}
		}()
		return
	}

	complete := t.count == t.chunkCount
	e.in = nil
	if t.abort != nil {
		t.abort.Stop()
	}
	c.otaMu.Unlock()

	if err := c.writePacket(newAck(msg, codes.Changed, nil)); err != nil {
		c.sessionLog().WithError(err).Warn("update done ack failed")
	}
	if !complete {
		c.emitError(&ProtocolError{Msg: "transfer ended incomplete"})
		return
	}
	e.finish(t)
}

func (e *otaEngine) abortIncomplete() {
	c := e.cloud
	c.otaMu.Lock()
	t := e.in
	if t == nil || t.count == t.chunkCount {
		c.otaMu.Unlock()
		return
	}
	e.in = nil
	c.otaMu.Unlock()
	c.emitError(&ProtocolError{Msg: "fast-ota recovery window expired"})
}

// finish routes a complete buffer: a registered file name surfaces as
// fileReceived, anything else is treated as a firmware image.
func (e *otaEngine) finish(t *inboundTransfer) {
	c := e.cloud
	if t.name != "" {
		if _, ok := c.reg.file(t.name); ok {
			c.bus.emit(Event{Kind: EventFileReceived, Name: t.name, Data: t.buf})
			return
		}
	}
	image, err := validateFirmware(t.buf)
	if err != nil {
		c.emitError(err)
		return
	}
	c.bus.emit(Event{Kind: EventOTAReceived, Name: t.name, Data: image})
}

// validateFirmware checks the trailing CRC-32 over everything before it
// and strips the outer 24-byte header and 44-byte trailer.
func validateFirmware(buf []byte) ([]byte, error) {
	if len(buf) < firmwareHeaderLen+firmwareTrailerLen {
		return nil, errFirmwareCRC
	}
	want := binary.BigEndian.Uint32(buf[len(buf)-4:])
	if crc32.ChecksumIEEE(buf[:len(buf)-4]) != want {
		return nil, errFirmwareCRC
	}
	return buf[firmwareHeaderLen : len(buf)-firmwareTrailerLen], nil
}

// onFileRequest serves an outbound transfer: FileReturn ack, UpdateBegin,
// UpdateReady wait, CRC-tagged chunk train, UpdateDone.
func (e *otaEngine) onFileRequest(msg *coapudp.Message, rest []string) {
	c := e.cloud
	name := strings.Join(rest, "/")
	f, ok := c.reg.file(name)
	if !ok {
		c.writeError(msg, "file not found", codes.NotFound)
		return
	}
	data, err := f.cb(name)
	if err != nil {
		c.writeCallbackError(msg, err)
		return
	}
	if len(data) == 0 {
		c.writeError(msg, "file callback returned no data", codes.InternalServerError)
		return
	}

	if err := c.writePacket(newAck(msg, codes.Changed, []byte{1})); err != nil {
		c.sessionLog().WithError(err).Warn("file return ack failed")
		return
	}
	if err := e.sendFile(name, data); err != nil {
		c.emitError(err)
		return
	}
	c.bus.emit(Event{Kind: EventFileSent, Name: name})
}

func (e *otaEngine) sendFile(name string, data []byte) error {
	c := e.cloud

	header := make([]byte, updateBeginMinLen, updateBeginMinLen+1+len(name))
	header[0] = fastOTAAvailable
	binary.BigEndian.PutUint16(header[1:3], defaultChunkSize)
	binary.BigEndian.PutUint32(header[3:7], uint32(len(data)))
	header[7] = outboundDestFlag
	binary.BigEndian.PutUint32(header[8:12], 0)
	if name != "" {
		header = append(header, byte(len(name)))
		header = append(header, name...)
	}

	token := newToken()
	ready := c.mux.listenFor(kindUpdateReady, token, nil)
	msgID := c.mux.nextMessageID()
	begin := newRequest(codes.POST, true, msgID, token, pathOptions(uriUpdate), header)
	if err := c.sendConfirmable(begin); err != nil {
		c.mux.cancel(ready)
		return err
	}
	c.mu.Lock()
	keepalive := c.keepalive
	c.mu.Unlock()
	if _, err := c.mux.await(ready, keepalive*2); err != nil {
		return err
	}

	chunkCount := (len(data) + defaultChunkSize - 1) / defaultChunkSize
	for i := 0; i < chunkCount; i++ {
		off := i * defaultChunkSize
		end := off + defaultChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		crc := crc32.ChecksumIEEE(chunk)
		// the final chunk travels zero-padded; the CRC covers the real bytes
		padded := chunk
		if len(chunk) < defaultChunkSize {
			padded = make([]byte, defaultChunkSize)
			copy(padded, chunk)
		}

		crcBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(crcBuf, crc)
		idxBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(idxBuf, uint16(i))
		opts := queryOptions(pathOptions(uriChunk), crcBuf, idxBuf)

		pkt := newRequest(codes.POST, true, c.mux.nextMessageID(), newToken(), opts, padded)
		if err := c.sendConfirmable(pkt); err != nil {
			metricOTAChunks.WithLabelValues("out", "error").Inc()
			return err
		}
		metricOTAChunks.WithLabelValues("out", "ok").Inc()
	}

	done := newRequest(codes.PUT, true, c.mux.nextMessageID(), newToken(), pathOptions(uriUpdate), nil)
	return c.sendConfirmable(done)
}
