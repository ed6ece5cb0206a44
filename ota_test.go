package iotready

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"hash/crc32"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v2/message/codes"
	coapudp "github.com/plgd-dev/go-coap/v2/udp/message"
)

func updateBeginPayload(chunkSize uint16, fileSize uint32, name string) []byte {
	p := make([]byte, updateBeginMinLen)
	binary.BigEndian.PutUint16(p[1:3], chunkSize)
	binary.BigEndian.PutUint32(p[3:7], fileSize)
	if name != "" {
		p = append(p, byte(len(name)))
		p = append(p, name...)
	}
	return p
}

func chunkPacket(index uint16, payload []byte, crc uint32) *coapudp.Message {
	crcBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(crcBuf, crc)
	idxBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(idxBuf, index)
	return &coapudp.Message{
		Code:    codes.POST,
		Options: queryOptions(pathOptions(uriChunk), crcBuf, idxBuf),
		Payload: payload,
		Type:    coapudp.NonConfirmable,
	}
}

func updateDonePacket(msgID uint16) *coapudp.Message {
	return &coapudp.Message{
		Code:      codes.PUT,
		Options:   pathOptions(uriUpdate),
		MessageID: msgID,
		Type:      coapudp.Confirmable,
	}
}

// TestInboundTransferWithMissedChunk is the fast-OTA recovery scenario: one
// chunk arrives corrupted, the device aggregates the miss into a single
// re-request, the server resends, the second UpdateDone completes.
func TestInboundTransferWithMissedChunk(t *testing.T) {
	c, ft := newTestCloud(t, Config{})
	rec := collectEvents(c)
	c.File("data.bin", "application/octet-stream", func(string) ([]byte, error) { return nil, nil })

	content := make([]byte, 500)
	if _, err := rand.Read(content); err != nil {
		t.Fatal(err)
	}

	begin := &coapudp.Message{
		Code:      codes.POST,
		Options:   pathOptions(uriUpdate),
		Payload:   updateBeginPayload(256, 500, "data.bin"),
		MessageID: 40,
		Type:      coapudp.Confirmable,
	}
	c.route(begin)
	reply := nextWritten(t, ft, time.Second)
	if reply.Code != codes.Changed || string(reply.Payload) != uriUpdate {
		t.Fatalf("update begin reply code=%v payload=%q", reply.Code, reply.Payload)
	}

	// chunk 0 valid, chunk 1 corrupted
	c.route(chunkPacket(0, content[:256], crc32.ChecksumIEEE(content[:256])))
	c.route(chunkPacket(1, content[256:], crc32.ChecksumIEEE(content[256:])+1))

	c.route(updateDonePacket(41))
	nack := nextWritten(t, ft, time.Second)
	if nack.Code != codes.BadRequest {
		t.Fatalf("incomplete UpdateDone answered %v want 4.00", nack.Code)
	}
	missReq := nextWritten(t, ft, time.Second)
	if got := pathString(missReq); got != uriChunk {
		t.Fatalf("missed-chunk request path %q", got)
	}
	if !bytes.Equal(missReq.Payload, []byte{0x00, 0x01}) {
		t.Fatalf("missed-chunk payload %x want 0001", missReq.Payload)
	}
	// ack it so the confirmable send settles
	c.route(&coapudp.Message{Type: coapudp.Acknowledgement, Code: codes.Empty, MessageID: missReq.MessageID})

	// server resends the missing chunk with a valid CRC inside the window
	c.route(chunkPacket(1, content[256:], crc32.ChecksumIEEE(content[256:])))
	c.route(updateDonePacket(42))
	done := nextWritten(t, ft, time.Second)
	if done.Code != codes.Changed {
		t.Fatalf("final UpdateDone answered %v want 2.04", done.Code)
	}

	ev := rec.waitFor(t, EventFileReceived, time.Second)
	if ev.Name != "data.bin" {
		t.Fatalf("file name %q", ev.Name)
	}
	if !bytes.Equal(ev.Data, content) {
		t.Fatal("reassembled buffer differs from the source")
	}
	if len(ev.Data) != 500 {
		t.Fatalf("buffer length %d want 500", len(ev.Data))
	}
}

// TestUpdateRefusedWhenDisabled is the firmware-OTA refusal: a bare
// 12-byte UpdateBegin with updates disabled and not forced gets 5.03.
func TestUpdateRefusedWhenDisabled(t *testing.T) {
	c, ft := newTestCloud(t, Config{})
	rec := collectEvents(c)
	c.mu.Lock()
	c.updatesEnabled = false
	c.mu.Unlock()

	begin := &coapudp.Message{
		Code:      codes.POST,
		Options:   pathOptions(uriUpdate),
		Payload:   updateBeginPayload(0, 1024, ""),
		MessageID: 50,
		Type:      coapudp.Confirmable,
	}
	c.route(begin)
	reply := nextWritten(t, ft, time.Second)
	if reply.Code != codes.ServiceUnavailable {
		t.Fatalf("code %v want 5.03", reply.Code)
	}
	rec.waitFor(t, EventError, time.Second)
	c.otaMu.Lock()
	defer c.otaMu.Unlock()
	if c.ota.in != nil {
		t.Fatal("buffer allocated despite refusal")
	}
}

func TestFirmwareOTAEndToEnd(t *testing.T) {
	c, ft := newTestCloud(t, Config{})
	rec := collectEvents(c)

	inner := make([]byte, 232)
	if _, err := rand.Read(inner); err != nil {
		t.Fatal(err)
	}
	image := make([]byte, 0, 300)
	image = append(image, make([]byte, firmwareHeaderLen)...)
	image = append(image, inner...)
	image = append(image, make([]byte, firmwareTrailerLen-4)...)
	crcBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(crcBuf, crc32.ChecksumIEEE(image))
	image = append(image, crcBuf...)

	begin := &coapudp.Message{
		Code:      codes.POST,
		Options:   pathOptions(uriUpdate),
		Payload:   updateBeginPayload(512, uint32(len(image)), ""),
		MessageID: 60,
		Type:      coapudp.Confirmable,
	}
	// a full UpdateBegin (with size header beyond 12 bytes) carries no name
	begin.Payload = append(begin.Payload, 0)
	c.route(begin)
	nextWritten(t, ft, time.Second)

	c.route(chunkPacket(0, image, crc32.ChecksumIEEE(image)))
	c.route(updateDonePacket(61))
	if done := nextWritten(t, ft, time.Second); done.Code != codes.Changed {
		t.Fatalf("UpdateDone answered %v", done.Code)
	}

	ev := rec.waitFor(t, EventOTAReceived, time.Second)
	if !bytes.Equal(ev.Data, inner) {
		t.Fatalf("ota payload not the inner slice: len=%d want %d", len(ev.Data), len(inner))
	}
}

func TestValidateFirmware(t *testing.T) {
	body := bytes.Repeat([]byte{0x5A}, 200)
	image := append([]byte{}, body...)
	crcBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(crcBuf, crc32.ChecksumIEEE(image))
	image = append(image, crcBuf...)

	inner, err := validateFirmware(image)
	if err != nil {
		t.Fatalf("valid image rejected: %v", err)
	}
	want := image[firmwareHeaderLen : len(image)-firmwareTrailerLen]
	if !bytes.Equal(inner, want) {
		t.Fatal("inner slice bounds wrong")
	}

	image[10] ^= 0xFF
	if _, err := validateFirmware(image); err != errFirmwareCRC {
		t.Fatalf("corrupted image: got %v want crc error", err)
	}
	if _, err := validateFirmware(make([]byte, 10)); err == nil {
		t.Fatal("tiny buffer accepted")
	}
}

func TestOversizedUpdateRejected(t *testing.T) {
	c, ft := newTestCloud(t, Config{})
	begin := &coapudp.Message{
		Code:      codes.POST,
		Options:   pathOptions(uriUpdate),
		Payload:   updateBeginPayload(256, maxInboundFileSize+1, "big.bin"),
		MessageID: 70,
		Type:      coapudp.Confirmable,
	}
	c.route(begin)
	if reply := nextWritten(t, ft, time.Second); reply.Code != codes.BadRequest {
		t.Fatalf("oversized declaration answered %v", reply.Code)
	}
}

// TestOutboundFileTransfer walks the device->cloud direction: FileReturn
// ack, UpdateBegin, chunk train with CRCs, UpdateDone.
func TestOutboundFileTransfer(t *testing.T) {
	c, ft := newTestCloud(t, Config{})
	rec := collectEvents(c)

	content := make([]byte, 300)
	if _, err := rand.Read(content); err != nil {
		t.Fatal(err)
	}
	c.File("blob", "application/octet-stream", func(name string) ([]byte, error) {
		return content, nil
	})

	req := &coapudp.Message{
		Code:      codes.POST,
		Options:   pathOptions(uriFileRequest, "blob"),
		MessageID: 80,
		Token:     []byte{0x11},
		Type:      coapudp.Confirmable,
	}
	c.route(req)

	ret := nextWritten(t, ft, time.Second)
	if ret.Code != codes.Changed || len(ret.Payload) != 1 || ret.Payload[0] != 1 {
		t.Fatalf("FileReturn ack code=%v payload=%x", ret.Code, ret.Payload)
	}

	begin := nextWritten(t, ft, time.Second)
	if got := pathString(begin); got != uriUpdate {
		t.Fatalf("UpdateBegin path %q", got)
	}
	p := begin.Payload
	if p[0] != fastOTAAvailable {
		t.Fatalf("flags %d", p[0])
	}
	if binary.BigEndian.Uint16(p[1:3]) != defaultChunkSize {
		t.Fatal("chunk size header wrong")
	}
	if binary.BigEndian.Uint32(p[3:7]) != 300 {
		t.Fatal("file size header wrong")
	}
	if p[7] != outboundDestFlag {
		t.Fatalf("dest flag %d", p[7])
	}
	if int(p[12]) != len("blob") || string(p[13:]) != "blob" {
		t.Fatalf("name header %q", p[12:])
	}
	// one ack resolves both the confirmable wait and UpdateReady
	c.route(&coapudp.Message{
		Type:      coapudp.Acknowledgement,
		Code:      codes.Changed,
		MessageID: begin.MessageID,
		Token:     begin.Token,
	})

	for i := 0; i < 2; i++ {
		chunk := nextWritten(t, ft, time.Second)
		if got := pathString(chunk); got != uriChunk {
			t.Fatalf("chunk %d path %q", i, got)
		}
		if len(chunk.Payload) != defaultChunkSize {
			t.Fatalf("chunk %d not padded: %d bytes", i, len(chunk.Payload))
		}
		queries := queryValues(chunk)
		if len(queries) != 2 {
			t.Fatalf("chunk %d queries %d", i, len(queries))
		}
		start := i * defaultChunkSize
		end := start + defaultChunkSize
		if end > len(content) {
			end = len(content)
		}
		if binary.BigEndian.Uint32(queries[0]) != crc32.ChecksumIEEE(content[start:end]) {
			t.Fatalf("chunk %d crc wrong", i)
		}
		if binary.BigEndian.Uint16(queries[1]) != uint16(i) {
			t.Fatalf("chunk %d index %x", i, queries[1])
		}
		if !bytes.Equal(chunk.Payload[:end-start], content[start:end]) {
			t.Fatalf("chunk %d payload differs", i)
		}
		c.route(&coapudp.Message{Type: coapudp.Acknowledgement, Code: codes.Empty, MessageID: chunk.MessageID})
	}

	done := nextWritten(t, ft, time.Second)
	if done.Code != codes.PUT || pathString(done) != uriUpdate {
		t.Fatalf("UpdateDone code=%v path=%q", done.Code, pathString(done))
	}
	c.route(&coapudp.Message{Type: coapudp.Acknowledgement, Code: codes.Empty, MessageID: done.MessageID})

	if ev := rec.waitFor(t, EventFileSent, time.Second); ev.Name != "blob" {
		t.Fatalf("fileSent name %q", ev.Name)
	}
}

func TestFileRequestUnknownName(t *testing.T) {
	c, ft := newTestCloud(t, Config{})
	rec := collectEvents(c)
	c.route(&coapudp.Message{
		Code:      codes.POST,
		Options:   pathOptions(uriFileRequest, "ghost"),
		MessageID: 90,
		Type:      coapudp.Confirmable,
	})
	if reply := nextWritten(t, ft, time.Second); reply.Code != codes.NotFound {
		t.Fatalf("code %v want 4.04", reply.Code)
	}
	rec.waitFor(t, EventError, time.Second)
}
