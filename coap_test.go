package iotready

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/plgd-dev/go-coap/v2/message/codes"
	coapudp "github.com/plgd-dev/go-coap/v2/udp/message"
)

func TestRequestThroughCodec(t *testing.T) {
	token := newToken()
	opts := queryOptions(pathOptions(uriFunction, "door", "unlock"), []byte("args"), []byte("caller"))
	req := newRequest(codes.POST, true, 0x1234, token, opts, []byte("payload"))

	frame, err := req.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := parsePacket(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if got.Type != coapudp.Confirmable || got.Code != codes.POST {
		t.Fatalf("type=%v code=%v", got.Type, got.Code)
	}
	if got.MessageID != 0x1234 {
		t.Fatalf("message id %#04x", got.MessageID)
	}
	if !bytes.Equal(got.Token, token) {
		t.Fatalf("token %x want %x", got.Token, token)
	}
	if want := []string{uriFunction, "door", "unlock"}; !reflect.DeepEqual(pathSegments(got), want) {
		t.Fatalf("path %v want %v", pathSegments(got), want)
	}
	queries := queryValues(got)
	if len(queries) != 2 || string(queries[0]) != "args" || string(queries[1]) != "caller" {
		t.Fatalf("queries %v", queries)
	}
	if !bytes.Equal(got.Payload, []byte("payload")) {
		t.Fatalf("payload %q", got.Payload)
	}
}

func TestBinaryQueryThroughCodec(t *testing.T) {
	// chunk metadata is binary, not text; it must survive the option codec
	crc := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	idx := []byte{0x00, 0x07}
	req := newRequest(codes.POST, false, 1, nil, queryOptions(pathOptions(uriChunk), crc, idx), nil)
	frame, err := req.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := parsePacket(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	queries := queryValues(got)
	if len(queries) != 2 || !bytes.Equal(queries[0], crc) || !bytes.Equal(queries[1], idx) {
		t.Fatalf("queries %x", queries)
	}
}

func TestEmptyAckThroughCodec(t *testing.T) {
	frame, err := emptyAck(7).Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := parsePacket(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Type != coapudp.Acknowledgement || got.Code != codes.Empty || got.MessageID != 7 {
		t.Fatalf("type=%v code=%v mid=%d", got.Type, got.Code, got.MessageID)
	}
}

func TestParsePacketRejectsGarbage(t *testing.T) {
	if _, err := parsePacket([]byte{0xFF}); err == nil {
		t.Fatal("garbage accepted")
	}
}

func TestPacketNames(t *testing.T) {
	m := newRequest(codes.POST, true, 1, nil, pathOptions(uriUpdate), nil)
	if packetName(m) != "Update" {
		t.Fatalf("name %q", packetName(m))
	}
	if packetName(emptyAck(1)) != "Ack" {
		t.Fatal("ack name wrong")
	}
}
