package iotready

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	coapudp "github.com/plgd-dev/go-coap/v2/udp/message"
)

// URI first-segment codes on the device channel.
const (
	uriHello          = "h"
	uriDescribe       = "d"
	uriFunction       = "f"
	uriVariable       = "v"
	uriPublicEvent    = "e"
	uriPrivateEvent   = "E"
	uriSignal         = "s"
	uriGetTime        = "t"
	uriUpdate         = "u"
	uriChunk          = "c"
	uriFileRequest    = "g"
	uriUpdateProperty = "p"
)

var uriNames = map[string]string{
	uriHello:          "Hello",
	uriDescribe:       "Describe",
	uriFunction:       "Function",
	uriVariable:       "Variable",
	uriPublicEvent:    "PublicEvent",
	uriPrivateEvent:   "PrivateEvent",
	uriSignal:         "SignalStart",
	uriGetTime:        "GetTime",
	uriUpdate:         "Update",
	uriChunk:          "Chunk",
	uriFileRequest:    "FileRequest",
	uriUpdateProperty: "UpdateProperty",
}

// parsePacket decodes one CoAP frame off the secure channel.
func parsePacket(frame []byte) (*coapudp.Message, error) {
	m := coapudp.Message{Options: make(message.Options, 0, 16)}
	if _, err := m.Unmarshal(frame); err != nil {
		return nil, fmt.Errorf("malformed coap frame: %w", err)
	}
	return &m, nil
}

// newToken returns a fresh 4-byte correlation token.
func newToken() message.Token {
	t := make([]byte, 4)
	_, _ = rand.Read(t)
	return t
}

// pathOptions builds Uri-Path options, one per segment.
func pathOptions(segments ...string) message.Options {
	var opts message.Options
	for _, s := range segments {
		opts = append(opts, message.Option{ID: message.URIPath, Value: []byte(s)})
	}
	return opts
}

// queryOptions appends raw Uri-Query options. Values are binary, not text:
// chunk CRCs and indices travel as big-endian bytes.
func queryOptions(opts message.Options, values ...[]byte) message.Options {
	for _, v := range values {
		opts = append(opts, message.Option{ID: message.URIQuery, Value: v})
	}
	return opts
}

// pathSegments collects the Uri-Path option values in order.
func pathSegments(m *coapudp.Message) []string {
	var segs []string
	for _, o := range m.Options {
		if o.ID == message.URIPath {
			segs = append(segs, string(o.Value))
		}
	}
	return segs
}

func pathString(m *coapudp.Message) string {
	return strings.Join(pathSegments(m), "/")
}

// queryValues collects the raw Uri-Query option values in order.
func queryValues(m *coapudp.Message) [][]byte {
	var vals [][]byte
	for _, o := range m.Options {
		if o.ID == message.URIQuery {
			vals = append(vals, o.Value)
		}
	}
	return vals
}

// newRequest builds an outbound request. Options must stay sorted by option
// ID, so paths are added before queries.
func newRequest(code codes.Code, confirmable bool, msgID uint16, token message.Token, opts message.Options, payload []byte) *coapudp.Message {
	typ := coapudp.NonConfirmable
	if confirmable {
		typ = coapudp.Confirmable
	}
	return &coapudp.Message{
		Code:      code,
		Token:     token,
		Options:   opts,
		Payload:   payload,
		MessageID: msgID,
		Type:      typ,
	}
}

// newAck builds a piggybacked response echoing the request's message id and
// token.
func newAck(req *coapudp.Message, code codes.Code, payload []byte, opts ...message.Option) *coapudp.Message {
	return &coapudp.Message{
		Code:      code,
		Token:     req.Token,
		Options:   opts,
		Payload:   payload,
		MessageID: req.MessageID,
		Type:      coapudp.Acknowledgement,
	}
}

// emptyAck answers a CoAP ping (empty confirmable) with an empty ack.
func emptyAck(msgID uint16) *coapudp.Message {
	return &coapudp.Message{
		Code:      codes.Empty,
		MessageID: msgID,
		Type:      coapudp.Acknowledgement,
	}
}

func jsonContentFormat() message.Option {
	return message.Option{ID: message.ContentFormat, Value: []byte{byte(message.AppJSON)}}
}

// packetName is only used for logging.
func packetName(m *coapudp.Message) string {
	segs := pathSegments(m)
	if len(segs) == 0 {
		if m.Type == coapudp.Acknowledgement {
			return "Ack"
		}
		return "Empty"
	}
	if n, ok := uriNames[segs[0]]; ok {
		return n
	}
	return segs[0]
}
