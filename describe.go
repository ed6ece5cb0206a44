package iotready

import (
	"strconv"

	"github.com/plgd-dev/go-coap/v2/message/codes"
	coapudp "github.com/plgd-dev/go-coap/v2/udp/message"
	"github.com/tidwall/sjson"
)

// Describe flag bits requested by the server via Uri-Query.
const (
	describeSystem      = 1
	describeApplication = 2
	describeAll         = describeSystem | describeApplication
	describeMetrics     = 4
)

// onDescribe answers a server descriptor request, reusing the request's
// message id in the ack. Flags 3 select the full JSON descriptor, 4 the
// one-byte diagnostic payload.
func (c *Cloud) onDescribe(msg *coapudp.Message) {
	flags := describeAll
	if q := queryValues(msg); len(q) > 0 && len(q[0]) > 0 {
		if len(q[0]) == 1 && q[0][0] < '0' {
			flags = int(q[0][0])
		} else if n, err := strconv.Atoi(string(q[0])); err == nil {
			flags = n
		} else {
			flags = -1
		}
	}

	switch {
	case flags&describeAll == describeAll:
		payload, err := c.descriptor()
		if err != nil {
			c.writeError(msg, "descriptor failed", codes.InternalServerError)
			return
		}
		if err := c.writePacket(newAck(msg, codes.Content, payload, jsonContentFormat())); err != nil {
			c.sessionLog().WithError(err).Warn("describe reply failed")
		}
	case flags == describeMetrics:
		if err := c.writePacket(newAck(msg, codes.Content, []byte{0})); err != nil {
			c.sessionLog().WithError(err).Warn("describe reply failed")
		}
	default:
		c.writeError(msg, "bad describe flags", codes.BadRequest)
	}
}

// descriptor enumerates the registered functions, variables and files plus
// the firmware module table:
//
//	{ f: [...], v: {name: type}, g: {name: [mime, "_callback"]},
//	  m: [...], p: platformId }
func (c *Cloud) descriptor() ([]byte, error) {
	c.mu.Lock()
	product := c.product
	c.mu.Unlock()

	out := []byte(`{}`)
	var err error

	funcs := c.reg.functionNames()
	if funcs == nil {
		funcs = []string{}
	}
	raw, err := json.Marshal(funcs)
	if err != nil {
		return nil, err
	}
	if out, err = sjson.SetRawBytes(out, "f", raw); err != nil {
		return nil, err
	}

	files := map[string][]string{}
	for name, mime := range c.reg.fileMimes() {
		files[name] = []string{mime, "_callback"}
	}
	if raw, err = json.Marshal(files); err != nil {
		return nil, err
	}
	if out, err = sjson.SetRawBytes(out, "g", raw); err != nil {
		return nil, err
	}

	version := strconv.Itoa(int(product.FirmwareVersion))
	modules := []map[string]interface{}{
		{"d": []string{}, "f": "b", "n": "0", "v": "1001"},
		{"d": []string{}, "f": "s", "n": "1", "v": version},
		{"d": []string{}, "f": "u", "n": "1", "v": version},
	}
	if raw, err = json.Marshal(modules); err != nil {
		return nil, err
	}
	if out, err = sjson.SetRawBytes(out, "m", raw); err != nil {
		return nil, err
	}

	if out, err = sjson.SetBytes(out, "p", int(product.PlatformID)); err != nil {
		return nil, err
	}

	if raw, err = json.Marshal(c.reg.variableTypes()); err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(out, "v", raw)
}
