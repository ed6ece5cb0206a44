package iotready

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Reserved system event names.
const (
	systemEventPrefix   = "iotready"
	eventDeviceReset    = "iotready/device/reset"
	eventUpdatesForced  = "iotready/device/updates/forced"
	eventUpdatesEnabled = "iotready/device/updates/enabled"
	eventUpdatesPending = "iotready/device/updates/pending"
	eventOwners         = "iotready/device/owners"
	eventClaimCode      = "iotready/device/claim/code"
)

// handleSystemEvent interprets device-control events delivered under the
// reserved prefix.
func (c *Cloud) handleSystemEvent(name string, payload []byte) {
	switch name {
	case eventDeviceReset:
		switch string(payload) {
		case "dfu":
			c.bus.emit(Event{Kind: EventDFU})
		case "safe mode":
			c.bus.emit(Event{Kind: EventSafeMode})
		case "reboot":
			c.bus.emit(Event{Kind: EventReboot})
		default:
			c.emitError(&ProtocolError{Msg: "unknown reset mode " + string(payload)})
		}
	case eventUpdatesForced:
		forced := parseBoolPayload(payload)
		c.mu.Lock()
		changed := c.updatesForced != forced
		c.updatesForced = forced
		c.mu.Unlock()
		if changed {
			c.bus.emit(Event{Kind: EventFirmwareUpdateForced, OK: forced})
			c.publishUpdatesState()
		}
	case eventUpdatesPending:
		pending := parseBoolPayload(payload)
		c.mu.Lock()
		newlyPending := pending && !c.updatesPending
		c.updatesPending = pending
		c.mu.Unlock()
		if newlyPending {
			c.bus.emit(Event{Kind: EventFirmwareUpdatePending})
			// empty ack event back to the cloud
			if err := c.publishInternal(eventUpdatesPending, nil, EventTypePrivate, !c.cfg.ForceTCP); err != nil {
				c.sessionLog().WithError(err).Warn("updates pending ack failed")
			}
		}
	case eventOwners:
		owners := strings.Split(string(payload), ",")
		for i := range owners {
			owners[i] = strings.TrimSpace(owners[i])
		}
		c.mu.Lock()
		c.owners = owners
		c.mu.Unlock()
	}
}

// parseBoolPayload accepts both JSON booleans and the bare true/false/1
// strings older cloud revisions send. An empty payload means true: the
// event's presence is the signal.
func parseBoolPayload(payload []byte) bool {
	if len(payload) == 0 {
		return true
	}
	if r := gjson.ParseBytes(payload); r.Type == gjson.True || r.Type == gjson.False {
		return r.Bool()
	}
	s := strings.TrimSpace(string(payload))
	return s == "1" || strings.EqualFold(s, "true")
}
