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

// Package iotready implements the device-side client for the IoTReady
// cloud: an encrypted long-lived CoAP session over which the cloud invokes
// registered functions, reads variables, delivers events and pushes
// firmware, and through which the device publishes its own events and
// serves file transfers.
package iotready

import (
	"encoding/hex"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the session lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// ProductInfo identifies the firmware to the cloud in the Hello frame and
// the descriptor.
type ProductInfo struct {
	ProductID       uint16
	FirmwareVersion uint16
	PlatformID      uint16
}

const deviceIDLen = 12

// Cloud is a single device<->cloud session and everything registered on it.
// One Cloud maintains at most one connection; Connect keeps it alive until
// Disconnect latches it off.
type Cloud struct {
	cfg Config
	log *logrus.Entry

	mu      sync.Mutex
	state   State
	begun   bool
	latched bool
	running bool

	deviceID [deviceIDLen]byte
	product  ProductInfo

	devKey    *devicePrivateKey
	serverKey *serverPublicKey
	addr      string

	keepalive time.Duration
	claimCode string

	updatesEnabled bool
	updatesForced  bool
	updatesPending bool
	owners         []string

	tr         transport
	sessLog    *logrus.Entry
	sessDone   chan struct{}
	helloTimer *time.Timer

	pendingTime *waiterToken

	reg *registries
	bus bus
	mux *mux

	ota   otaEngine
	otaMu sync.Mutex
}

// waiterToken tracks an in-flight GetTime request.
type waiterToken struct {
	token []byte
}

// New creates an unconfigured client. Call Begin before Connect.
func New(cfg Config) *Cloud {
	c := &Cloud{
		cfg:            cfg,
		log:            logrus.WithField("component", "iotready"),
		reg:            newRegistries(),
		mux:            newMux(),
		updatesEnabled: true,
		claimCode:      cfg.ClaimCode,
	}
	c.ota.cloud = c
	return c
}

// Begin validates the device identity and key material and resolves the
// cloud endpoint. It must succeed before Connect.
func (c *Cloud) Begin(deviceIDHex string, privateKey []byte, info ...ProductInfo) error {
	if len(deviceIDHex) != deviceIDLen*2 {
		return &ConfigError{Field: "device id", Msg: "must be 24 hex characters"}
	}
	idBytes, err := hex.DecodeString(deviceIDHex)
	if err != nil {
		return &ConfigError{Field: "device id", Msg: "not valid hex"}
	}

	devKey, err := parseDevicePrivateKey(privateKey)
	if err != nil {
		return err
	}
	if c.cfg.ForceTCP && devKey.rsa == nil {
		return &ConfigError{Field: "private key", Msg: "TCP transport requires an RSA key"}
	}
	if !c.cfg.ForceTCP && devKey.ec == nil {
		return &ConfigError{Field: "private key", Msg: "UDP transport requires an EC key"}
	}

	serverPEM := c.cfg.ServerPublicKeyPEM
	if serverPEM == "" {
		serverPEM = DefaultServerPublicKeyPEM
	}
	serverKey, err := parseServerPublicKey([]byte(serverPEM))
	if err != nil {
		return err
	}
	if c.cfg.ForceTCP && serverKey.rsa == nil {
		return &ConfigError{Field: "server public key", Msg: "TCP transport requires an RSA server key"}
	}
	if !c.cfg.ForceTCP && serverKey.ec == nil {
		return &ConfigError{Field: "server public key", Msg: "UDP transport requires an EC server key"}
	}

	host := c.cfg.Address
	if host == "" {
		if c.cfg.ForceTCP {
			host = defaultAddressTCP
		} else {
			host = deviceIDHex + defaultAddressUDPSuffix
		}
	}
	if _, err := net.LookupHost(host); err != nil {
		return &ConfigError{Field: "address", Msg: "cannot resolve " + host}
	}
	port := c.cfg.Port
	if port == 0 {
		if c.cfg.ForceTCP {
			port = defaultPortTCP
		} else {
			port = defaultPortUDP
		}
	}

	keepalive := c.cfg.Keepalive
	if keepalive == 0 {
		if c.cfg.ForceTCP {
			keepalive = defaultKeepaliveTCP
		} else {
			keepalive = defaultKeepaliveUDP
		}
	}

	c.mu.Lock()
	copy(c.deviceID[:], idBytes)
	if len(info) > 0 {
		c.product = info[0]
	}
	c.devKey = devKey
	c.serverKey = serverKey
	c.addr = net.JoinHostPort(host, strconv.Itoa(port))
	c.keepalive = keepalive
	c.begun = true
	c.mu.Unlock()
	return nil
}

// Connect starts the session loop. Idempotent; requires a prior Begin.
func (c *Cloud) Connect() error {
	c.mu.Lock()
	if !c.begun {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	c.latched = false
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.mu.Unlock()
	go c.run()
	return nil
}

// Connected reports whether the session is established.
func (c *Cloud) Connected() bool {
	return c.currentState() == StateConnected
}

// Disconnect latches reconnection off and tears the session down. Calling
// it twice has the same observable effect as once.
func (c *Cloud) Disconnect() {
	c.mu.Lock()
	already := c.latched
	c.latched = true
	c.mu.Unlock()
	c.teardown()
	c.setState(StateDisconnected)
	if !already {
		c.bus.emit(Event{Kind: EventDisconnect})
	}
}

// SetKeepalive overrides the ping period for the current and future
// sessions.
func (c *Cloud) SetKeepalive(d time.Duration) {
	c.mu.Lock()
	c.keepalive = d
	c.mu.Unlock()
}

// SetClaimCode arms a one-shot claim-code publish on the next connect.
func (c *Cloud) SetClaimCode(code string) {
	c.mu.Lock()
	c.claimCode = code
	c.mu.Unlock()
}

// Post registers a cloud-callable function. Returns false when the name is
// too long or the registry is full.
func (c *Cloud) Post(name string, cb FunctionCallback, flags ...FunctionFlags) bool {
	var f FunctionFlags
	if len(flags) > 0 {
		f = flags[0]
	}
	return c.reg.addFunction(name, functionEntry{flags: f, cb: cb})
}

// Get registers a cloud-readable variable of the declared type.
func (c *Cloud) Get(name string, kind VarType, cb VariableCallback) bool {
	return c.reg.addVariable(name, variableEntry{kind: kind, cb: cb})
}

// File registers a named file the cloud may request.
func (c *Cloud) File(name, mimeType string, cb FileCallback) bool {
	return c.reg.addFile(name, fileEntry{mime: mimeType, cb: cb})
}

// EnableUpdates allows inbound firmware OTA and announces the new state.
func (c *Cloud) EnableUpdates() {
	c.setUpdatesEnabled(true)
}

// DisableUpdates refuses inbound firmware OTA (unless forced by the cloud)
// and announces the new state.
func (c *Cloud) DisableUpdates() {
	c.setUpdatesEnabled(false)
}

func (c *Cloud) setUpdatesEnabled(v bool) {
	c.mu.Lock()
	changed := c.updatesEnabled != v
	c.updatesEnabled = v
	connected := c.state == StateConnected
	c.mu.Unlock()
	if changed && connected {
		c.publishUpdatesState()
	}
}

// UpdatesEnabled reports whether firmware OTA is currently accepted.
func (c *Cloud) UpdatesEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updatesEnabled
}

// UpdatesPending reports whether the cloud has a firmware update queued.
func (c *Cloud) UpdatesPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updatesPending
}

// UpdatesForced reports whether the cloud has forced updates on.
func (c *Cloud) UpdatesForced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updatesForced
}

// OnEvent registers an internal signal handler. Handlers run synchronously
// and must not block.
func (c *Cloud) OnEvent(h EventHandler) {
	c.bus.subscribe(h)
}

func (c *Cloud) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Cloud) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Cloud) isLatched() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latched
}

func (c *Cloud) isOwner(caller string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.owners {
		if o == caller {
			return true
		}
	}
	return false
}
