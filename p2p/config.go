// Copyright 2016 The BitcoinArmory Developers. All rights reserved.
// Use of this source code is governed by an MIT
// license that can be found in the LICENSE file.

package p2p

import "time"

const (
	// defaultReconnectIncrement is added to the backoff delay after
	// every failed connection attempt.
	defaultReconnectIncrement = time.Second

	// defaultReconnectMax caps the backoff delay.
	defaultReconnectMax = 5 * time.Second
)

// Config carries everything the client needs to reach a node.
type Config struct {
	// PeerHost and PeerPort locate the remote full node.
	PeerHost string
	PeerPort string

	// MagicWord identifies the network every frame belongs to.
	MagicWord uint32

	// UserAgent is advertised in our version message.
	UserAgent string

	// ProtocolVersion advertised in our version message.
	ProtocolVersion uint32

	// ReconnectIncrement grows the reconnect delay per failed attempt,
	// up to ReconnectMax. A successful handshake resets the delay.
	ReconnectIncrement time.Duration
	ReconnectMax       time.Duration
}

// DefaultConfig returns a mainnet config pointed at host:port.
func DefaultConfig(host, port string) Config {
	return Config{
		PeerHost:           host,
		PeerPort:           port,
		MagicWord:          MainnetMagic,
		UserAgent:          "Armory:0.95",
		ProtocolVersion:    ProtocolVersion,
		ReconnectIncrement: defaultReconnectIncrement,
		ReconnectMax:       defaultReconnectMax,
	}
}

// normalize fills zero values with defaults.
func (c *Config) normalize() {
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = ProtocolVersion
	}
	if c.ReconnectIncrement == 0 {
		c.ReconnectIncrement = defaultReconnectIncrement
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = defaultReconnectMax
	}
}
