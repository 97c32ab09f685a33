package server

import "time"

// Config controls a Server's listening and handshake behavior.
type Config struct {
	// Port to bind. 0 lets the OS choose a free port, reported back via
	// Server.Port() once Start has run.
	Port int `yaml:"port"`
	// HandshakeTimeout bounds how long an incoming handshake may take
	// before the connection is abandoned.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

func (c Config) applyDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}
