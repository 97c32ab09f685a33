package controller

import (
	"fmt"
	"net"
	"time"
)

// Dialer abstracts outgoing TCP connection establishment so tests can stub
// it out without binding real sockets.
type Dialer interface {
	Dial(addr string, timeout time.Duration) (net.Conn, error)
}

// netDialer is the default Dialer, backed by net.DialTimeout.
type netDialer struct{}

func (netDialer) Dial(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

func addrString(ip string, port int) string {
	return fmt.Sprintf("%s:%d", ip, port)
}
