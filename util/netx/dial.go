package netx

import (
	"net"
	"net/netip"
	"time"
)

// Bounded so one dead target cannot stall a relay start forever.
const DialTimeout = 10 * time.Second

// DialTCP connects to a forwarding target with the standard timeout and
// applies the keepalive policy for external conns.
func DialTCP(addr netip.AddrPort) (*net.TCPConn, error) {
	conn, err := net.DialTimeout("tcp", addr.String(), DialTimeout)
	if err != nil {
		return nil, err
	}

	tcpConn := conn.(*net.TCPConn)
	SetLongKeepalive(tcpConn)
	return tcpConn, nil
}

type TCPListener struct {
	*net.TCPListener
}

// Listen wraps net.Listen so accepted conns get the keepalive policy.
func Listen(network, address string) (net.Listener, error) {
	listener, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	if tcpListener, ok := listener.(*net.TCPListener); ok {
		return &TCPListener{tcpListener}, nil
	}
	return listener, nil
}

func (l *TCPListener) Accept() (net.Conn, error) {
	conn, err := l.TCPListener.AcceptTCP()
	if err != nil {
		return nil, err
	}

	SetLongKeepalive(conn)
	return conn, nil
}
