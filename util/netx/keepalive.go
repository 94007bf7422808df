package netx

import (
	"net"
	"time"
)

// golang default keepalive is 15 sec. relayed conns can sit idle for a long
// time, so use a long period instead to save CPU
// https://github.com/golang/go/issues/48622
const (
	LongKeepalive = 3 * time.Minute
)

// for external conns
func SetLongKeepalive(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlivePeriod(LongKeepalive)

		// if the peer is localhost, turn keepalive off entirely. no point
		if tcpConn.RemoteAddr().(*net.TCPAddr).IP.IsLoopback() {
			tcpConn.SetKeepAlive(false)
		}
	}
}
