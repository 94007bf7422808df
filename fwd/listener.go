package fwd

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/portfan/portfan/conf"
	"github.com/portfan/portfan/meter"
	"github.com/portfan/portfan/util/netx"
)

const acceptRetryDelay = time.Second

// connHandle tracks one relay task in a listener's live table.
type connHandle struct {
	peer netip.AddrPort
	done chan struct{}
}

func (h *connHandle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// listener serves one forwarding rule.
type listener struct {
	e    *Engine
	rule conf.Forward
	ln   net.Listener

	// live table, arena style: slots are local to this listener and only the
	// accept goroutine touches the map
	conns    map[uint64]*connHandle
	nextSlot uint64

	shutdown chan struct{}
	closing  atomic.Bool
}

func newListener(e *Engine, rule conf.Forward) (*listener, error) {
	ln, err := netx.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", rule.SourcePort))
	if err != nil {
		return nil, fmt.Errorf("bind port %d: %w", rule.SourcePort, err)
	}

	return &listener{
		e:     e,
		rule:  rule,
		ln:    ln,
		conns: make(map[uint64]*connHandle),
		// subscribe only after the bind succeeded: every subscribed channel
		// must end up with a running watcher, or shutdown would hang
		shutdown: e.bcast.Subscribe(),
	}, nil
}

// run accepts until shutdown, then drains live relays. Returns only when
// every relay for this rule has finished.
func (l *listener) run() {
	defer l.e.wg.Done()

	// the only way to interrupt a blocking Accept is closing the socket
	go func() {
		<-l.shutdown
		l.closing.Store(true)
		l.ln.Close()
	}()

	logrus.WithFields(logrus.Fields{
		"port":    l.rule.SourcePort,
		"targets": l.rule.Targets,
	}).Info("listening")

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.closing.Load() {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				// socket died without a shutdown request; nothing to accept
				// on anymore, so the rule is done serving
				logrus.WithError(err).WithField("port", l.rule.SourcePort).Error("listener socket closed")
				break
			}
			logrus.WithError(err).WithField("port", l.rule.SourcePort).Warn("accept error")
			if isTemporary(err) {
				time.Sleep(acceptRetryDelay)
			}
			continue
		}

		l.sweep()
		l.track(conn.(*net.TCPConn))
	}

	l.drain()
}

// track registers the conn in the live table and submits its relay to the
// pool. Submission blocks when the pool queue is full, which holds back the
// accept loop instead of piling up conns.
func (l *listener) track(conn *net.TCPConn) {
	peer := peerOf(conn)

	h := &connHandle{peer: peer, done: make(chan struct{})}
	l.conns[l.nextSlot] = h
	l.nextSlot++

	logrus.WithFields(logrus.Fields{
		"peer": peer,
		"port": l.rule.SourcePort,
	}).Debug("accepted conn")

	r := &relay{
		rule: l.rule,
		cfg:  l.e.cfg,
		src:  conn,
		peer: peer,
		ul:   l.e.meter.Recorder(peer, meter.Upload),
		dl:   l.e.meter.Recorder(peer, meter.Download),
	}
	l.e.pool.Submit(func() {
		defer close(h.done)
		r.run()
	})
}

// sweep drops finished relays from the table. Runs on every accept so the
// table stays proportional to live conns.
func (l *listener) sweep() {
	for slot, h := range l.conns {
		if h.finished() {
			delete(l.conns, slot)
		}
	}
}

// drain blocks until every live relay is done.
func (l *listener) drain() {
	if len(l.conns) > 0 {
		logrus.WithFields(logrus.Fields{
			"port":  l.rule.SourcePort,
			"conns": len(l.conns),
		}).Info("draining conns")
	}
	for slot, h := range l.conns {
		if !h.finished() {
			logrus.WithFields(logrus.Fields{
				"peer": h.peer,
				"port": l.rule.SourcePort,
			}).Debug("waiting for conn")
		}
		<-h.done
		delete(l.conns, slot)
	}

	logrus.WithField("port", l.rule.SourcePort).Info("listener stopped")
}

func peerOf(conn *net.TCPConn) netip.AddrPort {
	addr := conn.RemoteAddr().(*net.TCPAddr).AddrPort()
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

func isTemporary(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Temporary()
}
