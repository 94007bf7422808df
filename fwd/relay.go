package fwd

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/portfan/portfan/conf"
	"github.com/portfan/portfan/util/netx"
)

// FullDuplexConn is a stream that can shut down each direction on its own.
type FullDuplexConn interface {
	net.Conn
	CloseRead() error
	CloseWrite() error
}

// byteRecorder is the only meter surface the copy loops see.
type byteRecorder interface {
	Record(byteCount int)
}

// relay moves bytes between one accepted source conn and the targets of its
// rule until both directions finish.
type relay struct {
	rule conf.Forward
	cfg  *conf.Config
	src  FullDuplexConn
	peer netip.AddrPort
	ul   byteRecorder
	dl   byteRecorder
}

func (r *relay) run() {
	defer r.src.Close()

	targets := r.dialTargets()
	if len(targets) == 0 {
		logrus.WithFields(logrus.Fields{
			"peer": r.peer,
			"port": r.rule.SourcePort,
		}).Error("no target reachable, dropping conn")
		return
	}

	logrus.WithFields(logrus.Fields{
		"peer":    r.peer,
		"port":    r.rule.SourcePort,
		"targets": len(targets),
	}).Info("opening relay")

	if err := r.pump(targets); err != nil {
		logrus.WithError(err).WithField("peer", r.peer).Error("relay finished with error")
	}

	logrus.WithField("peer", r.peer).Info("closing relay")
}

// dialTargets connects to the rule's targets in order. Unreachable ones are
// skipped; the relay runs as long as at least one connects.
func (r *relay) dialTargets() []*net.TCPConn {
	conns := make([]*net.TCPConn, 0, len(r.rule.Targets))
	for _, addr := range r.rule.Targets {
		conn, err := netx.DialTCP(addr)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"peer":   r.peer,
				"target": addr,
			}).Warn("skipping unreachable target")
			continue
		}

		// relayed streams are latency sensitive
		conn.SetNoDelay(true)
		conns = append(conns, conn)
	}
	return conns
}

// pump runs both directions and merges their errors. Sockets close fully
// only after both loops exit; the loops themselves only half-close.
func (r *relay) pump(targets []*net.TCPConn) error {
	defer func() {
		for _, t := range targets {
			t.Close()
		}
	}()

	errc := make(chan error, 2)

	go r.pumpUpload(errc, targets)
	// the first connected target carries the return path; data the other
	// targets send back is never read
	go r.pumpDownload(errc, targets[0])

	return errors.Join(<-errc, <-errc)
}

func (r *relay) pumpUpload(errc chan<- error, targets []*net.TCPConn) {
	// register the endpoint even if no data ever moves
	r.ul.Record(0)

	buf := make([]byte, r.cfg.BufferSize)
	live := targets
	var loopErr error

	for {
		if r.cfg.IdleTimeout > 0 {
			r.src.SetReadDeadline(time.Now().Add(r.cfg.IdleTimeout))
		}
		n, err := r.src.Read(buf)
		if n > 0 {
			live = r.writeAll(live, buf[:n])
			if len(live) == 0 {
				loopErr = errors.New("all targets failed")
				break
			}
			r.ul.Record(n)
		}
		if err != nil {
			if err != io.EOF {
				loopErr = err
			}
			break
		}
	}

	// half-close so targets can finish sending trailing data
	for _, t := range live {
		loopErr = errors.Join(loopErr, closeWrite(t))
	}
	errc <- loopErr
}

func (r *relay) pumpDownload(errc chan<- error, ret *net.TCPConn) {
	r.dl.Record(0)

	buf := make([]byte, r.cfg.BufferSize)
	var loopErr error

	for {
		if r.cfg.IdleTimeout > 0 {
			ret.SetReadDeadline(time.Now().Add(r.cfg.IdleTimeout))
		}
		n, err := ret.Read(buf)
		if n > 0 {
			if _, werr := r.src.Write(buf[:n]); werr != nil {
				loopErr = werr
				break
			}
			r.dl.Record(n)
		}
		if err != nil {
			if err != io.EOF {
				loopErr = err
			}
			break
		}
	}

	loopErr = errors.Join(loopErr, closeWrite(r.src))
	errc <- loopErr
}

// writeAll writes chunk to every live target, dropping and closing the ones
// that fail. Returns the targets still live, order preserved.
func (r *relay) writeAll(live []*net.TCPConn, chunk []byte) []*net.TCPConn {
	kept := live[:0]
	for _, t := range live {
		if _, err := t.Write(chunk); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"peer":   r.peer,
				"target": t.RemoteAddr(),
			}).Warn("dropping failed target")
			t.Close()
			continue
		}
		kept = append(kept, t)
	}
	return kept
}

// closeWrite half-closes the write side. The peer having already gone away
// counts as success.
func closeWrite(conn FullDuplexConn) error {
	err := conn.CloseWrite()
	if err == nil || errors.Is(err, unix.ENOTCONN) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
