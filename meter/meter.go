// Package meter aggregates per-connection transfer counts into periodic
// throughput reports. Relay loops feed it through Recorder handles; a single
// aggregator goroutine drains the event channel on a fixed cadence, so the
// relay hot path never blocks on reporting.
package meter

import (
	"net/netip"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

const (
	// Interval is the aggregation cadence and the cadence of report lines.
	Interval = 500 * time.Millisecond

	eventQueueDepth = 4096
	// limited to prevent mem leak from endpoint churn
	maxWindows = 4096
)

type Direction uint8

const (
	Upload Direction = iota
	Download
)

func (d Direction) String() string {
	if d == Upload {
		return "ul"
	}
	return "dl"
}

type event struct {
	endpoint netip.AddrPort
	dir      Direction
	bytes    int
	at       time.Time
}

type windowKey struct {
	endpoint netip.AddrPort
	dir      Direction
}

type sample struct {
	at    time.Time
	bytes int
}

// window holds the samples seen for one (endpoint, direction) since the last
// compaction. Samples arrive in timestamp order: one relay loop produces for
// one window, and channel order is preserved per sender.
type window struct {
	samples []sample
}

func (w *window) add(s sample) {
	w.samples = append(w.samples, s)
}

// throughput returns bytes/sec across the window span, or false when the
// window holds fewer than two samples or no time elapsed between them.
func (w *window) throughput() (float64, bool) {
	if len(w.samples) < 2 {
		return 0, false
	}

	total := 0
	for _, s := range w.samples {
		total += s.bytes
	}
	elapsed := w.samples[len(w.samples)-1].at.Sub(w.samples[0].at)
	if elapsed <= 0 {
		return 0, false
	}
	return float64(total) / elapsed.Seconds(), true
}

// compact keeps only the most recent sample as the seed of the next cycle.
func (w *window) compact() {
	last := w.samples[len(w.samples)-1]
	w.samples = w.samples[:0]
	w.samples = append(w.samples, last)
}

type Meter struct {
	events  chan event
	stop    chan struct{}
	done    chan struct{}
	windows *lru.Cache[windowKey, *window]
	dropped atomic.Uint64

	// swapped out by tests to capture reports
	emit func(dir Direction, endpoint netip.AddrPort, bytesPerSec float64)
}

func New() (*Meter, error) {
	windows, err := lru.New[windowKey, *window](maxWindows)
	if err != nil {
		return nil, err
	}

	return &Meter{
		events:  make(chan event, eventQueueDepth),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		windows: windows,
		emit:    logReport,
	}, nil
}

func logReport(dir Direction, endpoint netip.AddrPort, bytesPerSec float64) {
	logrus.Infof("%s %s: %.2f KB/s", dir, endpoint, bytesPerSec/1000)
}

func (m *Meter) Start() {
	go m.run()
}

// Stop ends aggregation after one final drain-and-report cycle and waits for
// the aggregator to exit. Recorders may still send afterwards; those events
// are simply never read.
func (m *Meter) Stop() {
	close(m.stop)
	<-m.done
}

// Recorder mints the write capability for one relay loop.
func (m *Meter) Recorder(endpoint netip.AddrPort, dir Direction) Recorder {
	return Recorder{m: m, endpoint: endpoint, dir: dir}
}

// Recorder reports transfer sizes for one (endpoint, direction). It is the
// only meter surface relay code sees.
type Recorder struct {
	m        *Meter
	endpoint netip.AddrPort
	dir      Direction
}

// Record reports byteCount more bytes transferred. It never blocks: when the
// aggregator is backed up the event is dropped and counted instead.
func (r Recorder) Record(byteCount int) {
	ev := event{
		endpoint: r.endpoint,
		dir:      r.dir,
		bytes:    byteCount,
		at:       time.Now(),
	}
	select {
	case r.m.events <- ev:
	default:
		r.m.dropped.Add(1)
	}
}

func (m *Meter) run() {
	defer close(m.done)

	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cycle()
		case <-m.stop:
			// final cycle so the tail of a drained relay still reports
			m.cycle()
			return
		}
	}
}

func (m *Meter) cycle() {
	m.drain()

	for _, key := range m.windows.Keys() {
		w, ok := m.windows.Get(key)
		if !ok {
			continue
		}
		if rate, ok := w.throughput(); ok {
			m.emit(key.dir, key.endpoint, rate)
		}
		if len(w.samples) > 1 {
			w.compact()
		}
	}

	if n := m.dropped.Swap(0); n > 0 {
		logrus.WithField("events", n).Debug("meter backlogged, dropped events")
	}
}

// drain moves every queued event into its window without ever waiting.
func (m *Meter) drain() {
	for {
		select {
		case ev, ok := <-m.events:
			if !ok {
				// producers may still hold recorders; nobody closes this
				// channel on purpose
				logrus.Panic("meter event channel closed while producers live")
			}
			m.ingest(ev)
		default:
			return
		}
	}
}

func (m *Meter) ingest(ev event) {
	key := windowKey{endpoint: ev.endpoint, dir: ev.dir}
	w, ok := m.windows.Get(key)
	if !ok {
		w = &window{}
		m.windows.Add(key, w)
	}
	w.add(sample{at: ev.at, bytes: ev.bytes})
}
