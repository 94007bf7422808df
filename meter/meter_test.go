package meter

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var testEndpoint = netip.MustParseAddrPort("192.0.2.10:40001")

func TestDirectionString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ul", Upload.String())
	assert.Equal(t, "dl", Download.String())
}

func TestWindowThroughput(t *testing.T) {
	t.Parallel()

	base := time.Now()

	var w window
	w.add(sample{at: base, bytes: 100})

	// one sample is not a span
	_, ok := w.throughput()
	assert.False(t, ok)

	w.add(sample{at: base.Add(500 * time.Millisecond), bytes: 100})

	rate, ok := w.throughput()
	assert.True(t, ok)
	assert.InDelta(t, 400.0, rate, 0.01)
}

func TestWindowZeroElapsed(t *testing.T) {
	t.Parallel()

	at := time.Now()

	var w window
	w.add(sample{at: at, bytes: 10})
	w.add(sample{at: at, bytes: 20})

	_, ok := w.throughput()
	assert.False(t, ok)
}

func TestWindowCompact(t *testing.T) {
	t.Parallel()

	base := time.Now()

	var w window
	w.add(sample{at: base, bytes: 1})
	w.add(sample{at: base.Add(time.Millisecond), bytes: 2})
	w.add(sample{at: base.Add(2 * time.Millisecond), bytes: 3})

	w.compact()
	assert.Len(t, w.samples, 1)
	assert.Equal(t, 3, w.samples[0].bytes)
}

type capturedReport struct {
	dir  Direction
	rate float64
}

func TestCycleReportsAndCompacts(t *testing.T) {
	t.Parallel()

	m, err := New()
	if err != nil {
		t.Fatal(err)
	}

	var reports []capturedReport
	m.emit = func(dir Direction, endpoint netip.AddrPort, bytesPerSec float64) {
		reports = append(reports, capturedReport{dir: dir, rate: bytesPerSec})
	}

	base := time.Now()
	m.ingest(event{endpoint: testEndpoint, dir: Upload, bytes: 100, at: base})
	m.ingest(event{endpoint: testEndpoint, dir: Upload, bytes: 100, at: base.Add(500 * time.Millisecond)})

	m.cycle()
	assert.Len(t, reports, 1)
	assert.Equal(t, Upload, reports[0].dir)
	assert.InDelta(t, 400.0, reports[0].rate, 0.01)

	// compacted to the seed sample, so an idle cycle reports nothing
	m.cycle()
	assert.Len(t, reports, 1)

	// the seed spans to the next event
	m.ingest(event{endpoint: testEndpoint, dir: Upload, bytes: 60, at: base.Add(time.Second)})
	m.cycle()
	assert.Len(t, reports, 2)
	assert.InDelta(t, 320.0, reports[1].rate, 0.01)
}

func TestZeroByteEventRegistersEndpoint(t *testing.T) {
	t.Parallel()

	m, err := New()
	if err != nil {
		t.Fatal(err)
	}
	m.emit = func(Direction, netip.AddrPort, float64) {
		t.Error("unexpected report")
	}

	m.ingest(event{endpoint: testEndpoint, dir: Download, bytes: 0, at: time.Now()})
	m.cycle()

	assert.Equal(t, 1, m.windows.Len())
}

func TestStopAndLateRecords(t *testing.T) {
	t.Parallel()

	m, err := New()
	if err != nil {
		t.Fatal(err)
	}
	m.emit = func(Direction, netip.AddrPort, float64) {}
	m.Start()

	rec := m.Recorder(testEndpoint, Upload)
	rec.Record(0)
	rec.Record(100)

	m.Stop()

	// best effort after stop: never blocks, never panics
	for i := 0; i < eventQueueDepth+100; i++ {
		rec.Record(1)
	}
	if m.dropped.Load() == 0 {
		t.Error("expected drops once the queue filled")
	}
}
