// Package fwd is the forwarding engine: one listener per rule, a shared
// relay worker pool, and the meter glue. Configs are assumed validated;
// engine code never re-checks rule shape.
package fwd

import (
	"errors"
	"net"
	"sync"

	"github.com/alitto/pond"
	"github.com/sirupsen/logrus"

	"github.com/portfan/portfan/conf"
	"github.com/portfan/portfan/meter"
	"github.com/portfan/portfan/syncx"
)

// pending relay jobs before accept loops start blocking
const jobQueueDepth = 1024

type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Engine runs every forwarding rule of one config plus the shared meter.
type Engine struct {
	cfg   *conf.Config
	meter *meter.Meter
	pool  *pond.WorkerPool

	listeners []*listener
	wg        sync.WaitGroup
	state     *syncx.Cond[State]
	bcast     *syncx.Broadcaster[struct{}]
}

// Run starts the engine and returns once every listener is accepting. Rules
// that fail to bind are logged and folded into the returned error while the
// rest keep serving, so err and engine can both be non-nil. A nil engine
// means nothing bound.
func Run(cfg *conf.Config) (*Engine, error) {
	m, err := meter.New()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:   cfg,
		meter: m,
		pool: pond.New(cfg.Workers, jobQueueDepth, pond.PanicHandler(func(p any) {
			logrus.Errorf("relay panic: %v", p)
		})),
		state: syncx.NewCond(StateRunning),
		bcast: syncx.NewBroadcaster[struct{}](),
	}

	var bindErrs []error
	for _, rule := range cfg.Forwards {
		l, err := newListener(e, rule)
		if err != nil {
			logrus.WithError(err).WithField("port", rule.SourcePort).Error("rule failed")
			bindErrs = append(bindErrs, err)
			continue
		}
		e.listeners = append(e.listeners, l)
	}

	if len(e.listeners) == 0 {
		e.pool.StopAndWait()
		return nil, errors.Join(bindErrs...)
	}

	e.meter.Start()
	for _, l := range e.listeners {
		e.wg.Add(1)
		go l.run()
	}

	logrus.WithFields(logrus.Fields{
		"rules":   len(e.listeners),
		"workers": cfg.Workers,
		"buffer":  cfg.BufferSize,
	}).Info("engine running")

	return e, errors.Join(bindErrs...)
}

// Shutdown drains the engine: stop accepting, wait out live relays, then
// stop the meter and the pool. Safe to call from several goroutines; every
// caller returns once the engine reaches Stopped.
func (e *Engine) Shutdown() {
	if !e.state.CompareAndSet(StateRunning, StateDraining) {
		e.state.Wait(StateStopped)
		return
	}

	logrus.Info("engine draining")
	e.bcast.EmitSync(struct{}{})
	e.wg.Wait()

	// listeners are done, so every relay has reported its final counts
	e.meter.Stop()
	e.pool.StopAndWait()
	e.bcast.Close()

	e.state.Set(StateStopped)
	logrus.Info("engine stopped")
}

func (e *Engine) State() State {
	return e.state.Get()
}

// Addrs returns the bound address per started rule, in rule order. Rules
// built below the config boundary may use port 0; this is how the chosen
// port becomes visible.
func (e *Engine) Addrs() []net.Addr {
	addrs := make([]net.Addr, len(e.listeners))
	for i, l := range e.listeners {
		addrs[i] = l.ln.Addr()
	}
	return addrs
}
