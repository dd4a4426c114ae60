// Package monitor implements the liveness monitor (spec §4.10): an
// optional component, not started automatically by a master, that watches
// cyclic WKC against an expected value and escalates not-in-OP slaves
// through ACK, back-to-OP, reconfig_slave, and recover_slave. Lifecycle
// shape (Start/Stop/Wait over a cancellable context and WaitGroup) follows
// pkg/node's NodeProcessor, generalized from one per-node background
// routine to a single bus-wide monitor goroutine.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samsamfire/goethercat/pkg/frame"
)

// Bus is the slice of *master.Master behavior the monitor needs. Defined
// here rather than depended on directly so pkg/monitor never imports
// pkg/master, keeping the dependency edge one-directional.
type Bus interface {
	// ExpectedWKC returns the work counter the last cyclic exchange should
	// have reached if every configured slave responded.
	ExpectedWKC() int
	// LastWKC returns the work counter observed on the most recent cycle.
	LastWKC() int
	// SlaveStates returns the current AL state/status for every slave; each
	// entry's Index is the slave index the escalation methods below take.
	SlaveStates(timeout time.Duration) ([]SlaveState, error)
	// AckSlave requests SAFE-OP+ERROR -> SAFE-OP (spec §4.10 "ACK").
	AckSlave(index int) error
	// RequestOp requests SAFE-OP -> OP (spec §4.10 "back-to-OP").
	RequestOp(index int) error
	// ReconfigSlave re-applies PRE-OP/SAFE-OP programming for a slave
	// stuck in an intermediate state (spec §4.10 "reconfig_slave").
	ReconfigSlave(index int) error
	// RecoverSlave searches for a slave whose configured address has been
	// lost, reassigns it via TEMPNODE, verifies SII identity, and
	// rewrites the original configured address (spec §4.10
	// "recover_slave").
	RecoverSlave(index int) error
}

// SlaveState is one slave's decoded AL state as seen by the monitor.
type SlaveState struct {
	Index   int
	ALState uint16 // low nibble per frame.StateInit..StateOp
	Ack     bool
	Error   bool
	Lost    bool
}

// InOp reports whether this slave is already in OP with no error flag.
func (s SlaveState) InOp() bool {
	return s.ALState&0x0F == frame.StateOp && !s.Error
}

// Monitor drives the ACK -> back-to-OP -> reconfig -> recover escalation
// on its own goroutine against a Bus.
type Monitor struct {
	logger *slog.Logger
	bus    Bus
	period time.Duration
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Monitor that polls at the given period once started.
func New(bus Bus, period time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{logger: logger.With("service", "monitor"), bus: bus, period: period}
}

// Start begins the monitor loop in a new goroutine. Stop cancels it; Wait
// blocks until it has exited.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()
}

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()
	m.logger.Info("starting liveness monitor")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("stopping liveness monitor")
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// tick inspects the last cycle's WKC against the expected value; on
// mismatch it reads every slave's state and escalates each not-in-OP
// slave (spec §4.10).
func (m *Monitor) tick() {
	if m.bus.LastWKC() >= m.bus.ExpectedWKC() {
		return
	}

	states, err := m.bus.SlaveStates(m.period)
	if err != nil {
		m.logger.Warn("failed to read slave states", "err", err)
		return
	}

	for _, s := range states {
		if s.InOp() {
			continue
		}
		m.escalate(s)
	}
}

func (m *Monitor) escalate(s SlaveState) {
	switch {
	case s.Lost:
		m.logger.Warn("slave lost, attempting recovery", "slave", s.Index)
		if err := m.bus.RecoverSlave(s.Index); err != nil {
			m.logger.Error("recover_slave failed", "slave", s.Index, "err", err)
		}
	case s.ALState&0x0F == frame.StateSafeOp && s.Error:
		m.logger.Warn("acking slave error", "slave", s.Index)
		if err := m.bus.AckSlave(s.Index); err != nil {
			m.logger.Error("ack failed", "slave", s.Index, "err", err)
		}
	case s.ALState&0x0F == frame.StateSafeOp:
		m.logger.Info("requesting back to OP", "slave", s.Index)
		if err := m.bus.RequestOp(s.Index); err != nil {
			m.logger.Error("request OP failed", "slave", s.Index, "err", err)
		}
	case s.ALState&0x0F == frame.StateInit || s.ALState&0x0F == frame.StatePreOp || s.ALState&0x0F == frame.StateBoot:
		m.logger.Warn("reconfiguring slave stuck in intermediate state", "slave", s.Index, "state", s.ALState)
		if err := m.bus.ReconfigSlave(s.Index); err != nil {
			m.logger.Error("reconfig_slave failed", "slave", s.Index, "err", err)
		}
	}
}
