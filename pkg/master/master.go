package master

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/samsamfire/goethercat/pkg/coe"
	"github.com/samsamfire/goethercat/pkg/errlist"
	"github.com/samsamfire/goethercat/pkg/frame"
	"github.com/samsamfire/goethercat/pkg/link"
	"github.com/samsamfire/goethercat/pkg/mailbox"
	"github.com/samsamfire/goethercat/pkg/monitor"
	"github.com/samsamfire/goethercat/pkg/process"
	"github.com/samsamfire/goethercat/pkg/sii"
	"github.com/samsamfire/goethercat/pkg/slave"
	"github.com/samsamfire/goethercat/pkg/soe"
	"github.com/samsamfire/goethercat/pkg/state"
)

// MaxSlaves bounds the slave array, statically sized at build time (spec
// §5 Memory).
const MaxSlaves = 256

// NodeOffset is added to a slave's ring position to form its configured
// address (spec §4.7 step 5b).
const NodeOffset = 0x1000

// TempNode is the configured address temporarily assigned to a slave
// whose original address has been lost, during recover_slave (spec §4.10,
// §9 note).
const TempNode uint16 = 0xFFFF

// DefaultTimeout is used for any command primitive the config engine
// issues without an application-supplied timeout.
const DefaultTimeout = 2000 * time.Millisecond

// Master aggregates every subcomponent a complete EtherCAT master needs:
// the command layer (*link.Port), the slave array (index 0 reserved for
// the aggregate record per spec §3), the group array, the EEPROM cache,
// and the error ring — all explicit instance fields, no globals, the way
// pkg/network.Network aggregates *canopen.BusManager + *sdo.SDOClient +
// its controller map.
type Master struct {
	logger *slog.Logger

	Port      *link.Port
	Transport *Transport
	State     *state.Driver
	Errors    *errlist.Ring

	Slaves []*slave.Slave // Slaves[0] is the master-aggregate record
	Groups []*process.Group

	eeprom *sii.Cache

	lastOutputWKC int
	lastInputWKC  int
}

// New constructs an unopened Master.
func New(logger *slog.Logger) *Master {
	if logger == nil {
		logger = slog.Default()
	}
	port := link.NewPort(logger)
	t := NewTransport(port)
	m := &Master{
		logger:    logger,
		Port:      port,
		Transport: t,
		State:     state.New(t),
		Errors:    errlist.New(),
		Slaves:    []*slave.Slave{slave.New(0)},
	}
	m.eeprom = sii.NewCache(m.eepromRead)
	return m
}

// Init opens a single (non-redundant) raw-Ethernet link by backend name
// and channel (e.g. "raw", "eth0").
func (m *Master) Init(backend, channel string) error {
	l, err := link.Open(backend, channel)
	if err != nil {
		return err
	}
	return m.Port.Open(l, nil)
}

// InitRedundant opens a primary and secondary link, enabling the
// redundant-ring combine path in *link.Port (spec §4.1).
func (m *Master) InitRedundant(backend, primaryChannel, secondaryChannel string) error {
	primary, err := link.Open(backend, primaryChannel)
	if err != nil {
		return err
	}
	secondary, err := link.Open(backend, secondaryChannel)
	if err != nil {
		return err
	}
	return m.Port.Open(primary, secondary)
}

// Close releases the underlying link(s).
func (m *Master) Close() error {
	return m.Port.Close()
}

// Slave returns the slave at position idx (1-based ring position;
// Slave(0) is the master-aggregate record), or nil if out of range
// (spec §4.7 C.3 "Master.Slave(idx) accessor supplement").
func (m *Master) Slave(idx int) *slave.Slave {
	if idx < 0 || idx >= len(m.Slaves) {
		return nil
	}
	return m.Slaves[idx]
}

// mailboxClient builds a CoE/SoE-capable mailbox client over the master's
// transport; the slave's mailbox geometry is carried by mailboxState.
func (m *Master) mailboxClient(s *slave.Slave) *mailbox.Client {
	return mailbox.New(m.Transport, m.Errors)
}

func (m *Master) mailboxState(s *slave.Slave) *mailbox.State {
	return &mailbox.State{
		ConfiguredAddr: s.ConfiguredAddress,
		WriteOffset:    s.Mailbox.WriteOffset,
		WriteLength:    s.Mailbox.WriteLength,
		ReadOffset:     s.Mailbox.ReadOffset,
		ReadLength:     s.Mailbox.ReadLength,
		Next:           s.Mailbox.Next,
	}
}

// CoEClient builds a CoE SDO client for a slave (spec §4.6).
func (m *Master) CoEClient(s *slave.Slave) *coe.Client {
	return coe.New(m.mailboxClient(s), m.mailboxState(s), DefaultTimeout)
}

// SoEClient builds an SoE IDN client for a slave (spec §4.6).
func (m *Master) SoEClient(s *slave.Slave) *soe.Client {
	return soe.New(m.mailboxClient(s), m.mailboxState(s), DefaultTimeout)
}

// configuredAddrs returns every non-aggregate slave's configured address,
// in ring order.
func (m *Master) configuredAddrs() []uint16 {
	addrs := make([]uint16, 0, len(m.Slaves)-1)
	for _, s := range m.Slaves[1:] {
		addrs = append(addrs, s.ConfiguredAddress)
	}
	return addrs
}

// --- monitor.Bus -----------------------------------------------------

// ExpectedWKC sums every group's expected output/input WKC (spec §3
// "expected_wkc(group) = outputsWKC*2 + inputsWKC").
func (m *Master) ExpectedWKC() int {
	total := 0
	for _, g := range m.Groups {
		total += g.ExpectedOutputWKC*2 + g.ExpectedInputWKC
	}
	return total
}

// LastWKC returns the WKC sum observed on the most recent cyclic
// exchange, recorded by RecordCycleWKC.
func (m *Master) LastWKC() int {
	return m.lastOutputWKC + m.lastInputWKC
}

// RecordCycleWKC lets the application-driven cyclic loop report each
// cycle's observed WKC so the monitor can compare it against expectation.
func (m *Master) RecordCycleWKC(wkc frame.WKC) {
	if wkc < 0 {
		m.lastOutputWKC, m.lastInputWKC = 0, 0
		return
	}
	m.lastOutputWKC, m.lastInputWKC = int(wkc), 0
}

// SlaveStates implements monitor.Bus by reading every slave's AL state.
func (m *Master) SlaveStates(timeout time.Duration) ([]monitor.SlaveState, error) {
	results, err := m.State.ReadState(m.configuredAddrs(), timeout)
	if err != nil {
		return nil, err
	}
	out := make([]monitor.SlaveState, len(results))
	for i, r := range results {
		s := m.Slaves[i+1]
		s.ALState = r.State
		out[i] = monitor.SlaveState{
			Index:   i + 1,
			ALState: r.State,
			Error:   r.Error,
			Lost:    s.IsLost,
		}
	}
	return out, nil
}

// AckSlave requests SAFE-OP+ERROR -> SAFE-OP (spec §4.10 "ACK").
func (m *Master) AckSlave(index int) error {
	s := m.Slave(index)
	if s == nil {
		return fmt.Errorf("master: no slave at index %d", index)
	}
	return m.State.WriteState(s.ConfiguredAddress, frame.StateSafeOp|frame.StateAckFlag, DefaultTimeout)
}

// RequestOp requests SAFE-OP -> OP (spec §4.10 "back-to-OP").
func (m *Master) RequestOp(index int) error {
	s := m.Slave(index)
	if s == nil {
		return fmt.Errorf("master: no slave at index %d", index)
	}
	return m.State.WriteState(s.ConfiguredAddress, frame.StateOp, DefaultTimeout)
}

// ReconfigSlave re-applies the per-slave PRE-OP/SAFE-OP programming for a
// slave stuck in an intermediate state (spec §4.10 "reconfig_slave").
func (m *Master) ReconfigSlave(index int) error {
	s := m.Slave(index)
	if s == nil {
		return fmt.Errorf("master: no slave at index %d", index)
	}
	if err := m.programSyncManagers(s); err != nil {
		return err
	}
	if err := m.State.WriteState(s.ConfiguredAddress, frame.StatePreOp, DefaultTimeout); err != nil {
		return err
	}
	_, err := m.State.StateCheck(s.ConfiguredAddress, frame.StatePreOp, DefaultTimeout)
	return err
}

// RecoverSlave searches for a slave whose configured address has been
// lost (STADR reads 0), temporarily assigns TempNode, verifies SII
// identity matches the record, and rewrites the original configured
// address (spec §4.10 "recover_slave").
func (m *Master) RecoverSlave(index int) error {
	s := m.Slave(index)
	if s == nil {
		return fmt.Errorf("master: no slave at index %d", index)
	}

	raw, wkc, err := FPRD(m.Port, s.ConfiguredAddress, frame.RegStationAddr, 2, DefaultTimeout)
	if err != nil {
		return err
	}
	if wkc > 0 && (raw[0] != 0 || raw[1] != 0) {
		s.IsLost = false
		return nil // it answered after all; nothing to recover
	}

	// Briefly clear anything answering at TempNode before probing it.
	_, _ = FPWR(m.Port, TempNode, frame.RegStationAddr, []byte{0, 0}, DefaultTimeout)

	adp := uint16(1 - index)
	if wkc, err := APWRw(m.Port, adp, frame.RegStationAddr, TempNode, DefaultTimeout); err != nil || wkc <= 0 {
		return fmt.Errorf("master: recover_slave: could not assign TEMPNODE to slave %d", index)
	}

	m.eeprom.SwitchSlave(TempNode, s.Has8ByteEEPROMRead)
	manufacturer, product, revision, err := m.eeprom.Identity()
	if err != nil {
		return err
	}
	if manufacturer != s.Manufacturer || product != s.ID || revision != s.Revision {
		return fmt.Errorf("master: recover_slave: SII identity mismatch at slave %d", index)
	}

	if wkc, err := FPWRw(m.Port, TempNode, frame.RegStationAddr, s.ConfiguredAddress, DefaultTimeout); err != nil || wkc <= 0 {
		return fmt.Errorf("master: recover_slave: failed to rewrite configured address for slave %d", index)
	}
	s.IsLost = false
	return nil
}
