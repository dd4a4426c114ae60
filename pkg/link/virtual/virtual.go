// Package virtual provides an in-memory loopback Link, modelled on
// pkg/can/virtual's TCP loopback bus in the teacher stack. Instead of a
// broker server, it drives a tiny simulated slave ring directly in-process —
// enough to exercise the whole master stack (frame correlation, command
// primitives, process-data exchange) without real hardware.
package virtual

import (
	"log/slog"
	"sync"

	"github.com/samsamfire/goethercat/pkg/frame"
	"github.com/samsamfire/goethercat/pkg/link"
)

func init() {
	link.RegisterInterface("virtual", func(channel string) (link.Link, error) {
		return NewBus(NewRing(0)), nil
	})
}

// Register makes a pre-built Ring reachable under a channel name, so a test
// can configure slaves before the master ever calls link.Open.
func Register(channel string, ring *Ring) {
	link.RegisterInterface(channel, func(string) (link.Link, error) {
		return NewBus(ring), nil
	})
}

// SimSlave is one simulated EtherCAT device on the ring: a flat register
// file addressed the way the real ESC register map works (spec §6).
type SimSlave struct {
	ConfiguredAddr uint16
	Registers      map[uint16][]byte // RegAddr -> bytes, grown on demand
	LogicalStart   uint32
	LogicalLength  uint32
}

func NewSimSlave(configuredAddr uint16) *SimSlave {
	s := &SimSlave{ConfiguredAddr: configuredAddr, Registers: map[uint16][]byte{}}
	s.Registers[frame.RegALStatus] = []byte{byte(frame.StateInit), 0, 0, 0}
	s.Registers[frame.RegALControl] = []byte{byte(frame.StateInit), 0}
	return s
}

func (s *SimSlave) read(addr uint16, length int) []byte {
	buf, ok := s.Registers[addr]
	if !ok {
		return make([]byte, length)
	}
	out := make([]byte, length)
	copy(out, buf)
	return out
}

func (s *SimSlave) write(addr uint16, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	s.Registers[addr] = buf
}

// Ring is the simulated bus: an ordered slave chain, processed exactly the
// way a real ring processes a cut-through frame — every slave in turn reads
// or writes its addressed segment and bumps the WKC.
type Ring struct {
	mu     sync.Mutex
	slaves []*SimSlave
}

func NewRing(nSlaves int) *Ring {
	r := &Ring{}
	for i := 0; i < nSlaves; i++ {
		r.slaves = append(r.slaves, NewSimSlave(0))
	}
	return r
}

func (r *Ring) AddSlave(s *SimSlave) { r.mu.Lock(); defer r.mu.Unlock(); r.slaves = append(r.slaves, s) }
func (r *Ring) Slaves() []*SimSlave  { r.mu.Lock(); defer r.mu.Unlock(); return r.slaves }

// process mutates raw in place (payload + per-datagram WKC) the way the
// ring would, and returns it.
func (r *Ring) process(raw []byte) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	datagrams, err := frame.ParseDatagrams(raw)
	if err != nil {
		return raw
	}
	for _, dg := range datagrams {
		wkc := uint16(0)
		switch dg.Command {
		case frame.BRD:
			for _, s := range r.slaves {
				data := s.read(dg.ADO, len(dg.Payload()))
				orInto(dg.Payload(), data)
				wkc++
			}
		case frame.BWR:
			for _, s := range r.slaves {
				s.write(dg.ADO, dg.Payload())
				wkc++
			}
		case frame.APRD, frame.APWR:
			adp := int16(dg.ADP)
			for i, s := range r.slaves {
				if int16(-i) == adp {
					if dg.Command == frame.APRD {
						copy(dg.Payload(), s.read(dg.ADO, len(dg.Payload())))
					} else {
						s.write(dg.ADO, dg.Payload())
					}
					wkc++
					break
				}
			}
		case frame.FPRD, frame.FPWR:
			for _, s := range r.slaves {
				if s.ConfiguredAddr == dg.ADP {
					if dg.Command == frame.FPRD {
						copy(dg.Payload(), s.read(dg.ADO, len(dg.Payload())))
					} else {
						s.write(dg.ADO, dg.Payload())
					}
					wkc++
					break
				}
			}
		case frame.LRD, frame.LWR, frame.LRW:
			logAddr := uint32(dg.ADP) | uint32(dg.ADO)<<16
			for _, s := range r.slaves {
				if logAddr >= s.LogicalStart && logAddr < s.LogicalStart+s.LogicalLength {
					wkc++
				}
			}
		case frame.FRMW, frame.ARMW:
			// Distributed-clock style reference read + multi-write: treat
			// the first slave as the reference, the rest as followers.
			if len(r.slaves) > 0 {
				copy(dg.Payload(), r.slaves[0].read(dg.ADO, len(dg.Payload())))
				wkc++
				for _, s := range r.slaves[1:] {
					s.write(dg.ADO, dg.Payload())
					wkc++
				}
			}
		}
		dg.SetWKC(wkc)
	}
	return raw
}

func orInto(dst, src []byte) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		dst[i] |= src[i]
	}
}

// Bus is a Link backed by a Ring — sending delivers straight back through
// the subscribed handler, simulating a frame that travelled the ring and
// returned.
type Bus struct {
	logger  *slog.Logger
	ring    *Ring
	handler link.Handler
	mu      sync.Mutex
	closed  bool
}

func NewBus(ring *Ring) *Bus {
	return &Bus{logger: slog.Default(), ring: ring}
}

func (b *Bus) Connect(...any) error { return nil }

func (b *Bus) Send(raw []byte) error {
	b.mu.Lock()
	handler, closed := b.handler, b.closed
	b.mu.Unlock()
	if closed {
		return nil
	}
	out := append([]byte(nil), raw...)
	processed := b.ring.process(out)
	if handler != nil {
		go handler.Handle(processed)
	}
	return nil
}

func (b *Bus) Subscribe(h link.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
