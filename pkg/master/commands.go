// Package master ties every lower layer into the host-facing EtherCAT
// master: the command primitives (spec §4.3), the config engine (spec
// §4.7), and the top-level Master aggregate (spec §6).
package master

import (
	"encoding/binary"
	"time"

	"github.com/samsamfire/goethercat/pkg/frame"
	"github.com/samsamfire/goethercat/pkg/link"
)

// descriptor parameterises the one generic round-trip helper every command
// primitive is built from (spec §9 "Polymorphic command table" note) —
// modelled on how the teacher's SDOClient drives every SDO segment through
// one state machine rather than ad hoc per-command code, generalized here
// to "one builder function per command" instead of "one state machine".
type descriptor struct {
	cmd  frame.Command
	adp  uint16
	ado  uint16
	copy bool // whether to copy the response payload back into data
}

// roundTrip is the single primitive every blocking command funnels
// through: allocate an index, build a one-datagram frame, srconfirm, copy
// the response back if requested, release the slot.
func roundTrip(port *link.Port, d descriptor, data []byte, timeout time.Duration) (frame.WKC, error) {
	idx, err := port.GetIndex()
	if err != nil {
		return frame.NoFrame, err
	}
	f := frame.New(port.SourceMAC(false))
	f.Setup(d.cmd, idx, d.adp, d.ado, data)

	wkc, err := port.Srconfirm(idx, f.Bytes(), timeout)
	if err != nil || wkc <= 0 {
		return wkc, err
	}
	if d.copy {
		if raw, ierr := port.Inframe(idx); ierr == nil {
			if dgs, perr := frame.ParseDatagrams(raw); perr == nil && len(dgs) > 0 {
				copy(data, dgs[0].Payload())
			}
		}
	}
	return wkc, nil
}

// BRD — broadcast read (spec §4.3).
func BRD(port *link.Port, ado uint16, length int, timeout time.Duration) ([]byte, frame.WKC, error) {
	data := make([]byte, length)
	wkc, err := roundTrip(port, descriptor{cmd: frame.BRD, adp: 0, ado: ado, copy: true}, data, timeout)
	return data, wkc, err
}

// BWR — broadcast write.
func BWR(port *link.Port, ado uint16, data []byte, timeout time.Duration) (frame.WKC, error) {
	return roundTrip(port, descriptor{cmd: frame.BWR, adp: 0, ado: ado}, data, timeout)
}

// APRD — auto-increment address read; adp is the negative ring position
// (0 = current slave in the auto-increment walk).
func APRD(port *link.Port, adp uint16, ado uint16, length int, timeout time.Duration) ([]byte, frame.WKC, error) {
	data := make([]byte, length)
	wkc, err := roundTrip(port, descriptor{cmd: frame.APRD, adp: adp, ado: ado, copy: true}, data, timeout)
	return data, wkc, err
}

// APWR — auto-increment address write.
func APWR(port *link.Port, adp uint16, ado uint16, data []byte, timeout time.Duration) (frame.WKC, error) {
	return roundTrip(port, descriptor{cmd: frame.APWR, adp: adp, ado: ado}, data, timeout)
}

// FPRD — configured (node) address read.
func FPRD(port *link.Port, configuredAddr uint16, ado uint16, length int, timeout time.Duration) ([]byte, frame.WKC, error) {
	data := make([]byte, length)
	wkc, err := roundTrip(port, descriptor{cmd: frame.FPRD, adp: configuredAddr, ado: ado, copy: true}, data, timeout)
	return data, wkc, err
}

// FPWR — configured (node) address write.
func FPWR(port *link.Port, configuredAddr uint16, ado uint16, data []byte, timeout time.Duration) (frame.WKC, error) {
	return roundTrip(port, descriptor{cmd: frame.FPWR, adp: configuredAddr, ado: ado}, data, timeout)
}

// LRD — logical address read.
func LRD(port *link.Port, logAddr uint32, data []byte, timeout time.Duration) (frame.WKC, error) {
	adp, ado := splitLogical(logAddr)
	return roundTrip(port, descriptor{cmd: frame.LRD, adp: adp, ado: ado, copy: true}, data, timeout)
}

// LWR — logical address write.
func LWR(port *link.Port, logAddr uint32, data []byte, timeout time.Duration) (frame.WKC, error) {
	adp, ado := splitLogical(logAddr)
	return roundTrip(port, descriptor{cmd: frame.LWR, adp: adp, ado: ado}, data, timeout)
}

// LRW — logical address read-write.
func LRW(port *link.Port, logAddr uint32, data []byte, timeout time.Duration) (frame.WKC, error) {
	adp, ado := splitLogical(logAddr)
	return roundTrip(port, descriptor{cmd: frame.LRW, adp: adp, ado: ado, copy: true}, data, timeout)
}

// FRMW — configured-address read on a reference slave plus multi-write of
// the same value to every other slave (used for distributed-clock
// system-time distribution).
func FRMW(port *link.Port, configuredAddr uint16, ado uint16, data []byte, timeout time.Duration) (frame.WKC, error) {
	return roundTrip(port, descriptor{cmd: frame.FRMW, adp: configuredAddr, ado: ado, copy: true}, data, timeout)
}

// ARMW — auto-increment address read plus multi-write.
func ARMW(port *link.Port, adp uint16, ado uint16, data []byte, timeout time.Duration) (frame.WKC, error) {
	return roundTrip(port, descriptor{cmd: frame.ARMW, adp: adp, ado: ado, copy: true}, data, timeout)
}

func splitLogical(logAddr uint32) (adp, ado uint16) {
	return uint16(logAddr), uint16(logAddr >> 16)
}

// Word-width helpers (spec §4.3 "thin 2-byte wrappers").

func APRDw(port *link.Port, adp uint16, ado uint16, timeout time.Duration) (uint16, frame.WKC, error) {
	data, wkc, err := APRD(port, adp, ado, 2, timeout)
	return binary.LittleEndian.Uint16(data), wkc, err
}

func FPRDw(port *link.Port, configuredAddr uint16, ado uint16, timeout time.Duration) (uint16, frame.WKC, error) {
	data, wkc, err := FPRD(port, configuredAddr, ado, 2, timeout)
	return binary.LittleEndian.Uint16(data), wkc, err
}

func APWRw(port *link.Port, adp uint16, ado uint16, value uint16, timeout time.Duration) (frame.WKC, error) {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, value)
	return APWR(port, adp, ado, data, timeout)
}

func FPWRw(port *link.Port, configuredAddr uint16, ado uint16, value uint16, timeout time.Duration) (frame.WKC, error) {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, value)
	return FPWR(port, configuredAddr, ado, data, timeout)
}

// FPRDBatch issues one frame containing a sequence of FPRD datagrams, one
// per target configured address — used by the state driver's fallback
// path (spec §4.8 "batched multi-datagram FPRDs").
func FPRDBatch(port *link.Port, ado uint16, length int, targets []uint16, timeout time.Duration) ([][]byte, []frame.WKC, error) {
	if len(targets) == 0 {
		return nil, nil, nil
	}
	idx, err := port.GetIndex()
	if err != nil {
		return nil, nil, err
	}

	f := frame.New(port.SourceMAC(false))
	for i, addr := range targets {
		blank := make([]byte, length)
		if i == 0 {
			f.Setup(frame.FPRD, idx, addr, ado, blank)
		} else {
			f.Add(frame.FPRD, idx, addr, ado, blank, false)
		}
	}

	if err := port.OutframeRedundant(idx, f.Bytes()); err != nil {
		port.SetBufstat(idx, false)
		return nil, nil, err
	}
	totalWKC, err := port.WaitInframe(idx, timeout)
	if err != nil {
		port.SetBufstat(idx, false)
		return nil, nil, err
	}

	results := make([][]byte, len(targets))
	wkcs := make([]frame.WKC, len(targets))
	if totalWKC > 0 {
		if raw, ierr := port.Inframe(idx); ierr == nil {
			if dgs, perr := frame.ParseDatagrams(raw); perr == nil {
				for i := range targets {
					if i < len(dgs) {
						results[i] = append([]byte(nil), dgs[i].Payload()...)
						wkcs[i] = frame.WKC(dgs[i].WKC())
					} else {
						results[i] = make([]byte, length)
					}
				}
			}
		}
	} else {
		for i := range targets {
			results[i] = make([]byte, length)
		}
	}
	port.SetBufstat(idx, false)
	return results, wkcs, nil
}

// Transport adapts a *link.Port to the narrower interfaces pkg/state and
// pkg/mailbox depend on, so neither of those packages needs to know about
// frame.Command or the index ring directly.
type Transport struct {
	Port *link.Port
}

func NewTransport(port *link.Port) *Transport { return &Transport{Port: port} }

func (t *Transport) BRD(ado uint16, length int, timeout time.Duration) ([]byte, frame.WKC, error) {
	return BRD(t.Port, ado, length, timeout)
}

func (t *Transport) BWR(ado uint16, data []byte, timeout time.Duration) (frame.WKC, error) {
	return BWR(t.Port, ado, data, timeout)
}

func (t *Transport) FPRD(configuredAddr, ado uint16, length int, timeout time.Duration) ([]byte, frame.WKC, error) {
	return FPRD(t.Port, configuredAddr, ado, length, timeout)
}

func (t *Transport) FPWR(configuredAddr, ado uint16, data []byte, timeout time.Duration) (frame.WKC, error) {
	return FPWR(t.Port, configuredAddr, ado, data, timeout)
}

func (t *Transport) FPRDBatch(ado uint16, length int, targets []uint16, timeout time.Duration) ([][]byte, []frame.WKC, error) {
	return FPRDBatch(t.Port, ado, length, targets, timeout)
}
