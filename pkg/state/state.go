// Package state implements the AL state driver: read_state, write_state and
// statecheck (spec §4.8). It favors one broadcast read when every slave
// agrees, falling back to batched multi-datagram reads only when they
// don't — the same "cheap common case, precise fallback" shape the teacher
// uses for NMT state broadcast vs per-node heartbeat tracking.
package state

import (
	"fmt"
	"time"

	"github.com/samsamfire/goethercat/pkg/frame"
)

// MaxFPRDMulti bounds how many per-slave FPRD datagrams one batched state
// read packs into a single frame (spec §4.8).
const MaxFPRDMulti = 32

// Transport is the subset of command primitives the state driver needs.
type Transport interface {
	BRD(ado uint16, length int, timeout time.Duration) ([]byte, frame.WKC, error)
	BWR(ado uint16, data []byte, timeout time.Duration) (frame.WKC, error)
	FPRD(configuredAddr, ado uint16, length int, timeout time.Duration) ([]byte, frame.WKC, error)
	FPWR(configuredAddr, ado uint16, data []byte, timeout time.Duration) (frame.WKC, error)
	// FPRDBatch issues one frame containing an FPRD datagram per target
	// address, returning each target's payload and WKC in order.
	FPRDBatch(ado uint16, length int, targets []uint16, timeout time.Duration) ([][]byte, []frame.WKC, error)
}

// Result is one slave's decoded AL state word (low nibble = state, bit 4 =
// error flag, spec §6).
type Result struct {
	State uint16
	Error bool
}

func decode(word uint16) Result {
	return Result{State: word & 0x0F, Error: word&frame.StateErrFlag != 0}
}

// Driver reads and writes AL state across a slave population.
type Driver struct {
	Transport Transport
}

func New(t Transport) *Driver { return &Driver{Transport: t} }

// ReadState reads every slave's AL status in configuredAddrs order. It
// first tries a single broadcast read (BRD), whose reply ORs every slave's
// status word together; if the WKC is at least the slave count and that
// combined word is exactly one AL state with no error bit, that one read is
// trusted for all slaves. Otherwise it falls back to batched
// multi-datagram FPRDs, MaxFPRDMulti slaves per frame (spec §4.8).
func (d *Driver) ReadState(configuredAddrs []uint16, timeout time.Duration) ([]Result, error) {
	n := len(configuredAddrs)
	raw, wkc, err := d.Transport.BRD(frame.RegALStatus, 2, timeout)
	if err != nil {
		return nil, err
	}
	if int(wkc) >= n && len(raw) >= 2 {
		word := uint16(raw[0]) | uint16(raw[1])<<8
		switch word {
		case frame.StateInit, frame.StatePreOp, frame.StateBoot, frame.StateSafeOp, frame.StateOp:
			r := decode(word)
			out := make([]Result, n)
			for i := range out {
				out[i] = r
			}
			return out, nil
		}
	}

	out := make([]Result, n)
	for start := 0; start < n; start += MaxFPRDMulti {
		end := start + MaxFPRDMulti
		if end > n {
			end = n
		}
		batch := configuredAddrs[start:end]
		payloads, _, err := d.Transport.FPRDBatch(frame.RegALStatus, 2, batch, timeout)
		if err != nil {
			return nil, err
		}
		for i, p := range payloads {
			if len(p) < 2 {
				continue
			}
			word := uint16(p[0]) | uint16(p[1])<<8
			out[start+i] = decode(word)
		}
	}
	return out, nil
}

// WriteState requests a state transition for one slave via FPWR ALCTL, or
// for every slave via BWR when configuredAddr is zero (spec §4.8
// "write_state(slave)").
func (d *Driver) WriteState(configuredAddr uint16, want uint16, timeout time.Duration) error {
	data := []byte{byte(want), byte(want >> 8)}
	if configuredAddr == 0 {
		_, err := d.Transport.BWR(frame.RegALControl, data, timeout)
		return err
	}
	_, err := d.Transport.FPWR(configuredAddr, frame.RegALControl, data, timeout)
	return err
}

// StateCheck polls one slave until its low-nibble state matches want or
// timeout elapses, returning the last observed state (spec §4.8
// "statecheck"); on timeout it also returns an error.
func (d *Driver) StateCheck(configuredAddr uint16, want uint16, timeout time.Duration) (Result, error) {
	deadline := time.Now().Add(timeout)
	var last Result
	for {
		raw, wkc, err := d.Transport.FPRD(configuredAddr, frame.RegALStatus, 2, time.Until(deadline))
		if err == nil && wkc > 0 && len(raw) >= 2 {
			word := uint16(raw[0]) | uint16(raw[1])<<8
			last = decode(word)
			if last.State == want {
				return last, nil
			}
		}
		if time.Now().After(deadline) {
			return last, fmt.Errorf("state: slave 0x%04x did not reach state 0x%02x (last 0x%02x)", configuredAddr, want, last.State)
		}
		time.Sleep(time.Millisecond)
	}
}
