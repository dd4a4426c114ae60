package link

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/samsamfire/goethercat/pkg/frame"
)

// MaxBuf bounds the number of frames that may be in flight at once — the
// ring is sized at construction and never grows (spec §5 Memory).
const MaxBuf = 16

type slotStatus uint8

const (
	slotEmpty slotStatus = iota
	slotAlloc
	slotReceived
)

type slot struct {
	status    slotStatus
	primary   []byte
	secondary []byte
	ready     chan struct{}
}

var (
	// ErrNoFreeSlot is returned by GetIndex when every ring slot is ALLOC.
	ErrNoFreeSlot = errors.New("link: no free frame index")
	// ErrNotOpen is returned by any Port operation before Open succeeds.
	ErrNotOpen = errors.New("link: port not open")
)

// Port owns one or two raw-Ethernet links and the frame-index ring used to
// correlate outbound frames with their inbound responses (spec §4.1).
type Port struct {
	logger *slog.Logger

	primary   Link
	secondary Link
	redundant bool

	srcMACPrimary   [6]byte
	srcMACSecondary [6]byte

	getIndexMu sync.Mutex
	txMu       sync.Mutex

	mu     sync.Mutex
	cursor uint8
	slots  [MaxBuf]*slot

	// onlyOneHealthyPath records that the last cycle only got a response
	// back on one of the two redundant paths (spec §4.1 last paragraph).
	onlyOneHealthyPath bool
}

// NewPort constructs an unopened Port.
func NewPort(logger *slog.Logger) *Port {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Port{logger: logger}
	for i := range p.slots {
		p.slots[i] = &slot{status: slotEmpty}
	}
	return p
}

// Open connects the primary link, and the secondary (redundant) link if
// non-nil, and starts demultiplexing received frames into the index ring.
func (p *Port) Open(primary Link, secondary Link) error {
	if err := primary.Connect(); err != nil {
		return err
	}
	p.primary = primary
	p.srcMACPrimary = frame.MasterMAC(false)
	if err := primary.Subscribe(HandlerFunc(func(raw []byte) { p.handleInbound(raw, false) })); err != nil {
		return err
	}

	if secondary != nil {
		if err := secondary.Connect(); err != nil {
			return err
		}
		p.secondary = secondary
		p.redundant = true
		p.srcMACSecondary = frame.MasterMAC(true)
		if err := secondary.Subscribe(HandlerFunc(func(raw []byte) { p.handleInbound(raw, true) })); err != nil {
			return err
		}
	}
	return nil
}

// Close releases both links.
func (p *Port) Close() error {
	var err error
	if p.primary != nil {
		err = p.primary.Close()
	}
	if p.secondary != nil {
		if serr := p.secondary.Close(); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

// Redundant reports whether a secondary path is configured.
func (p *Port) Redundant() bool { return p.redundant }

// SourceMAC returns the pseudo source MAC the primary (or, if secondary is
// true, the redundant) port stamps outgoing frames with.
func (p *Port) SourceMAC(secondary bool) [6]byte {
	if secondary {
		return p.srcMACSecondary
	}
	return p.srcMACPrimary
}

// GetIndex allocates the next free ring slot, walking the cursor forward
// (spec §4.1). Returns ErrNoFreeSlot if the ring is fully in flight.
func (p *Port) GetIndex() (uint8, error) {
	p.getIndexMu.Lock()
	defer p.getIndexMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.cursor
	for {
		idx := p.cursor
		p.cursor = (p.cursor + 1) % MaxBuf
		if p.slots[idx].status == slotEmpty {
			p.slots[idx].status = slotAlloc
			p.slots[idx].primary = nil
			p.slots[idx].secondary = nil
			p.slots[idx].ready = make(chan struct{})
			return idx, nil
		}
		if p.cursor == start {
			return 0, ErrNoFreeSlot
		}
	}
}

// SetBufstat forces a slot's status — used to release a slot back to EMPTY
// after it has been drained, or to reclaim one abandoned by a cancelled
// cycle (spec §5 Cancellation & timeouts).
func (p *Port) SetBufstat(idx uint8, received bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if received {
		p.slots[idx].status = slotReceived
	} else {
		p.slots[idx].status = slotEmpty
	}
}

// Outframe transmits raw (already built by the frame package) on the
// primary link only.
func (p *Port) Outframe(idx uint8, raw []byte) error {
	if p.primary == nil {
		return ErrNotOpen
	}
	p.txMu.Lock()
	defer p.txMu.Unlock()
	return p.primary.Send(raw)
}

// OutframeRedundant transmits raw on the primary link and, when a secondary
// is configured, a mirrored dummy BRD datagram carrying the same index on
// the secondary so a cut ring still completes (spec §4.1).
func (p *Port) OutframeRedundant(idx uint8, raw []byte) error {
	if err := p.Outframe(idx, raw); err != nil {
		return err
	}
	if !p.redundant {
		return nil
	}
	dummy := frame.DummyBRD(p.srcMACSecondary, idx)
	p.txMu.Lock()
	defer p.txMu.Unlock()
	return p.secondary.Send(dummy.Bytes())
}

func (p *Port) handleInbound(raw []byte, secondary bool) {
	datagrams, err := frame.ParseDatagrams(raw)
	if err != nil || len(datagrams) == 0 {
		return // not ours / malformed, discard (spec §4.1)
	}
	idx := datagrams[0].Index

	p.mu.Lock()
	s := p.slots[idx]
	if s.status != slotAlloc {
		p.mu.Unlock()
		return // no waiter for this index, discard
	}
	if secondary {
		s.secondary = raw
	} else {
		s.primary = raw
	}
	// Signal as soon as either path has delivered; WaitInframe decides
	// whether it still needs to wait for the other one.
	ready := s.ready
	p.mu.Unlock()

	select {
	case ready <- struct{}{}:
	default:
	}
}

// WaitInframe blocks until idx's frame returns (on both paths, when
// redundant) or timeout elapses, then returns the combined work counter. If
// only one redundant path has returned when timeout elapses, that path's
// result is used.
func (p *Port) WaitInframe(idx uint8, timeout time.Duration) (frame.WKC, error) {
	deadline := time.Now().Add(timeout)

	for {
		p.mu.Lock()
		s := p.slots[idx]
		haveP := s.primary != nil
		haveS := !p.redundant || s.secondary != nil
		ready := s.ready
		p.mu.Unlock()

		if haveP && haveS {
			break
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return p.timeoutResult(idx)
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ready:
			timer.Stop()
		case <-timer.C:
			return p.timeoutResult(idx)
		}
	}

	return p.finishInframe(idx)
}

func (p *Port) timeoutResult(idx uint8) (frame.WKC, error) {
	p.mu.Lock()
	s := p.slots[idx]
	havePrimary := s.primary != nil
	haveSecondary := s.secondary != nil
	p.mu.Unlock()

	if !havePrimary && !haveSecondary {
		p.onlyOneHealthyPath = p.redundant
		return frame.NoFrame, nil
	}
	// One of the two redundant paths answered: promote it (spec §4.1).
	p.onlyOneHealthyPath = true
	return p.finishInframe(idx)
}

func (p *Port) finishInframe(idx uint8) (frame.WKC, error) {
	p.mu.Lock()
	s := p.slots[idx]
	primary, secondary := s.primary, s.secondary
	s.status = slotReceived
	p.mu.Unlock()

	combined, err := combine(primary, secondary)
	if err != nil {
		return frame.NoFrame, err
	}
	datagrams, err := frame.ParseDatagrams(combined)
	if err != nil || len(datagrams) == 0 {
		return frame.NoFrame, nil
	}
	var total frame.WKC
	for _, d := range datagrams {
		total += frame.WKC(d.WKC())
	}
	return total, nil
}

// Inframe returns the fully combined wire buffer for a RECEIVED slot, for
// callers that need to re-parse individual datagram payloads (the process
// data engine, command primitives).
func (p *Port) Inframe(idx uint8) ([]byte, error) {
	p.mu.Lock()
	s := p.slots[idx]
	primary, secondary := s.primary, s.secondary
	p.mu.Unlock()
	return combine(primary, secondary)
}

// Srconfirm sends raw and waits for idx's response, releasing the slot back
// to EMPTY once drained — this is the send+receive convenience the command
// primitives use for every blocking round-trip (spec §4.1).
func (p *Port) Srconfirm(idx uint8, raw []byte, timeout time.Duration) (frame.WKC, error) {
	if err := p.OutframeRedundant(idx, raw); err != nil {
		p.SetBufstat(idx, false)
		return frame.NoFrame, err
	}
	wkc, err := p.WaitInframe(idx, timeout)
	p.SetBufstat(idx, false)
	return wkc, err
}

// combine folds a redundant pair of captured buffers per spec §4.1: OR the
// payload bytes, sum the per-datagram WKCs, promote whichever single path
// answered if the other did not.
func combine(primary, secondary []byte) ([]byte, error) {
	if secondary == nil {
		return primary, nil
	}
	if primary == nil {
		return secondary, nil
	}

	out := append([]byte(nil), primary...)
	dgOut, err := frame.ParseDatagrams(out)
	if err != nil {
		return primary, nil
	}
	dgSecondary, err := frame.ParseDatagrams(secondary)
	if err != nil {
		return out, nil
	}

	n := len(dgOut)
	if len(dgSecondary) < n {
		n = len(dgSecondary)
	}
	for i := 0; i < n; i++ {
		op := dgOut[i].Payload()
		sp := dgSecondary[i].Payload()
		m := len(op)
		if len(sp) < m {
			m = len(sp)
		}
		for b := 0; b < m; b++ {
			op[b] |= sp[b]
		}
		dgOut[i].SetWKC(dgOut[i].WKC() + dgSecondary[i].WKC())
	}
	return out, nil
}
