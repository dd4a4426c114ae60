// Package process implements the process-data engine (spec §4.9): Group
// records, IOmap layout (sequential and overlap), segmented cyclic
// send/receive over LRW (or LRD+LWR for slaves that block LRW), DC
// piggyback on the first frame of a cycle, and the index-stack
// reassembly that correlates each outstanding frame with its destination
// slice. This is the hot path; the layout is computed once per Group, but
// each cyclic send still allocates a frame buffer per segment.
package process

import (
	"encoding/binary"

	"github.com/samsamfire/goethercat/pkg/slave"
)

// MaxIOSegments bounds a group's segmentation table (spec §3 Group record).
const MaxIOSegments = 64

// MaxLRWData is the largest logical-address span one LRW datagram may
// cover before a segment boundary is forced (spec §4.9).
const MaxLRWData = 1486

// FirstDCDatagram reserves room in the first segment's frame for the
// piggybacked DC FRMW datagram (spec §4.9 "the first frame gets a second
// datagram appended").
const FirstDCDatagram = 20

// Layout selects sequential vs overlap IOmap placement (spec §4.7 step 4,
// §3 IOmap).
type Layout int

const (
	LayoutSequential Layout = iota
	LayoutOverlap
)

// Segment is one datagram-sized piece of a group's logical window (spec §3
// Group record "segmentation table").
type Segment struct {
	Bytes int
}

// Group is a logical partition of slaves sharing one logical-address space
// for LRW (spec §3 Group record).
type Group struct {
	LogicalStart uint32

	OutputBytes int
	InputBytes  int
	// OutputOffset/InputOffset are byte offsets into the caller-owned
	// IOmap buffer.
	OutputOffset int
	InputOffset  int

	ExpectedOutputWKC int
	ExpectedInputWKC  int

	DCEnabled   bool
	DCNextSlave uint16 // configured address of the slave carrying the DC system-time register

	Segments      []Segment
	FirstInputSeg int // index of the first segment that carries inputs
	InputSplitOff int // byte offset within that segment where outputs end and inputs begin

	Layout Layout

	// BlockLRW is true if any slave in this group cannot do atomic LRW and
	// must be driven with LRD+LWR instead (spec §4.9).
	BlockLRW bool

	// DoCheckState is toggled by the liveness monitor to request a state
	// readback pass (spec §3 Group record).
	DoCheckState bool

	// SlaveWindows records each slave's byte offsets within this group's
	// logical window — the config engine uses this to derive each slave's
	// FMMU logical-start address without reaching back into the IOmap
	// buffer itself.
	SlaveWindows map[*slave.Slave]SlaveWindow
}

// SlaveWindow is one slave's byte span within a group's logical window,
// relative to the group's LogicalStart.
type SlaveWindow struct {
	OutputOffset int
	InputOffset  int
}

// NewGroup constructs an empty group at the given logical-start address.
func NewGroup(logicalStart uint32) *Group {
	return &Group{LogicalStart: logicalStart}
}

// LayoutSequentialSlaves lays out the given slaves' outputs followed by inputs in
// iomap, building the group's segmentation table as it goes (spec §4.7 step
// 4 "Sequential").
func LayoutSequentialSlaves(g *Group, slaves []*slave.Slave, iomap []byte) {
	g.Layout = LayoutSequential
	g.Segments = g.Segments[:0]
	g.SlaveWindows = make(map[*slave.Slave]SlaveWindow, len(slaves))

	cursor := 0
	segBytes := 0
	newSegment := func() {
		if segBytes > 0 {
			g.Segments = append(g.Segments, Segment{Bytes: segBytes})
		}
		segBytes = 0
	}

	for _, s := range slaves {
		if s.IsMaster() || s.OutputBytes == 0 {
			continue
		}
		if segBytes+s.OutputBytes > MaxLRWData-FirstDCDatagram && segBytes > 0 {
			newSegment()
		}
		w := g.SlaveWindows[s]
		w.OutputOffset = cursor
		g.SlaveWindows[s] = w
		s.Outputs = iomap[cursor : cursor+s.OutputBytes]
		cursor += s.OutputBytes
		segBytes += s.OutputBytes
		if s.BlockLRW {
			g.BlockLRW = true
		}
	}
	newSegment()
	g.OutputBytes = cursor
	g.OutputOffset = 0

	g.FirstInputSeg = len(g.Segments)
	g.InputSplitOff = segBytes

	inputStart := cursor
	for _, s := range slaves {
		if s.IsMaster() || s.InputBytes == 0 {
			continue
		}
		if segBytes+s.InputBytes > MaxLRWData-FirstDCDatagram && segBytes > 0 {
			newSegment()
			g.InputSplitOff = 0
		}
		w := g.SlaveWindows[s]
		w.InputOffset = cursor
		g.SlaveWindows[s] = w
		s.Inputs = iomap[cursor : cursor+s.InputBytes]
		cursor += s.InputBytes
		segBytes += s.InputBytes
	}
	newSegment()
	g.InputBytes = cursor - inputStart
	g.InputOffset = inputStart

	if len(g.Segments) > MaxIOSegments {
		g.Segments = g.Segments[:MaxIOSegments]
	}
}

// LayoutOverlapSlaves lays out each slave's outputs then inputs starting
// from the same logical base; the group's inputs live at a single fixed
// offset equal to the total output bytes, and each slave's inputs pointer
// is rebased by that offset (spec §4.7 step 4 "Overlap").
func LayoutOverlapSlaves(g *Group, slaves []*slave.Slave, iomap []byte) {
	g.Layout = LayoutOverlap
	g.Segments = g.Segments[:0]
	g.SlaveWindows = make(map[*slave.Slave]SlaveWindow, len(slaves))

	outputTotal := 0
	inputTotal := 0
	for _, s := range slaves {
		if s.IsMaster() {
			continue
		}
		outputTotal += s.OutputBytes
		inputTotal += s.InputBytes
		if s.BlockLRW {
			g.BlockLRW = true
		}
	}

	// Single fixed input offset: total output bytes across the group; each
	// slave's outputs and inputs are laid out independently (their own
	// running cursor) within their respective region (spec §4.7 step 4
	// "Overlap").
	outCursor := 0
	inCursor := 0
	for _, s := range slaves {
		if s.IsMaster() {
			continue
		}
		g.SlaveWindows[s] = SlaveWindow{OutputOffset: outCursor, InputOffset: outputTotal + inCursor}
		s.Outputs = iomap[outCursor : outCursor+s.OutputBytes]
		s.Inputs = iomap[outputTotal+inCursor : outputTotal+inCursor+s.InputBytes]
		outCursor += s.OutputBytes
		inCursor += s.InputBytes
	}

	g.OutputBytes = outputTotal
	g.OutputOffset = 0
	g.InputOffset = outputTotal
	g.InputBytes = inputTotal

	// The exchanged logical window is sized to the larger direction, not
	// their sum (spec §4.9 "Compute total length ... overlap: max"; spec §8
	// overlap invariant "max(Ibytes, Obytes)") — a single LRW region,
	// segmented across frames only when it exceeds one datagram's capacity.
	total := outputTotal
	if inputTotal > total {
		total = inputTotal
	}
	for total > 0 {
		n := total
		if n > MaxLRWData-FirstDCDatagram {
			n = MaxLRWData - FirstDCDatagram
		}
		g.Segments = append(g.Segments, Segment{Bytes: n})
		total -= n
	}
	g.FirstInputSeg = 0
	g.InputSplitOff = outputTotal

	if len(g.Segments) > MaxIOSegments {
		g.Segments = g.Segments[:MaxIOSegments]
	}
}

// decodeDCTime converts the little-endian 64-bit DC system-time word read
// back from a piggybacked FRMW into a host uint64 (spec §4.9 "DC
// system-time ... converted from little-endian 64-bit to host").
func decodeDCTime(raw []byte) uint64 {
	if len(raw) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(raw)
}
