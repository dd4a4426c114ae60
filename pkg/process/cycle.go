package process

import (
	"time"

	"github.com/samsamfire/goethercat/pkg/frame"
	"github.com/samsamfire/goethercat/pkg/link"
)

// stackEntry is one outstanding frame's correlation record: which ring slot
// it used, where its input payload lands in the caller's IOmap, and
// whether it carries the piggybacked DC datagram (spec §3 Index stack).
type stackEntry struct {
	idx  uint8
	dest []byte
	isDC bool
}

// Cycle drives one group's send/receive exchange over a Port. It owns the
// bounded index stack explicitly (spec §3 Index stack), pre-sized by
// NewCycle; SendProcessData still allocates a new frame and its payload
// buffers for every segment on each call.
type Cycle struct {
	Port  *link.Port
	Group *Group
	IOmap []byte

	stack []stackEntry
}

// NewCycle constructs a Cycle with its index stack pre-sized to the group's
// segment count.
func NewCycle(port *link.Port, g *Group, iomap []byte) *Cycle {
	return &Cycle{Port: port, Group: g, IOmap: iomap, stack: make([]stackEntry, 0, len(g.Segments))}
}

// regDCSystemTime mirrors frame.RegDCSystemTime under this package's own
// name, since the piggybacked FRMW always targets that register.
const regDCSystemTime = 0x0910

// SendProcessData transmits every segment of the group's logical window,
// pushing each frame's correlation entry onto the index stack without
// blocking for responses (spec §4.9 "Send").
func (cy *Cycle) SendProcessData() error {
	cy.stack = cy.stack[:0]
	g := cy.Group

	logicalOffset := uint32(0)
	for segIdx, seg := range g.Segments {
		idx, err := cy.Port.GetIndex()
		if err != nil {
			return err
		}

		f := frame.New(cy.Port.SourceMAC(false))
		logical := g.LogicalStart + logicalOffset
		adp := uint16(logical)
		ado := uint16(logical >> 16)
		isDC := g.DCEnabled && segIdx == 0

		var dest []byte
		if g.BlockLRW {
			// LRD covering inputs, then LWR covering outputs, per spec
			// §4.9 "If any slave blocks LRW".
			outBytes, inBytes := splitSegment(g, segIdx, seg.Bytes)
			dest = sliceAt(cy.IOmap, g.InputOffset, inBytes)
			f.Setup(frame.LRD, idx, adp, ado, make([]byte, inBytes))
			if outBytes > 0 {
				outPayload := sliceAt(cy.IOmap, g.OutputOffset, outBytes)
				f.Add(frame.LWR, idx, adp, ado, outPayload, isDC)
			}
		} else {
			payload := sliceAt(cy.IOmap, g.OutputOffset+int(logicalOffset), seg.Bytes)
			f.Setup(frame.LRW, idx, adp, ado, payload)
			if g.Layout == LayoutOverlap {
				dest = sliceAt(cy.IOmap, g.InputOffset+int(logicalOffset), seg.Bytes)
			} else {
				dest = payload
			}
		}

		if isDC {
			f.Add(frame.FRMW, idx, g.DCNextSlave, regDCSystemTime, make([]byte, 8), false)
		}

		if err := cy.Port.OutframeRedundant(idx, f.Bytes()); err != nil {
			cy.Port.SetBufstat(idx, false)
			return err
		}

		cy.stack = append(cy.stack, stackEntry{idx: idx, dest: dest, isDC: isDC})
		logicalOffset += uint32(seg.Bytes)
	}
	return nil
}

// ReceiveResult is what ReceiveProcessData hands back to the caller (spec
// §4.9 "Receive").
type ReceiveResult struct {
	WKC    frame.WKC
	DCTime uint64
}

// ReceiveProcessData pops the index stack in order, waiting up to timeout
// for each frame, copying input payloads into the group's IOmap region,
// summing WKCs per datagram (doubling each LWR datagram's own contribution,
// since it carries no data, to match LRW's combined read+write accounting)
// and releasing each ring slot once it is drained (spec §4.9 "Receive").
func (cy *Cycle) ReceiveProcessData(timeout time.Duration) (ReceiveResult, error) {
	var res ReceiveResult
	any := false

	for _, entry := range cy.stack {
		wkc, err := cy.Port.WaitInframe(entry.idx, timeout)
		if err != nil {
			cy.Port.SetBufstat(entry.idx, false)
			return res, err
		}
		if wkc == frame.NoFrame {
			cy.Port.SetBufstat(entry.idx, false)
			continue
		}
		any = true

		if raw, err := cy.Port.Inframe(entry.idx); err == nil && raw != nil {
			if datagrams, perr := frame.ParseDatagrams(raw); perr == nil {
				var total frame.WKC
				for _, dg := range datagrams {
					switch dg.Command {
					case frame.LRD, frame.LRW:
						copy(entry.dest, dg.Payload())
						total += frame.WKC(dg.WKC())
					case frame.LWR:
						total += frame.WKC(dg.WKC()) * 2
					case frame.FRMW:
						if entry.isDC {
							res.DCTime = decodeDCTime(dg.Payload())
						}
						total += frame.WKC(dg.WKC())
					default:
						total += frame.WKC(dg.WKC())
					}
				}
				wkc = total
			}
		}
		cy.Port.SetBufstat(entry.idx, false)

		res.WKC += wkc
	}

	if !any {
		return ReceiveResult{WKC: frame.NoFrame}, nil
	}
	return res, nil
}

func sliceAt(buf []byte, offset, length int) []byte {
	if offset < 0 || offset > len(buf) {
		return nil
	}
	if offset+length > len(buf) {
		length = len(buf) - offset
	}
	return buf[offset : offset+length]
}

// splitSegment divides one segment's byte span between the group's
// outputs and inputs regions, used only in the LRD+LWR (blockLRW) path.
func splitSegment(g *Group, segIdx int, segBytes int) (outBytes, inBytes int) {
	if segIdx < g.FirstInputSeg {
		return segBytes, 0
	}
	if segIdx > g.FirstInputSeg {
		return 0, segBytes
	}
	return g.InputSplitOff, segBytes - g.InputSplitOff
}
