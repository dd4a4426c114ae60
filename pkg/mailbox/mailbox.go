// Package mailbox implements the polled mailbox protocol layer that CoE,
// SoE, FoE, EoE and AoE services are built on top of (spec §4.5). Unlike the
// teacher's CAN mailbox, which is delivered asynchronously by a bus-level
// dispatcher, an EtherCAT mailbox is a pair of SyncManager-backed memory
// windows the master must poll — so this state machine is request/response,
// generalized from the teacher's segmented-transfer SDO client
// (sdo_client.go) rather than its event-driven Handle callback.
package mailbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/samsamfire/goethercat/pkg/frame"
)

// LocalDelay is the backoff between SM-status polls (spec §4.5).
const LocalDelay = 100 * time.Microsecond

// MaxMbx bounds a mailbox message's payload, matching the category of
// device this master targets (spec §5 Memory: statically sized buffers).
const MaxMbx = 1486

var (
	ErrTimeout      = errors.New("mailbox: timed out waiting for SyncManager")
	ErrTooLarge     = errors.New("mailbox: message exceeds negotiated length")
	ErrShortHeader  = errors.New("mailbox: response shorter than mailbox header")
)

// Header is the 6-byte mailbox header every message starts with (spec §4.5,
// §4.6 "opcode-framed" for SoE, CoE's 2-byte sub-header follows it).
type Header struct {
	Length   uint16
	Address  uint16
	Channel  uint8 // 6 bits
	Priority uint8 // 2 bits
	Type     uint8 // low nibble of mbxtype
	Counter  uint8 // high nibble, 3-bit session counter 1..7
}

func (h Header) encode() [6]byte {
	var b [6]byte
	b[0] = byte(h.Length)
	b[1] = byte(h.Length >> 8)
	b[2] = byte(h.Address)
	b[3] = byte(h.Address >> 8)
	b[4] = h.Channel&0x3F | h.Priority<<6
	b[5] = h.Type&0x0F | h.Counter<<4
	return b
}

func decodeHeader(raw []byte) (Header, error) {
	if len(raw) < 6 {
		return Header{}, ErrShortHeader
	}
	return Header{
		Length:   uint16(raw[0]) | uint16(raw[1])<<8,
		Address:  uint16(raw[2]) | uint16(raw[3])<<8,
		Channel:  raw[4] & 0x3F,
		Priority: raw[4] >> 6,
		Type:     raw[5] & 0x0F,
		Counter:  raw[5] >> 4,
	}, nil
}

// Transport is the subset of command primitives the mailbox layer needs
// from pkg/master, kept as an interface so this package never imports the
// command-primitive or Port types directly (spec §9 layering guidance).
type Transport interface {
	FPRD(configuredAddr, ado uint16, length int, timeout time.Duration) ([]byte, frame.WKC, error)
	FPWR(configuredAddr, ado uint16, data []byte, timeout time.Duration) (frame.WKC, error)
}

// ErrorSink receives mailbox-error and emergency payloads pulled out of the
// receive path, decoupling this package from pkg/errlist's concrete type.
type ErrorSink interface {
	PushMailboxError(slaveAddr uint16, detail uint16)
	PushEmergency(slaveAddr uint16, payload []byte)
}

// State is one slave's mailbox geometry and session-counter accessor — a
// thin adapter over the fields already carried on
// slave.Mailbox, since the mailbox layer must not hold its own copy of the
// authoritative counter.
type State struct {
	ConfiguredAddr uint16
	WriteOffset    uint16
	WriteLength    uint16
	ReadOffset     uint16
	ReadLength     uint16

	Next func() uint8 // advances and returns the session counter, 1..7
}

// Client drives the Send/Receive protocol against one slave's mailbox
// windows (spec §4.5).
type Client struct {
	Transport Transport
	Errors    ErrorSink
}

func New(t Transport, sink ErrorSink) *Client {
	return &Client{Transport: t, Errors: sink}
}

// Send polls SM0 until clear then writes one framed message (spec §4.5
// "Before send" + "Send").
func (c *Client) Send(s *State, mbxType uint8, payload []byte, timeout time.Duration) error {
	if len(payload) > MaxMbx {
		return ErrTooLarge
	}

	if err := c.waitStatusClear(s.ConfiguredAddr, frame.RegSM0Status, timeout); err != nil {
		return err
	}

	hdr := Header{
		Length:  uint16(len(payload)),
		Address: 0,
		Type:    mbxType,
		Counter: s.Next(),
	}
	buf := make([]byte, 6+len(payload))
	enc := hdr.encode()
	copy(buf, enc[:])
	copy(buf[6:], payload)

	wkc, err := c.Transport.FPWR(s.ConfiguredAddr, s.WriteOffset, buf, timeout)
	if err != nil {
		return err
	}
	if wkc <= 0 {
		return fmt.Errorf("mailbox: send to 0x%04x got wkc=%d", s.ConfiguredAddr, wkc)
	}
	return nil
}

// Receive polls SM1 until full, reads the message, and classifies its
// header: mailbox-error and CoE emergency frames are pushed to the
// ErrorSink and reported as WKC=0 rather than returned to the caller (spec
// §4.5 "Receive").
func (c *Client) Receive(s *State, timeout time.Duration) (mbxType uint8, payload []byte, wkc frame.WKC, err error) {
	deadline := time.Now().Add(timeout)

	for {
		if err = c.waitStatusFull(s.ConfiguredAddr, frame.RegSM1Status, time.Until(deadline)); err != nil {
			return 0, nil, frame.NoFrame, err
		}

		raw, w, ferr := c.Transport.FPRD(s.ConfiguredAddr, s.ReadOffset, int(s.ReadLength), timeout)
		if ferr != nil {
			return 0, nil, frame.NoFrame, ferr
		}
		if w <= 0 {
			if readErr := c.requestRepeat(s, deadline); readErr != nil {
				return 0, nil, frame.NoFrame, readErr
			}
			if time.Now().After(deadline) {
				return 0, nil, frame.NoFrame, ErrTimeout
			}
			continue
		}

		hdr, herr := decodeHeader(raw)
		if herr != nil {
			return 0, nil, frame.NoFrame, herr
		}
		body := raw[6:]
		if int(hdr.Length) <= len(body) {
			body = body[:hdr.Length]
		}

		switch {
		case hdr.Type == uint8(frame.MbxTypeError):
			detail := uint16(0)
			if len(body) >= 4 {
				detail = uint16(body[2]) | uint16(body[3])<<8
			}
			if c.Errors != nil {
				c.Errors.PushMailboxError(s.ConfiguredAddr, detail)
			}
			return hdr.Type, nil, 0, nil
		case hdr.Type == uint8(frame.MbxTypeCoE) && len(body) >= 2 && (body[1]>>4)&0x0F == 1:
			if c.Errors != nil {
				c.Errors.PushEmergency(s.ConfiguredAddr, body)
			}
			return hdr.Type, nil, 0, nil
		default:
			return hdr.Type, body, w, nil
		}
	}
}

// requestRepeat toggles the repeat-request bit in SM1 status and waits for
// the toggle-ack bit to follow in SM1 control before the caller re-reads
// (spec §4.5 "On read-failure").
func (c *Client) requestRepeat(s *State, deadline time.Time) error {
	statusRaw, wkc, err := c.Transport.FPRD(s.ConfiguredAddr, frame.RegSM1Status, 1, time.Until(deadline))
	if err != nil || wkc <= 0 || len(statusRaw) == 0 {
		return ErrTimeout
	}
	toggled := statusRaw[0] ^ 0x02 // bit 1 is the repeat-request flag

	if _, err := c.Transport.FPWR(s.ConfiguredAddr, frame.RegSM1Status, []byte{toggled}, time.Until(deadline)); err != nil {
		return err
	}

	for time.Now().Before(deadline) {
		ctrlRaw, wkc, err := c.Transport.FPRD(s.ConfiguredAddr, frame.RegSM1Control, 1, time.Until(deadline))
		if err == nil && wkc > 0 && len(ctrlRaw) > 0 && ctrlRaw[0]&0x02 == toggled&0x02 {
			return nil
		}
		time.Sleep(LocalDelay)
	}
	return ErrTimeout
}

func (c *Client) waitStatusClear(addr uint16, reg uint16, timeout time.Duration) error {
	return c.pollStatus(addr, reg, timeout, false)
}

func (c *Client) waitStatusFull(addr uint16, reg uint16, timeout time.Duration) error {
	return c.pollStatus(addr, reg, timeout, true)
}

// pollStatus polls reg until its "mailbox full" bit (bit 3) matches
// wantFull, backing off by LocalDelay between attempts (spec §4.5).
func (c *Client) pollStatus(addr uint16, reg uint16, timeout time.Duration, wantFull bool) error {
	deadline := time.Now().Add(timeout)
	for {
		raw, wkc, err := c.Transport.FPRD(addr, reg, 1, time.Until(deadline))
		if err == nil && wkc > 0 && len(raw) > 0 {
			full := raw[0]&0x08 != 0
			if full == wantFull {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(LocalDelay)
	}
}
