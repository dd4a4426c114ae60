// Package soe implements the Servo-drive-over-EtherCAT IDN read/write
// protocol (spec §4.6): opcode-framed mailbox messages carrying driveNo,
// elementflags and an IDN, with segmented responses signalled by an
// "incomplete" bit and a fragments-left count. Framed the way pkg/coe
// frames SDO requests, since both protocols are opcode-tagged services
// riding the same pkg/mailbox transport.
package soe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/samsamfire/goethercat/pkg/frame"
	"github.com/samsamfire/goethercat/pkg/mailbox"
)

// Opcodes (spec §4.6 "opcode-framed mailbox messages").
const (
	OpcodeReadRequest   = 1
	OpcodeReadResponse  = 2
	OpcodeWriteRequest  = 3
	OpcodeWriteResponse = 4
)

// Element flags select which attribute of an IDN a read/write addresses.
const (
	ElementDataState = 1 << 0
	ElementName      = 1 << 1
	ElementAttribute = 1 << 2
	ElementUnit      = 1 << 3
	ElementMin       = 1 << 4
	ElementMax       = 1 << 5
	ElementValue     = 1 << 6
)

// MaxDrives bounds the IDN-map readback drive loop (spec §4.6 IDN-map
// readback).
const MaxDrives = 8

var ErrUnexpectedResponse = errors.New("soe: unexpected response")

// header is the fixed portion of every SoE mailbox message.
type header struct {
	opcode       uint8
	incomplete   bool
	errorFlag    bool
	driveNo      uint8
	elementFlags uint8
	idn          uint16
}

func (h header) encode() [4]byte {
	var b [4]byte
	b[0] = h.opcode & 0x07
	if h.incomplete {
		b[0] |= 0x08
	}
	if h.errorFlag {
		b[0] |= 0x10
	}
	b[0] |= (h.driveNo & 0x07) << 5
	b[1] = h.elementFlags
	b[2] = byte(h.idn)
	b[3] = byte(h.idn >> 8)
	return b
}

func decodeHeader(raw []byte) (header, error) {
	if len(raw) < 4 {
		return header{}, fmt.Errorf("soe: short header (%d bytes)", len(raw))
	}
	return header{
		opcode:       raw[0] & 0x07,
		incomplete:   raw[0]&0x08 != 0,
		errorFlag:    raw[0]&0x10 != 0,
		driveNo:      (raw[0] >> 5) & 0x07,
		elementFlags: raw[1],
		idn:          uint16(raw[2]) | uint16(raw[3])<<8,
	}, nil
}

// Client drives IDN read/write over one slave's mailbox.
type Client struct {
	Mailbox *mailbox.Client
	State   *mailbox.State
	Timeout time.Duration
}

func New(mbx *mailbox.Client, state *mailbox.State, timeout time.Duration) *Client {
	return &Client{Mailbox: mbx, State: state, Timeout: timeout}
}

// ReadIDN reads one IDN's selected element, reassembling segmented
// responses across repeated requests until the "incomplete" bit clears
// (spec §4.6).
func (c *Client) ReadIDN(driveNo uint8, idn uint16, elementFlags uint8) ([]byte, error) {
	var out []byte
	for {
		req := header{opcode: OpcodeReadRequest, driveNo: driveNo, elementFlags: elementFlags, idn: idn}
		enc := req.encode()
		if err := c.Mailbox.Send(c.State, uint8(frame.MbxTypeSoE), enc[:], c.Timeout); err != nil {
			return nil, err
		}
		_, payload, wkc, err := c.Mailbox.Receive(c.State, c.Timeout)
		if err != nil {
			return nil, err
		}
		if wkc <= 0 || payload == nil {
			return nil, ErrUnexpectedResponse
		}
		resp, err := decodeHeader(payload)
		if err != nil {
			return nil, err
		}
		if resp.opcode != OpcodeReadResponse {
			return nil, ErrUnexpectedResponse
		}
		if resp.errorFlag {
			return nil, fmt.Errorf("soe: read IDN 0x%04x drive %d returned error flag", idn, driveNo)
		}
		out = append(out, payload[4:]...)
		if !resp.incomplete {
			return out, nil
		}
		// continuation requests repeat the same opcode/IDN; the slave
		// tracks fragment position internally (spec §4.6 "fragmentsleft").
	}
}

// WriteIDN writes one IDN's selected element.
func (c *Client) WriteIDN(driveNo uint8, idn uint16, elementFlags uint8, value []byte) error {
	req := header{opcode: OpcodeWriteRequest, driveNo: driveNo, elementFlags: elementFlags, idn: idn}
	enc := req.encode()
	buf := append(enc[:], value...)
	if err := c.Mailbox.Send(c.State, uint8(frame.MbxTypeSoE), buf, c.Timeout); err != nil {
		return err
	}
	_, payload, wkc, err := c.Mailbox.Receive(c.State, c.Timeout)
	if err != nil {
		return err
	}
	if wkc <= 0 || payload == nil {
		return ErrUnexpectedResponse
	}
	resp, err := decodeHeader(payload)
	if err != nil {
		return err
	}
	if resp.opcode != OpcodeWriteResponse {
		return ErrUnexpectedResponse
	}
	if resp.errorFlag {
		return fmt.Errorf("soe: write IDN 0x%04x drive %d returned error flag", idn, driveNo)
	}
	return nil
}

// IDNMapResult carries the accumulated bit totals from an IDN-map readback
// across all drives (spec §4.6 "IDN-map readback").
type IDNMapResult struct {
	OutputBits int
	InputBits  int
}

// Well-known configuration-list IDNs (spec §4.6 "MDT and AT configuration
// IDNs").
const (
	IDNMDTConfig = 24 // S-0-0024: Configuration list of the MDT
	IDNATConfig  = 16 // S-0-0016: Configuration list of the AT
)

// ReadIDNMap walks drives [0, MaxDrives), reading each drive's MDT/AT
// configuration lists, and for every listed IDN reads its attribute to
// learn bit-length (encoded 8<<length), summing into output/input sizes.
// The 16-bit command/status word is always implied and added once per
// drive that has any mapped IDNs (spec §4.6).
func (c *Client) ReadIDNMap() (IDNMapResult, error) {
	var res IDNMapResult
	for drive := uint8(0); drive < MaxDrives; drive++ {
		mdt, err := c.ReadIDN(drive, IDNMDTConfig, ElementValue)
		if err != nil {
			continue // drive not present
		}
		bits, err := c.sumIDNList(drive, mdt)
		if err != nil {
			return res, err
		}
		if bits > 0 {
			res.OutputBits += bits + 16
		}

		at, err := c.ReadIDN(drive, IDNATConfig, ElementValue)
		if err != nil {
			continue
		}
		bits, err = c.sumIDNList(drive, at)
		if err != nil {
			return res, err
		}
		if bits > 0 {
			res.InputBits += bits + 16
		}
	}
	return res, nil
}

func (c *Client) sumIDNList(driveNo uint8, list []byte) (int, error) {
	total := 0
	for off := 0; off+2 <= len(list); off += 2 {
		idn := binary.LittleEndian.Uint16(list[off:])
		if idn == 0 {
			break
		}
		attr, err := c.ReadIDN(driveNo, idn, ElementAttribute)
		if err != nil || len(attr) < 1 {
			continue
		}
		length := attr[0] & 0x07
		total += 8 << length
	}
	return total, nil
}
