// Package coe implements the CANopen-over-EtherCAT SDO client (spec §4.6):
// expedited and segmented upload/download, Complete-Access variants, and
// the PDO-map readback used by the config engine. Its state machine is
// generalized from the teacher's sdo_client.go, which already implements a
// near-identical segmented-transfer protocol for plain CANopen SDO — the
// only real change is the transport underneath (a polled EtherCAT mailbox
// instead of a CAN bus) and the addition of Complete-Access framing.
package coe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/samsamfire/goethercat/pkg/mailbox"
)

// SDO command specifiers, client side (CoE carries the plain CANopen SDO
// command-byte layout inside its mailbox payload).
const (
	ccsDownloadSegment  = 0
	ccsDownloadInitiate = 1 << 5
	ccsUploadReq        = 2 << 5
	ccsUploadSegReq     = 3 << 5
	ccsAbort            = 4 << 5
)

const (
	scsUploadInitiate = 2 << 5
	scsDownloadExp    = 3 << 5
	scsAbort          = 4 << 5

	// expeditedBit and sizeIndicatedBit are the 'e' and 's' bits of an
	// initiate-upload/download response — the scs code is the same
	// (scsUploadInitiate) whether the transfer turns out expedited or
	// segmented; only these two bits distinguish them.
	expeditedBit     = 0x02
	sizeIndicatedBit = 0x01
)

// completeAccessBit (bit 4, otherwise reserved in the plain SDO command
// byte) marks a request as Complete-Access (spec §4.6 "Complete-Access
// variants").
const completeAccessBit = 0x10

// AbortError carries an SDO abort code back to the caller (spec §8 scenario
// 6 names 0x06010002 explicitly).
type AbortError struct {
	Index    uint16
	Subindex uint8
	Code     uint32
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("coe: abort %04x:%02x code=0x%08x", e.Index, e.Subindex, e.Code)
}

var ErrUnexpectedResponse = errors.New("coe: unexpected SDO response")

// Client drives SDO upload/download over one slave's mailbox.
type Client struct {
	Mailbox *mailbox.Client
	State   *mailbox.State
	Timeout time.Duration
}

func New(mbx *mailbox.Client, state *mailbox.State, timeout time.Duration) *Client {
	return &Client{Mailbox: mbx, State: state, Timeout: timeout}
}

// Upload reads an object, choosing expedited or segmented framing based on
// the server's response (spec §4.6).
func (c *Client) Upload(index uint16, subindex uint8, completeAccess bool) ([]byte, error) {
	req := make([]byte, 8)
	cmd := byte(ccsUploadReq)
	if completeAccess {
		cmd |= completeAccessBit
	}
	req[0] = cmd
	binary.LittleEndian.PutUint16(req[1:], index)
	req[3] = subindex

	if err := c.send(req); err != nil {
		return nil, err
	}
	resp, err := c.recv()
	if err != nil {
		return nil, err
	}
	if err := checkAbort(resp, index, subindex); err != nil {
		return nil, err
	}

	scs := resp[0] & 0xE0
	if scs != scsUploadInitiate {
		return nil, fmt.Errorf("coe: unexpected response specifier 0x%02x to upload req", scs)
	}
	if resp[0]&expeditedBit != 0 {
		n := 4
		if resp[0]&sizeIndicatedBit != 0 {
			n -= int((resp[0] >> 2) & 0x03)
		}
		return append([]byte(nil), resp[4:4+n]...), nil
	}

	// Normal (segmented) upload: the initiate response carries a 4-byte
	// total size, then segments are pulled with alternating toggle bits
	// until the "last segment" bit is set.
	total := binary.LittleEndian.Uint32(resp[4:8])
	out := make([]byte, 0, total)
	toggle := byte(0)
	for uint32(len(out)) < total {
		segReq := make([]byte, 8)
		segReq[0] = byte(ccsUploadSegReq) | toggle
		if err := c.send(segReq); err != nil {
			return nil, err
		}
		segResp, err := c.recv()
		if err != nil {
			return nil, err
		}
		if err := checkAbort(segResp, index, subindex); err != nil {
			return nil, err
		}
		n := 7 - int((segResp[0]>>1)&0x07)
		out = append(out, segResp[1:1+n]...)
		last := segResp[0]&0x01 != 0
		toggle ^= 0x10
		if last {
			break
		}
	}
	if uint32(len(out)) > total {
		out = out[:total]
	}
	return out, nil
}

// Download writes an object, using expedited framing for payloads of 4
// bytes or fewer and segmented framing otherwise (spec §4.6).
func (c *Client) Download(index uint16, subindex uint8, data []byte, completeAccess bool) error {
	if len(data) <= 4 {
		req := make([]byte, 8)
		cmd := byte(ccsDownloadInitiate) | expeditedBit | sizeIndicatedBit
		cmd |= byte(4-len(data)) << 2
		if completeAccess {
			cmd |= completeAccessBit
		}
		req[0] = cmd
		binary.LittleEndian.PutUint16(req[1:], index)
		req[3] = subindex
		copy(req[4:], data)

		if err := c.send(req); err != nil {
			return err
		}
		resp, err := c.recv()
		if err != nil {
			return err
		}
		return checkAbort(resp, index, subindex)
	}

	initReq := make([]byte, 8)
	initReq[0] = byte(ccsDownloadInitiate) // e/s bits clear: normal (segmented) transfer
	if completeAccess {
		initReq[0] |= completeAccessBit
	}
	binary.LittleEndian.PutUint16(initReq[1:], index)
	initReq[3] = subindex
	binary.LittleEndian.PutUint32(initReq[4:], uint32(len(data)))
	if err := c.send(initReq); err != nil {
		return err
	}
	resp, err := c.recv()
	if err != nil {
		return err
	}
	if err := checkAbort(resp, index, subindex); err != nil {
		return err
	}

	toggle := byte(0)
	for off := 0; off < len(data); {
		n := len(data) - off
		if n > 7 {
			n = 7
		}
		last := off+n >= len(data)
		seg := make([]byte, 8)
		cmd := byte(ccsDownloadSegment) | toggle | byte(7-n)<<1
		if last {
			cmd |= 0x01
		}
		seg[0] = cmd
		copy(seg[1:1+n], data[off:off+n])
		if err := c.send(seg); err != nil {
			return err
		}
		segResp, err := c.recv()
		if err != nil {
			return err
		}
		if err := checkAbort(segResp, index, subindex); err != nil {
			return err
		}
		toggle ^= 0x10
		off += n
	}
	return nil
}

// CoE service codes carried in the high nibble of the 2-byte CoE
// sub-header that precedes the SDO command byte (spec §4.5 "4-bit CANopen
// field").
const (
	coeServiceEmergency  = 1
	coeServiceSDORequest = 2
	coeServiceSDOResponse = 3
)

func (c *Client) send(sdo []byte) error {
	frame := make([]byte, 2+len(sdo))
	frame[1] = coeServiceSDORequest << 4
	copy(frame[2:], sdo)
	return c.Mailbox.Send(c.State, uint8(3), frame, c.Timeout) // 3 = CoE
}

func (c *Client) recv() ([]byte, error) {
	_, payload, wkc, err := c.Mailbox.Receive(c.State, c.Timeout)
	if err != nil {
		return nil, err
	}
	if wkc <= 0 || payload == nil {
		return nil, ErrUnexpectedResponse
	}
	// CoE's 2-byte sub-header (number/CANopen service bits) precedes the
	// SDO command byte; callers of this package operate below that, on
	// just the SDO command/data bytes.
	if len(payload) < 2 {
		return nil, ErrUnexpectedResponse
	}
	if payload[1]>>4 != coeServiceSDOResponse {
		return nil, ErrUnexpectedResponse
	}
	return payload[2:], nil
}

func checkAbort(resp []byte, index uint16, subindex uint8) error {
	if len(resp) == 0 {
		return ErrUnexpectedResponse
	}
	if resp[0]&0xE0 == scsAbort {
		code := binary.LittleEndian.Uint32(resp[4:8])
		return &AbortError{Index: index, Subindex: subindex, Code: code}
	}
	return nil
}
