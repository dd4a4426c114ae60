package mailbox_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/goethercat/pkg/frame"
	"github.com/samsamfire/goethercat/pkg/mailbox"
)

// fakeTransport simulates one slave's SM0/SM1 windows entirely in memory.
type fakeTransport struct {
	sm0Status byte
	sm1Status byte
	sm1Ctrl   byte

	writeBuf []byte
	readBuf  []byte
}

func (f *fakeTransport) FPRD(addr, ado uint16, length int, timeout time.Duration) ([]byte, frame.WKC, error) {
	switch ado {
	case frame.RegSM0Status:
		return []byte{f.sm0Status}, 1, nil
	case frame.RegSM1Status:
		return []byte{f.sm1Status}, 1, nil
	case frame.RegSM1Control:
		return []byte{f.sm1Ctrl}, 1, nil
	}
	out := make([]byte, length)
	copy(out, f.readBuf)
	return out, 1, nil
}

func (f *fakeTransport) FPWR(addr, ado uint16, data []byte, timeout time.Duration) (frame.WKC, error) {
	switch ado {
	case frame.RegSM1Status:
		f.sm1Status = data[0]
		f.sm1Ctrl = data[0] // immediate ack, no real toggle delay
		return 1, nil
	}
	f.writeBuf = append([]byte(nil), data...)
	return 1, nil
}

type noopSink struct{ errs, emcy int }

func (s *noopSink) PushMailboxError(slaveAddr uint16, detail uint16) { s.errs++ }
func (s *noopSink) PushEmergency(slaveAddr uint16, payload []byte)   { s.emcy++ }

func TestSendReceiveRoundTrip(t *testing.T) {
	ft := &fakeTransport{sm0Status: 0x00, sm1Status: 0x08}
	counter := uint8(0)
	st := &mailbox.State{
		ConfiguredAddr: 1001,
		WriteOffset:    0x1000,
		ReadOffset:     0x1100,
		ReadLength:     12,
		Next: func() uint8 {
			counter++
			if counter > 7 {
				counter = 1
			}
			return counter
		},
	}
	sink := &noopSink{}
	c := mailbox.New(ft, sink)

	require.NoError(t, c.Send(st, uint8(frame.MbxTypeCoE), []byte{0x40, 0x17, 0x10, 0x00}, 50*time.Millisecond))
	assert.NotEmpty(t, ft.writeBuf)
	assert.Equal(t, uint8(1), ft.writeBuf[5]>>4, "first message should carry session counter 1")

	ft.readBuf = append([]byte{6, 0, 0, 0, 0x00, 0x10 | uint8(frame.MbxTypeCoE)}, []byte{0x00, 0x30, 0x4F, 0x17, 0x10, 0x00}...)
	mbxType, payload, wkc, err := c.Receive(st, 50*time.Millisecond)
	require.NoError(t, err)
	assert.EqualValues(t, frame.MbxTypeCoE, mbxType)
	assert.Greater(t, int(wkc), 0)
	assert.Equal(t, []byte{0x00, 0x30, 0x4F, 0x17, 0x10, 0x00}, payload)
	assert.Equal(t, 0, sink.errs)
	assert.Equal(t, 0, sink.emcy)
}

func TestReceiveClassifiesMailboxError(t *testing.T) {
	ft := &fakeTransport{sm1Status: 0x08}
	ft.readBuf = []byte{4, 0, 0, 0, uint8(frame.MbxTypeError), 0x00, 0x00, 0x00, 0x02, 0x00}
	sink := &noopSink{}
	c := mailbox.New(ft, sink)
	st := &mailbox.State{ConfiguredAddr: 1001, ReadOffset: 0x1100, ReadLength: 10, Next: func() uint8 { return 1 }}

	mbxType, payload, wkc, err := c.Receive(st, 50*time.Millisecond)
	require.NoError(t, err)
	assert.EqualValues(t, frame.MbxTypeError, mbxType)
	assert.Nil(t, payload)
	assert.EqualValues(t, 0, wkc)
	assert.Equal(t, 1, sink.errs)
}
