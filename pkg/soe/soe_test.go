package soe_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/goethercat/pkg/frame"
	"github.com/samsamfire/goethercat/pkg/mailbox"
	"github.com/samsamfire/goethercat/pkg/soe"
)

type fakeTransport struct {
	sm1Status byte
	response  []byte
}

func (f *fakeTransport) FPRD(addr, ado uint16, length int, timeout time.Duration) ([]byte, frame.WKC, error) {
	switch ado {
	case frame.RegSM0Status:
		return []byte{0x00}, 1, nil
	case frame.RegSM1Status:
		return []byte{f.sm1Status}, 1, nil
	case frame.RegSM1Control:
		return []byte{0x00}, 1, nil
	}
	out := make([]byte, length)
	copy(out, f.response)
	return out, 1, nil
}

func (f *fakeTransport) FPWR(addr, ado uint16, data []byte, timeout time.Duration) (frame.WKC, error) {
	if ado == frame.RegSM1Status {
		f.sm1Status = data[0]
	}
	return 1, nil
}

func buildReadResponse(idn uint16, value []byte) []byte {
	body := make([]byte, 4+len(value))
	body[0] = soe.OpcodeReadResponse // incomplete=0, error=0, drive=0
	body[1] = soe.ElementValue
	body[2] = byte(idn)
	body[3] = byte(idn >> 8)
	copy(body[4:], value)

	full := make([]byte, 6+len(body))
	full[0] = byte(len(body))
	full[1] = byte(len(body) >> 8)
	full[5] = uint8(frame.MbxTypeSoE)
	copy(full[6:], body)
	return full
}

func TestReadIDN(t *testing.T) {
	ft := &fakeTransport{sm1Status: 0x08, response: buildReadResponse(24, []byte{0xAA, 0xBB})}
	mbx := mailbox.New(ft, nil)
	state := &mailbox.State{ConfiguredAddr: 1001, ReadLength: 64, Next: func() uint8 { return 1 }}
	client := soe.New(mbx, state, 50*time.Millisecond)

	value, err := client.ReadIDN(0, 24, soe.ElementValue)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB}, value)
}
