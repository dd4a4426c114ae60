package coe_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/goethercat/pkg/coe"
	"github.com/samsamfire/goethercat/pkg/frame"
	"github.com/samsamfire/goethercat/pkg/mailbox"
)

// sdoServer is a minimal in-memory CoE SDO server used to exercise the
// client's expedited-upload and abort paths without a real mailbox.
type sdoServer struct {
	sm1Status byte
	response  []byte
}

func (s *sdoServer) FPRD(addr, ado uint16, length int, timeout time.Duration) ([]byte, frame.WKC, error) {
	switch ado {
	case frame.RegSM0Status:
		return []byte{0x00}, 1, nil
	case frame.RegSM1Status:
		return []byte{s.sm1Status}, 1, nil
	case frame.RegSM1Control:
		return []byte{0x00}, 1, nil
	}
	out := make([]byte, length)
	copy(out, s.response)
	return out, 1, nil
}

func (s *sdoServer) FPWR(addr, ado uint16, data []byte, timeout time.Duration) (frame.WKC, error) {
	if ado == frame.RegSM1Status {
		s.sm1Status = data[0]
		return 1, nil
	}
	return 1, nil
}

func buildExpeditedUploadResponse(index uint16, subindex uint8, value uint32) []byte {
	body := make([]byte, 8)
	body[0] = (2 << 5) | 0x02 | 0x01 | (0 << 2) // scsUploadInitiate, expedited, size indicated, full 4 bytes
	binary.LittleEndian.PutUint16(body[1:], index)
	body[3] = subindex
	binary.LittleEndian.PutUint32(body[4:], value)

	coeHdr := make([]byte, 2+len(body))
	coeHdr[1] = 3 << 4 // SDO response
	copy(coeHdr[2:], body)

	full := make([]byte, 6+len(coeHdr))
	binary.LittleEndian.PutUint16(full, uint16(len(coeHdr)))
	full[5] = uint8(frame.MbxTypeCoE)
	copy(full[6:], coeHdr)
	return full
}

func buildAbortResponse(index uint16, subindex uint8, code uint32) []byte {
	body := make([]byte, 8)
	body[0] = 4 << 5 // abort
	binary.LittleEndian.PutUint16(body[1:], index)
	body[3] = subindex
	binary.LittleEndian.PutUint32(body[4:], code)

	coeHdr := make([]byte, 2+len(body))
	coeHdr[1] = 3 << 4
	copy(coeHdr[2:], body)

	full := make([]byte, 6+len(coeHdr))
	binary.LittleEndian.PutUint16(full, uint16(len(coeHdr)))
	full[5] = uint8(frame.MbxTypeCoE)
	copy(full[6:], coeHdr)
	return full
}

func TestUploadExpedited(t *testing.T) {
	server := &sdoServer{sm1Status: 0x08, response: buildExpeditedUploadResponse(0x1018, 1, 0x00000123)}
	mbx := mailbox.New(server, nil)
	state := &mailbox.State{ConfiguredAddr: 1001, ReadLength: 64, Next: func() uint8 { return 1 }}
	client := coe.New(mbx, state, 50*time.Millisecond)

	data, err := client.Upload(0x1018, 1, false)
	require.NoError(t, err)
	require.Len(t, data, 4)
	assert.EqualValues(t, 0x00000123, binary.LittleEndian.Uint32(data))
}

func TestUploadAbort(t *testing.T) {
	server := &sdoServer{sm1Status: 0x08, response: buildAbortResponse(0x1018, 1, 0x06010002)}
	mbx := mailbox.New(server, nil)
	state := &mailbox.State{ConfiguredAddr: 1001, ReadLength: 64, Next: func() uint8 { return 1 }}
	client := coe.New(mbx, state, 50*time.Millisecond)

	_, err := client.Upload(0x1018, 1, false)
	require.Error(t, err)
	var abortErr *coe.AbortError
	require.ErrorAs(t, err, &abortErr)
	assert.EqualValues(t, 0x06010002, abortErr.Code)
}
