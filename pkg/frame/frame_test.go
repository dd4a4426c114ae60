package frame_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/goethercat/pkg/frame"
)

func TestSetupAddRoundTrip(t *testing.T) {
	src := frame.MasterMAC(false)
	f := frame.New(src)
	payload1 := []byte{0x01, 0x02, 0x03, 0x04}
	off1 := f.Setup(frame.FPRD, 5, 0x1001, 0x0130, payload1)

	payload2 := []byte{0xAA, 0xBB}
	off2 := f.Add(frame.BRD, 6, 0x0000, 0x0000, payload2, false)

	raw := f.Bytes()
	assert.Greater(t, off2, off1)

	datagrams, err := frame.ParseDatagrams(raw)
	require.NoError(t, err)
	require.Len(t, datagrams, 2)

	assert.Equal(t, frame.FPRD, datagrams[0].Command)
	assert.Equal(t, uint8(5), datagrams[0].Index)
	assert.Equal(t, uint16(0x1001), datagrams[0].ADP)
	assert.Equal(t, uint16(0x0130), datagrams[0].ADO)
	assert.Equal(t, payload1, datagrams[0].Payload())
	assert.True(t, datagrams[0].More)

	assert.Equal(t, frame.BRD, datagrams[1].Command)
	assert.Equal(t, uint8(6), datagrams[1].Index)
	assert.Equal(t, payload2, datagrams[1].Payload())
	assert.False(t, datagrams[1].More)
}

func TestParseRejectsNonEtherCAT(t *testing.T) {
	buf := make([]byte, 64)
	_, err := frame.ParseDatagrams(buf)
	assert.ErrorIs(t, err, frame.ErrNotEtherCAT)
}

func TestParseRejectsTruncated(t *testing.T) {
	_, err := frame.ParseDatagrams([]byte{0, 1, 2})
	assert.ErrorIs(t, err, frame.ErrTruncated)
}

func TestDummyBRD(t *testing.T) {
	f := frame.DummyBRD(frame.MasterMAC(true), 1)
	datagrams, err := frame.ParseDatagrams(f.Bytes())
	require.NoError(t, err)
	require.Len(t, datagrams, 1)
	assert.Equal(t, frame.BRD, datagrams[0].Command)
	assert.Len(t, datagrams[0].Payload(), 2)
}
