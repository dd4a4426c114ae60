package master_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/samsamfire/goethercat/pkg/frame"
	"github.com/samsamfire/goethercat/pkg/link"
	"github.com/samsamfire/goethercat/pkg/link/virtual"
	"github.com/samsamfire/goethercat/pkg/mailbox"
	"github.com/samsamfire/goethercat/pkg/master"
	"github.com/samsamfire/goethercat/pkg/state"
)

func openTestPort(t *testing.T, ring *virtual.Ring) *link.Port {
	t.Helper()
	channel := t.Name()
	virtual.Register(channel, ring)
	l, err := link.Open(channel, "")
	require.NoError(t, err)
	port := link.NewPort(nil)
	require.NoError(t, port.Open(l, nil))
	t.Cleanup(func() { _ = port.Close() })
	return port
}

func TestBRDSumsAcrossSlaves(t *testing.T) {
	ring := virtual.NewRing(0)
	ring.AddSlave(virtual.NewSimSlave(0x1001))
	ring.AddSlave(virtual.NewSimSlave(0x1002))
	port := openTestPort(t, ring)

	_, wkc, err := master.BRD(port, frame.RegALStatus, 2, time.Second)
	require.NoError(t, err)
	require.EqualValues(t, 2, wkc)
}

func TestFPRDFPWRRoundTrip(t *testing.T) {
	ring := virtual.NewRing(0)
	ring.AddSlave(virtual.NewSimSlave(0x1001))
	port := openTestPort(t, ring)

	wkc, err := master.FPWRw(port, 0x1001, frame.RegAlias, 0xBEEF, time.Second)
	require.NoError(t, err)
	require.EqualValues(t, 1, wkc)

	got, wkc, err := master.FPRDw(port, 0x1001, frame.RegAlias, time.Second)
	require.NoError(t, err)
	require.EqualValues(t, 1, wkc)
	require.EqualValues(t, 0xBEEF, got)
}

func TestAPWRAddressesByRingPosition(t *testing.T) {
	ring := virtual.NewRing(0)
	ring.AddSlave(virtual.NewSimSlave(0))
	ring.AddSlave(virtual.NewSimSlave(0))
	port := openTestPort(t, ring)

	// adp 0 hits the first slave walked (position 0), adp -1 (uint16) hits
	// the second.
	wkc, err := master.APWRw(port, 0, frame.RegStationAddr, 0x1001, time.Second)
	require.NoError(t, err)
	require.EqualValues(t, 1, wkc)

	wkc, err = master.APWRw(port, 0xFFFF, frame.RegStationAddr, 0x1002, time.Second)
	require.NoError(t, err)
	require.EqualValues(t, 1, wkc)
}

func TestFPRDBatchGathersPerTargetPayloads(t *testing.T) {
	ring := virtual.NewRing(0)
	ring.AddSlave(virtual.NewSimSlave(0x1001))
	ring.AddSlave(virtual.NewSimSlave(0x1002))
	port := openTestPort(t, ring)

	_, err := master.FPWR(port, 0x1001, frame.RegAlias, []byte{0x11, 0x00}, time.Second)
	require.NoError(t, err)
	_, err = master.FPWR(port, 0x1002, frame.RegAlias, []byte{0x22, 0x00}, time.Second)
	require.NoError(t, err)

	results, wkcs, err := master.FPRDBatch(port, frame.RegAlias, 2, []uint16{0x1001, 0x1002}, time.Second)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.EqualValues(t, 1, wkcs[0])
	require.EqualValues(t, 1, wkcs[1])
	require.Equal(t, byte(0x11), results[0][0])
	require.Equal(t, byte(0x22), results[1][0])
}

func TestTransportSatisfiesStateAndMailboxInterfaces(t *testing.T) {
	ring := virtual.NewRing(0)
	port := openTestPort(t, ring)
	transport := master.NewTransport(port)
	require.NotNil(t, transport)

	var _ state.Transport = transport
	var _ mailbox.Transport = transport
}
