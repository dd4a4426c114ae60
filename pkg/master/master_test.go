package master_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/samsamfire/goethercat/pkg/frame"
	"github.com/samsamfire/goethercat/pkg/link/virtual"
	"github.com/samsamfire/goethercat/pkg/master"
	"github.com/samsamfire/goethercat/pkg/process"
	"github.com/samsamfire/goethercat/pkg/slave"
)

func newTestMaster(t *testing.T, ring *virtual.Ring) *master.Master {
	t.Helper()
	channel := t.Name()
	virtual.Register(channel, ring)
	m := master.New(nil)
	require.NoError(t, m.Init(channel, ""))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestNewMasterStartsWithAggregateSlaveOnly(t *testing.T) {
	m := master.New(nil)
	require.Len(t, m.Slaves, 1)
	require.True(t, m.Slaves[0].IsMaster())
	require.Nil(t, m.Slave(1))
}

func TestSlaveStatesReadsBroadcastALState(t *testing.T) {
	ring := virtual.NewRing(0)
	sim := virtual.NewSimSlave(0x1001)
	sim.Registers[frame.RegALStatus] = []byte{byte(frame.StateOp), 0, 0, 0}
	ring.AddSlave(sim)
	m := newTestMaster(t, ring)
	m.Slaves = append(m.Slaves, &slave.Slave{Index: 1, ConfiguredAddress: 0x1001})

	states, err := m.SlaveStates(time.Second)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.True(t, states[0].InOp())
}

func TestRequestOpAndAckSlaveWriteALControl(t *testing.T) {
	ring := virtual.NewRing(0)
	sim := virtual.NewSimSlave(0x1001)
	ring.AddSlave(sim)
	m := newTestMaster(t, ring)
	m.Slaves = append(m.Slaves, &slave.Slave{Index: 1, ConfiguredAddress: 0x1001})

	require.NoError(t, m.RequestOp(1))
	require.Equal(t, byte(frame.StateOp), sim.Registers[frame.RegALControl][0])
	require.NoError(t, m.AckSlave(1))
	require.Equal(t, byte(frame.StateSafeOp|frame.StateAckFlag), sim.Registers[frame.RegALControl][0])
}

func TestExpectedWKCSumsGroups(t *testing.T) {
	m := master.New(nil)
	g1 := process.NewGroup(0)
	g1.ExpectedOutputWKC, g1.ExpectedInputWKC = 2, 1
	g2 := process.NewGroup(0x10000)
	g2.ExpectedOutputWKC, g2.ExpectedInputWKC = 1, 1
	m.Groups = []*process.Group{g1, g2}

	// outputsWKC*2 + inputsWKC, per group (spec §3).
	require.Equal(t, (2*2+1)+(1*2+1), m.ExpectedWKC())
}

func TestRecoverSlaveSkipsWhenSlaveAlreadyAnswers(t *testing.T) {
	ring := virtual.NewRing(0)
	sim := virtual.NewSimSlave(0x1001)
	sim.Registers[frame.RegStationAddr] = []byte{0x01, 0x10} // already answers at 0x1001
	ring.AddSlave(sim)
	m := newTestMaster(t, ring)
	s := &slave.Slave{Index: 1, ConfiguredAddress: 0x1001}
	m.Slaves = append(m.Slaves, s)
	s.IsLost = true

	require.NoError(t, m.RecoverSlave(1))
	require.False(t, s.IsLost)
}
