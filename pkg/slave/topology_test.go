package slave_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/samsamfire/goethercat/pkg/slave"
)

// buildDLStatus packs the four port-state bit pairs the way an ESC reports
// them: each pair is 0b10 when that port is open and communication
// established, 0b00 otherwise.
func buildDLStatus(ports ...bool) uint16 {
	var v uint16
	for i, open := range ports {
		if open {
			v |= uint16(0x2) << (8 + uint(i)*2)
		}
	}
	return v
}

func TestComputeTopologyThreeSlaveChain(t *testing.T) {
	// Master, then three slaves wired in a straight line: each one has
	// exactly two active ports (passthrough) except the last, which is an
	// endpoint (spec §8 scenario 2).
	slaves := []*slave.Slave{
		slave.New(0),
		slave.New(1),
		slave.New(2),
		slave.New(3),
	}
	dl := []uint16{
		0,
		buildDLStatus(true, true),  // slave 1: passthrough
		buildDLStatus(true, true),  // slave 2: passthrough
		buildDLStatus(true, false), // slave 3: endpoint
	}

	slave.ComputeTopology(slaves, dl)

	assert.Equal(t, slave.TopoPassthrough, slaves[1].Topology.ActiveLinks)
	assert.Equal(t, 0, slaves[1].Topology.ParentSlave) // first slave: parent is master

	assert.Equal(t, slave.TopoPassthrough, slaves[2].Topology.ActiveLinks)
	assert.Equal(t, 1, slaves[2].Topology.ParentSlave)

	assert.Equal(t, slave.TopoEndpoint, slaves[3].Topology.ActiveLinks)
	assert.Equal(t, 2, slaves[3].Topology.ParentSlave)
}

func TestComputeTopologySplit(t *testing.T) {
	// Master -> slave1 (split, 3 ports) -> slave2 (endpoint), slave1 -> slave3
	// (endpoint) on its second branch.
	slaves := []*slave.Slave{
		slave.New(0),
		slave.New(1),
		slave.New(2),
		slave.New(3),
	}
	dl := []uint16{
		0,
		buildDLStatus(true, true, true), // slave 1: split (3 ports)
		buildDLStatus(true, false),      // slave 2: endpoint
		buildDLStatus(true, false),      // slave 3: endpoint
	}

	slave.ComputeTopology(slaves, dl)

	assert.Equal(t, slave.TopoSplit, slaves[1].Topology.ActiveLinks)
	assert.Equal(t, 1, slaves[2].Topology.ParentSlave)
	assert.Equal(t, 1, slaves[3].Topology.ParentSlave)
}
