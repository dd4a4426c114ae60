package process_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/samsamfire/goethercat/pkg/process"
	"github.com/samsamfire/goethercat/pkg/slave"
)

func TestLayoutSequentialTwoSlaves(t *testing.T) {
	s1 := slave.New(1)
	s1.OutputBytes = 2
	s1.InputBytes = 1
	s2 := slave.New(2)
	s2.OutputBytes = 6
	s2.InputBytes = 2

	iomap := make([]byte, 16)
	g := process.NewGroup(0)
	process.LayoutSequentialSlaves(g, []*slave.Slave{s1, s2}, iomap)

	assert.Equal(t, 8, g.OutputBytes)
	assert.Equal(t, 3, g.InputBytes)
	assert.Len(t, s1.Outputs, 2)
	assert.Len(t, s2.Outputs, 6)
	assert.Len(t, s1.Inputs, 1)
	assert.Len(t, s2.Inputs, 2)

	// s2's outputs must start right after s1's in the backing buffer.
	s1.Outputs[0] = 0xAA
	s2.Outputs[0] = 0xBB
	assert.Equal(t, byte(0xAA), iomap[0])
	assert.Equal(t, byte(0xBB), iomap[2])
}

func TestLayoutOverlapSharesBase(t *testing.T) {
	s1 := slave.New(1)
	s1.OutputBytes = 4
	s1.InputBytes = 4
	s2 := slave.New(2)
	s2.OutputBytes = 4
	s2.InputBytes = 4

	iomap := make([]byte, 16)
	g := process.NewGroup(0)
	process.LayoutOverlapSlaves(g, []*slave.Slave{s1, s2}, iomap)

	assert.Equal(t, 8, g.OutputBytes)
	assert.Equal(t, 8, g.InputOffset)
	assert.Len(t, s1.Inputs, 4)
	assert.Len(t, s2.Inputs, 4)
}
