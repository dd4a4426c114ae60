package state_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/goethercat/pkg/frame"
	"github.com/samsamfire/goethercat/pkg/state"
)

type fakeTransport struct {
	brdWord  uint16
	brdWKC   frame.WKC
	perSlave map[uint16]uint16
}

func (f *fakeTransport) BRD(ado uint16, length int, timeout time.Duration) ([]byte, frame.WKC, error) {
	return []byte{byte(f.brdWord), byte(f.brdWord >> 8)}, f.brdWKC, nil
}

func (f *fakeTransport) BWR(ado uint16, data []byte, timeout time.Duration) (frame.WKC, error) {
	return frame.WKC(len(f.perSlave)), nil
}

func (f *fakeTransport) FPRD(addr, ado uint16, length int, timeout time.Duration) ([]byte, frame.WKC, error) {
	w, ok := f.perSlave[addr]
	if !ok {
		return nil, 0, nil
	}
	return []byte{byte(w), byte(w >> 8)}, 1, nil
}

func (f *fakeTransport) FPWR(addr, ado uint16, data []byte, timeout time.Duration) (frame.WKC, error) {
	return 1, nil
}

func (f *fakeTransport) FPRDBatch(ado uint16, length int, targets []uint16, timeout time.Duration) ([][]byte, []frame.WKC, error) {
	out := make([][]byte, len(targets))
	wkcs := make([]frame.WKC, len(targets))
	for i, t := range targets {
		w := f.perSlave[t]
		out[i] = []byte{byte(w), byte(w >> 8)}
		wkcs[i] = 1
	}
	return out, wkcs, nil
}

func TestReadStateBroadcastFastPath(t *testing.T) {
	ft := &fakeTransport{brdWord: frame.StateOp, brdWKC: 3, perSlave: map[uint16]uint16{1: frame.StateOp, 2: frame.StateOp, 3: frame.StateOp}}
	d := state.New(ft)
	results, err := d.ReadState([]uint16{1, 2, 3}, 50*time.Millisecond)
	require.NoError(t, err)
	for _, r := range results {
		assert.EqualValues(t, frame.StateOp, r.State)
		assert.False(t, r.Error)
	}
}

func TestReadStateFallsBackWhenWKCShort(t *testing.T) {
	ft := &fakeTransport{
		brdWord:  0,
		brdWKC:   1, // fewer than the 3 slaves -> fall back
		perSlave: map[uint16]uint16{1: frame.StateOp, 2: frame.StateSafeOp, 3: frame.StateOp | frame.StateErrFlag},
	}
	d := state.New(ft)
	results, err := d.ReadState([]uint16{1, 2, 3}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.EqualValues(t, frame.StateOp, results[0].State)
	assert.EqualValues(t, frame.StateSafeOp, results[1].State)
	assert.EqualValues(t, frame.StateOp, results[2].State)
	assert.True(t, results[2].Error)
}

func TestStateCheckPolls(t *testing.T) {
	ft := &fakeTransport{perSlave: map[uint16]uint16{5: frame.StateSafeOp}}
	d := state.New(ft)
	res, err := d.StateCheck(5, frame.StateSafeOp, 100*time.Millisecond)
	require.NoError(t, err)
	assert.EqualValues(t, frame.StateSafeOp, res.State)
}
