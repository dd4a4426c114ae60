package sii_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/goethercat/pkg/sii"
	"github.com/samsamfire/goethercat/pkg/slave"
)

// buildImage assembles a synthetic EEPROM byte image: identity words at
// their fixed addresses, then one General category and one Strings
// category starting at sii.SIIStart, terminated by the 0xFFFF end marker.
func buildImage() []byte {
	img := make([]byte, sii.MaxEEPBuf)

	binary.LittleEndian.PutUint32(img[0x0008*2:], 0x00000123) // manufacturer
	binary.LittleEndian.PutUint32(img[0x000A*2:], 0x00000456) // product
	binary.LittleEndian.PutUint32(img[0x000C*2:], 0x00000002) // revision

	pos := sii.SIIStart * 2

	general := make([]byte, 16)
	general[3] = 0x01 // CoE details: bit0 set
	binary.LittleEndian.PutUint16(general[12:], 100) // bus current mA
	general[15] = 0x01                                // blockLRW

	binary.LittleEndian.PutUint16(img[pos:], sii.CategoryGeneral)
	binary.LittleEndian.PutUint16(img[pos+2:], uint16(len(general)/2))
	copy(img[pos+4:], general)
	pos += 4 + len(general)

	strings := []byte{1, 5, 'S', 'e', 'r', 'v', 'o'}
	binary.LittleEndian.PutUint16(img[pos:], sii.CategoryStrings)
	binary.LittleEndian.PutUint16(img[pos+2:], uint16((len(strings)+1)/2))
	copy(img[pos+4:], strings)
	pos += 4 + len(strings) + (len(strings) % 2)

	binary.LittleEndian.PutUint16(img[pos:], sii.CategoryEnd)

	return img
}

func newTestCache(image []byte) *sii.Cache {
	return sii.NewCache(func(wordAddr uint16, eightByte bool) ([]byte, error) {
		n := 4
		if eightByte {
			n = 8
		}
		base := int(wordAddr) * 2
		out := make([]byte, n)
		copy(out, image[base:base+n])
		return out, nil
	})
}

func TestCacheIdentityAndCategories(t *testing.T) {
	image := buildImage()
	c := newTestCache(image)
	c.SwitchSlave(1001, false)

	manu, prod, rev, err := c.Identity()
	require.NoError(t, err)
	assert.EqualValues(t, 0x123, manu)
	assert.EqualValues(t, 0x456, prod)
	assert.EqualValues(t, 2, rev)

	general, ok, err := c.ReadGeneral()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, general.CoEDetails&0x01 != 0)
	assert.Equal(t, 100, general.BusCurrentMA)
	assert.True(t, general.BlockLRW)

	name, err := c.ReadString(1)
	require.NoError(t, err)
	assert.Equal(t, "Servo", name)
}

func TestParseAndCopyFrom(t *testing.T) {
	image := buildImage()
	c := newTestCache(image)
	c.SwitchSlave(1001, false)

	s1 := slave.New(1)
	s1.Identity = slave.Identity{Manufacturer: 0x123, ID: 0x456, Revision: 2}
	require.NoError(t, c.Parse(s1))
	assert.True(t, s1.Mailbox.SupportsCoE)
	assert.Equal(t, "Servo", s1.Name)

	s2 := slave.New(2)
	s2.Identity = slave.Identity{Manufacturer: 0x123, ID: 0x456, Revision: 2}
	require.True(t, sii.SameIdentity(s1, s2))
	sii.CopyFrom(s2, s1)
	assert.True(t, s2.Mailbox.SupportsCoE)
	assert.Equal(t, "Servo", s2.Name)
}

func TestSwitchSlaveClearsBitmap(t *testing.T) {
	image := buildImage()
	c := newTestCache(image)
	c.SwitchSlave(1001, false)

	_, err := c.ReadBytes(0, 4)
	require.NoError(t, err)

	calls := 0
	c.Reader = func(wordAddr uint16, eightByte bool) ([]byte, error) {
		calls++
		return make([]byte, 4), nil
	}
	c.SwitchSlave(1002, false)
	_, err = c.ReadBytes(0, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "bitmap must be cleared on slave switch, forcing a refetch")
}
