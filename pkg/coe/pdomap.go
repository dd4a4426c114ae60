package coe

import "encoding/binary"

// PDOMapResult carries the accumulated output and input bit totals produced
// by reading back 1C12/1C13 (spec §4.6 "PDO-map readback"); the individual
// PDO entries are not kept.
type PDOMapResult struct {
	OutputBits int
	InputBits  int
}

// ObjSM2Assign / ObjSM3Assign are the 1C12 (outputs) / 1C13 (inputs)
// objects that list which PDOs are mapped to which SyncManager.
const (
	ObjSM2Assign = 0x1C12 // RxPDO assign (outputs)
	ObjSM3Assign = 0x1C13 // TxPDO assign (inputs)
)

// ReadPDOAssign reads one SM-assign object (1C12/1C13), then for each
// assigned PDO index reads its own subindex-0 entry count and every
// entry's packed index:subindex:bit-length, summing the total bit size
// (spec §4.6).
func (c *Client) ReadPDOAssign(assignObj uint16) (int, error) {
	countRaw, err := c.Upload(assignObj, 0, false)
	if err != nil {
		return 0, err
	}
	if len(countRaw) == 0 {
		return 0, nil
	}
	count := int(countRaw[0])

	totalBits := 0
	for i := 1; i <= count; i++ {
		pdoRaw, err := c.Upload(assignObj, uint8(i), false)
		if err != nil {
			return totalBits, err
		}
		if len(pdoRaw) < 2 {
			continue
		}
		pdoIndex := binary.LittleEndian.Uint16(pdoRaw)

		entryCountRaw, err := c.Upload(pdoIndex, 0, false)
		if err != nil {
			return totalBits, err
		}
		if len(entryCountRaw) == 0 {
			continue
		}
		entryCount := int(entryCountRaw[0])

		for e := 1; e <= entryCount; e++ {
			entryRaw, err := c.Upload(pdoIndex, uint8(e), false)
			if err != nil {
				return totalBits, err
			}
			if len(entryRaw) < 4 {
				continue
			}
			packed := binary.LittleEndian.Uint32(entryRaw)
			bitLength := int(packed & 0xFF)
			totalBits += bitLength
		}
	}
	return totalBits, nil
}

// ReadPDOMap reads both SM-assign objects and returns the accumulated
// output/input bit totals (spec §4.6).
func (c *Client) ReadPDOMap() (PDOMapResult, error) {
	var res PDOMapResult
	var err error
	res.OutputBits, err = c.ReadPDOAssign(ObjSM2Assign)
	if err != nil {
		return res, err
	}
	res.InputBits, err = c.ReadPDOAssign(ObjSM3Assign)
	return res, err
}
