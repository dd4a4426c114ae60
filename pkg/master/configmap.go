package master

import (
	"encoding/binary"
	"fmt"

	"github.com/samsamfire/goethercat/pkg/coe"
	"github.com/samsamfire/goethercat/pkg/frame"
	"github.com/samsamfire/goethercat/pkg/process"
	"github.com/samsamfire/goethercat/pkg/sii"
	"github.com/samsamfire/goethercat/pkg/slave"
)

// pdoBits is a cached (manufacturer, id, revision)-keyed mapping result
// (spec §4.7 config_map step 2 "Prior-slave reuse is applied by
// (manufacturer, id, revision) key").
type pdoBits struct {
	outputBits int
	inputBits  int
}

// ConfigMap runs config_map over every discovered slave as a single
// sequential-layout group, writing into the caller-owned iomap (spec §4.7
// "config_map", sequential variant).
func (m *Master) ConfigMap(iomap []byte) (*process.Group, error) {
	return m.configMap(iomap, false)
}

// ConfigOverlapMap is ConfigMap's overlap-layout counterpart, required when
// driving LRW against slave silicon that cannot separate output and input
// windows (spec §4.7 config_map step 4 "Overlap").
func (m *Master) ConfigOverlapMap(iomap []byte) (*process.Group, error) {
	return m.configMap(iomap, true)
}

func (m *Master) configMap(iomap []byte, overlap bool) (*process.Group, error) {
	slaves := m.Slaves[1:]

	// Step 1: PRE-OP-to-SAFE-OP hooks (application CoE SDO writes to
	// 1C12/1C13/1600/1A00 and mode-select objects).
	for _, s := range slaves {
		if s.PreOpToSafeOpHook == nil {
			continue
		}
		if err := s.PreOpToSafeOpHook(s); err != nil {
			return nil, fmt.Errorf("config_map: pre-op-to-safe-op hook for slave %d: %w", s.Index, err)
		}
	}

	// Step 2: per-slave input/output bit-size discovery, CoE-CA -> CoE ->
	// SoE -> SII fallback order, reused across identical device models.
	seen := make(map[slave.Identity]pdoBits, len(slaves))
	for _, s := range slaves {
		if err := m.mapSlavePDO(s, seen); err != nil {
			return nil, fmt.Errorf("config_map: map PDO for slave %d: %w", s.Index, err)
		}
	}

	// Step 3: program SM2.. via FPWR, clearing enable when length is zero.
	for _, s := range slaves {
		if err := m.programProcessDataSMs(s); err != nil {
			return nil, fmt.Errorf("config_map: program process-data SMs for slave %d: %w", s.Index, err)
		}
	}

	// Step 4: IOmap layout (sequential or overlap).
	g := process.NewGroup(0)
	if overlap {
		process.LayoutOverlapSlaves(g, slaves, iomap)
	} else {
		process.LayoutSequentialSlaves(g, slaves, iomap)
	}

	// FMMU programming, using the layout's per-slave byte windows.
	for _, s := range slaves {
		if err := m.programFMMUs(s, g); err != nil {
			return nil, fmt.Errorf("config_map: program FMMUs for slave %d: %w", s.Index, err)
		}
	}

	// Step 5: SM enable already written by programProcessDataSMs; transition
	// to SAFE-OP and re-assert EEPROM/PDI ownership.
	for _, s := range slaves {
		if _, err := FPWRw(m.Port, s.ConfiguredAddress, frame.RegEEPROMConf, 0x0001, DefaultTimeout); err != nil {
			return nil, fmt.Errorf("config_map: switch EEPROM to PDI for slave %d: %w", s.Index, err)
		}
		if err := m.State.WriteState(s.ConfiguredAddress, frame.StateSafeOp, DefaultTimeout); err != nil {
			return nil, fmt.Errorf("config_map: request SAFE-OP for slave %d: %w", s.Index, err)
		}
	}
	for _, s := range slaves {
		if _, err := m.State.StateCheck(s.ConfiguredAddress, frame.StateSafeOp, DefaultTimeout); err != nil {
			return nil, fmt.Errorf("config_map: statecheck SAFE-OP for slave %d: %w", s.Index, err)
		}
	}

	// Step 6: per-group bookkeeping.
	for _, s := range slaves {
		if s.OutputBytes > 0 {
			g.ExpectedOutputWKC++
		}
		if s.InputBytes > 0 {
			g.ExpectedInputWKC++
		}
		if s.DCSupported && g.DCNextSlave == 0 {
			g.DCEnabled = true
			g.DCNextSlave = s.ConfiguredAddress
		}
	}

	m.Groups = append(m.Groups, g)
	return g, nil
}

// mapSlavePDO implements config_map step 2: CoE-CA, then CoE individual
// reads, then SoE IDN map, then SII PDO section, in that fallback order,
// reusing a prior slave's result when the (manufacturer, id, revision)
// triple matches.
func (m *Master) mapSlavePDO(s *slave.Slave, seen map[slave.Identity]pdoBits) error {
	if cached, ok := seen[s.Identity]; ok {
		s.OutputBits, s.InputBits = cached.outputBits, cached.inputBits
		s.OutputBytes = (s.OutputBits + 7) / 8
		s.InputBytes = (s.InputBits + 7) / 8
		return nil
	}

	var outBits, inBits int
	var err error

	switch {
	case s.Mailbox.SupportsCoE:
		client := m.CoEClient(s)
		outBits, err = sumSMPDOAssign(client, objRxPDOAssign)
		if err == nil {
			inBits, err = sumSMPDOAssign(client, objTxPDOAssign)
		}
	case s.Mailbox.SupportsSoE:
		res, serr := m.SoEClient(s).ReadIDNMap()
		outBits, inBits, err = res.OutputBits, res.InputBits, serr
	default:
		err = fmt.Errorf("no mailbox protocol available")
	}

	if err != nil {
		// SII PDO-section fallback (spec §4.7 config_map step 2d).
		m.eeprom.SwitchSlave(s.ConfiguredAddress, s.Has8ByteEEPROMRead)
		_, outBits, err = m.eeprom.ReadPDOs(sii.CategoryPDORx)
		if err != nil {
			return err
		}
		_, inBits, err = m.eeprom.ReadPDOs(sii.CategoryPDOTx)
		if err != nil {
			return err
		}
	}

	s.OutputBits, s.InputBits = outBits, inBits
	s.OutputBytes = (outBits + 7) / 8
	s.InputBytes = (inBits + 7) / 8
	seen[s.Identity] = pdoBits{outputBits: outBits, inputBits: inBits}
	return nil
}

// SM-PDO assignment objects (spec §4.6, CANopen-over-EtherCAT PDO mapping).
const (
	objRxPDOAssign = 0x1C12 // SM2, master -> slave (outputs)
	objTxPDOAssign = 0x1C13 // SM3, slave -> master (inputs)
)

// sumSMPDOAssign reads the PDO indices assigned to one sync manager (via
// Complete-Access if the slave answers it, otherwise sub-index by
// sub-index — spec §4.7 config_map steps 2a/2b) and sums the bit length of
// every mapped entry across all assigned PDOs.
func sumSMPDOAssign(c *coe.Client, assignIndex uint16) (int, error) {
	pdoIndexes, err := readAssignListCA(c, assignIndex)
	if err != nil {
		pdoIndexes, err = readAssignList(c, assignIndex)
		if err != nil {
			return 0, err
		}
	}

	total := 0
	for _, pdoIndex := range pdoIndexes {
		entries, err := readPDOMapEntries(c, pdoIndex)
		if err != nil {
			return 0, err
		}
		total += entries
	}
	return total, nil
}

// readAssignListCA reads an SM-PDO assignment object in one Complete-Access
// transfer: sub0 (a 1-byte count, padded to a word) followed by one 16-bit
// PDO index per assigned PDO.
func readAssignListCA(c *coe.Client, index uint16) ([]uint16, error) {
	raw, err := c.Upload(index, 0, true)
	if err != nil {
		return nil, err
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("coe: short complete-access read of 0x%04x", index)
	}
	count := int(raw[0])
	out := make([]uint16, 0, count)
	pos := 2 // 1-byte count + 1 pad byte precede the sub-entries
	for i := 0; i < count && pos+2 <= len(raw); i++ {
		out = append(out, binary.LittleEndian.Uint16(raw[pos:pos+2]))
		pos += 2
	}
	return out, nil
}

// readAssignList reads an SM-PDO assignment object sub-index by sub-index
// (spec §4.7 config_map step 2b).
func readAssignList(c *coe.Client, index uint16) ([]uint16, error) {
	countRaw, err := c.Upload(index, 0, false)
	if err != nil || len(countRaw) < 1 {
		return nil, fmt.Errorf("coe: read assign count 0x%04x: %w", index, err)
	}
	count := int(countRaw[0])
	out := make([]uint16, 0, count)
	for i := uint8(1); i <= uint8(count); i++ {
		raw, err := c.Upload(index, i, false)
		if err != nil || len(raw) < 2 {
			return nil, fmt.Errorf("coe: read assign entry 0x%04x:%d: %w", index, i, err)
		}
		out = append(out, binary.LittleEndian.Uint16(raw))
	}
	return out, nil
}

// readPDOMapEntries sums the bit lengths of one PDO mapping object's
// entries, each a 4-byte (index<<16 | subindex<<8 | bitlength) word — the
// same layout pkg/pdo's NewPDO/configureMap decodes for plain CANopen PDO
// mapping.
func readPDOMapEntries(c *coe.Client, pdoIndex uint16) (int, error) {
	countRaw, err := c.Upload(pdoIndex, 0, false)
	if err != nil || len(countRaw) < 1 {
		return 0, fmt.Errorf("coe: read map count 0x%04x: %w", pdoIndex, err)
	}
	count := int(countRaw[0])
	total := 0
	for i := uint8(1); i <= uint8(count); i++ {
		raw, err := c.Upload(pdoIndex, i, false)
		if err != nil || len(raw) < 4 {
			return 0, fmt.Errorf("coe: read map entry 0x%04x:%d: %w", pdoIndex, i, err)
		}
		mapParam := binary.LittleEndian.Uint32(raw)
		total += int(byte(mapParam))
	}
	return total, nil
}

// processDataSMBase is the DPRAM offset process-data SMs start at, just
// past the fixed 256-byte mailbox SM window config_init programs.
const processDataSMBase = 0x1200

// programProcessDataSMs writes a slave's SM2 (outputs) and SM3 (inputs)
// descriptors, clearing the enable bit on whichever side has zero length
// (spec §4.7 config_map step 3).
func (m *Master) programProcessDataSMs(s *slave.Slave) error {
	outLen, inLen := uint16(s.OutputBytes), uint16(s.InputBytes)

	s.SM[2] = slave.SyncManager{
		PhysStart: processDataSMBase,
		Length:    outLen,
		Flags:     0x00010064, // buffered, master-write, interrupt-on-write
		Role:      slave.SMRoleOutputs,
	}.WithEnabled(outLen > 0)

	s.SM[3] = slave.SyncManager{
		PhysStart: processDataSMBase + outLen,
		Length:    inLen,
		Flags:     0x00010020, // buffered, slave-write
		Role:      slave.SMRoleInputs,
	}.WithEnabled(inLen > 0)

	buf := make([]byte, frame.SMStride*2)
	encodeSM(buf[0:frame.SMStride], s.SM[2])
	encodeSM(buf[frame.SMStride:frame.SMStride*2], s.SM[3])
	_, err := FPWR(m.Port, s.ConfiguredAddress, frame.RegSM0+2*frame.SMStride, buf, DefaultTimeout)
	return err
}

// programFMMUs assigns and writes one output FMMU and one input FMMU for a
// slave, using its byte offsets within the group's logical window (spec
// §4.7 config_map step 4).
func (m *Master) programFMMUs(s *slave.Slave, g *process.Group) error {
	window := g.SlaveWindows[s]

	if s.OutputBytes > 0 {
		fmmu := slave.FMMU{
			LogicalStart:  g.LogicalStart + uint32(window.OutputOffset),
			LogicalLength: uint16(s.OutputBytes),
			LogicalEndBit: 7,
			PhysicalStart: s.SM[2].PhysStart,
			Type:          2, // write
			Active:        true,
		}
		if err := m.writeFMMU(s, fmmu); err != nil {
			return err
		}
	}
	if s.InputBytes > 0 {
		fmmu := slave.FMMU{
			LogicalStart:  g.LogicalStart + uint32(window.InputOffset),
			LogicalLength: uint16(s.InputBytes),
			LogicalEndBit: 7,
			PhysicalStart: s.SM[3].PhysStart,
			Type:          1, // read
			Active:        true,
		}
		if err := m.writeFMMU(s, fmmu); err != nil {
			return err
		}
	}
	return nil
}

func (m *Master) writeFMMU(s *slave.Slave, f slave.FMMU) error {
	if s.FirstUnusedFMMU >= frame.NumFMMU {
		return fmt.Errorf("master: slave %d has no free FMMU", s.Index)
	}
	idx := s.FirstUnusedFMMU
	s.FMMUs[idx] = f
	s.FirstUnusedFMMU++

	buf := make([]byte, frame.FMMUStride)
	encodeFMMU(buf, f)
	_, err := FPWR(m.Port, s.ConfiguredAddress, frame.RegFMMU0+uint16(idx)*frame.FMMUStride, buf, DefaultTimeout)
	return err
}

func encodeFMMU(buf []byte, f slave.FMMU) {
	binary.LittleEndian.PutUint32(buf[0:4], f.LogicalStart)
	binary.LittleEndian.PutUint16(buf[4:6], f.LogicalLength)
	buf[6] = f.LogicalStartBit
	buf[7] = f.LogicalEndBit
	binary.LittleEndian.PutUint16(buf[8:10], f.PhysicalStart)
	buf[10] = f.PhysicalStartBit
	buf[11] = f.Type
	if f.Active {
		buf[12] = 1
	}
}
