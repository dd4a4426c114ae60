package master

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/samsamfire/goethercat/pkg/frame"
	"github.com/samsamfire/goethercat/pkg/sii"
	"github.com/samsamfire/goethercat/pkg/slave"
)

// MaxSlavesWKC is the upper bound config_init accepts for the broadcast
// slave-count read (spec §4.7 step 3 "fail if it exceeds MAXSLAVE").
const MaxSlavesWKC = MaxSlaves

// defaultMbxSM0/1 are the fallback SyncManager flags used to repair an
// obviously-wrong mailbox SM (zero start address) read from EEPROM
// (spec §4.7 step 12 "DEFAULTMBXSM0/DEFAULTMBXSM1").
var (
	defaultMbxSM0 = slave.SyncManager{PhysStart: 0x1000, Length: 128, Flags: 0x00010024, Role: slave.SMRoleMbxOut}
	defaultMbxSM1 = slave.SyncManager{PhysStart: 0x1100, Length: 128, Flags: 0x00010022, Role: slave.SMRoleMbxIn}
)

// ConfigInit runs the full discovery/addressing/SII-mining/mailbox
// pre-program sequence and transitions every slave to PRE-OP, returning
// the discovered slave count (spec §4.7 "config_init", 14 steps; spec §6
// "config_init() → slave count").
func (m *Master) ConfigInit(timeout time.Duration) (int, error) {
	// Step 1: clear slave & group arrays; clear EEPROM cache.
	m.Slaves = []*slave.Slave{slave.New(0)}
	m.Groups = nil
	m.eeprom = sii.NewCache(m.eepromRead)

	// Step 2: broadcast reset — clear DL alias, force AL state INIT+ACK
	// (issued twice).
	if _, err := BWR(m.Port, frame.RegAlias, []byte{0, 0}, timeout); err != nil {
		return 0, fmt.Errorf("config_init: clear alias: %w", err)
	}
	initAck := []byte{byte(frame.StateInit | frame.StateAckFlag), 0}
	for i := 0; i < 2; i++ {
		if _, err := BWR(m.Port, frame.RegALControl, initAck, timeout); err != nil {
			return 0, fmt.Errorf("config_init: broadcast INIT+ACK: %w", err)
		}
	}

	// Step 3: broadcast-read TYPE, WKC = slave count.
	_, wkc, err := BRD(m.Port, frame.RegType, 2, timeout)
	if err != nil {
		return 0, fmt.Errorf("config_init: broadcast TYPE: %w", err)
	}
	n := int(wkc)
	if n < 0 {
		return 0, fmt.Errorf("config_init: no slaves responded")
	}
	if n == 0 {
		return 0, nil
	}
	if n > MaxSlavesWKC {
		return 0, fmt.Errorf("config_init: %d slaves exceeds MaxSlaves (%d)", n, MaxSlavesWKC)
	}

	// Step 4: broadcast clears.
	clears := []struct {
		ado uint16
		n   int
	}{
		{frame.RegDLControl, 2}, {frame.RegIRQMask, 2}, {frame.RegRXError, 8},
		{frame.RegFMMU0, frame.FMMUStride * frame.NumFMMU}, {frame.RegSM0, frame.SMStride * frame.NumSM},
		{frame.RegDCSyncAct, 1}, {frame.RegDCSystemTime, 8}, {frame.RegDCSpeedCnt, 2},
		{frame.RegDCTimeFilt, 2}, {frame.RegAlias, 2}, {frame.RegALControl, 2}, {frame.RegEEPROMConf, 2},
	}
	for _, c := range clears {
		if _, err := BWR(m.Port, c.ado, make([]byte, c.n), timeout); err != nil {
			return 0, fmt.Errorf("config_init: broadcast clear 0x%04x: %w", c.ado, err)
		}
	}

	// Step 5: per-slave walk (auto-increment, ADP = 1-slaveIndex), address
	// assignment.
	m.Slaves = make([]*slave.Slave, n+1)
	m.Slaves[0] = slave.New(0)
	for i := 1; i <= n; i++ {
		s := slave.New(i)
		adp := uint16(1 - i)

		pdi, _, _ := APRD(m.Port, adp, frame.RegPDIControl, 2, timeout)
		if len(pdi) >= 2 {
			s.InterfaceType = binary.LittleEndian.Uint16(pdi)
		}

		s.ConfiguredAddress = uint16(NodeOffset + i)
		addrBuf := []byte{byte(s.ConfiguredAddress), byte(s.ConfiguredAddress >> 8)}
		if _, err := APWR(m.Port, adp, frame.RegStationAddr, addrBuf, timeout); err != nil {
			return 0, fmt.Errorf("config_init: assign address to slave %d: %w", i, err)
		}

		if i == 1 {
			// Enable "drop non-EtherCAT frames" on slave 1 only.
			dlCtl, _, _ := APRD(m.Port, adp, frame.RegDLControl, 2, timeout)
			if len(dlCtl) >= 2 {
				val := binary.LittleEndian.Uint16(dlCtl) | 0x0002
				binary.LittleEndian.PutUint16(dlCtl, val)
				_, _ = APWR(m.Port, adp, frame.RegDLControl, dlCtl, timeout)
			}
		}

		addrRB, _, _ := FPRD(m.Port, s.ConfiguredAddress, frame.RegStationAddr, 2, timeout)
		_ = addrRB
		aliasRB, _, _ := FPRD(m.Port, s.ConfiguredAddress, frame.RegAlias, 2, timeout)
		if len(aliasRB) >= 2 {
			s.AliasAddress = binary.LittleEndian.Uint16(aliasRB)
		}
		eepStat, _, _ := FPRD(m.Port, s.ConfiguredAddress, frame.RegEEPROMStat, 2, timeout)
		if len(eepStat) >= 2 {
			s.Has8ByteEEPROMRead = eepStat[0]&0x40 != 0
		}

		m.Slaves[i] = s
	}

	// Steps 6-7: identity + mailbox geometry + DC capability + topology.
	dlStatuses := make([]uint16, n+1)
	for i := 1; i <= n; i++ {
		s := m.Slaves[i]
		m.eeprom.SwitchSlave(s.ConfiguredAddress, s.Has8ByteEEPROMRead)
		manufacturer, product, revision, err := m.eeprom.Identity()
		if err != nil {
			return 0, fmt.Errorf("config_init: read SII identity for slave %d: %w", i, err)
		}
		s.Manufacturer, s.ID, s.Revision = manufacturer, product, revision

		general, ok, err := m.eeprom.ReadGeneral()
		if err != nil {
			return 0, fmt.Errorf("config_init: read SII General for slave %d: %w", i, err)
		}
		if ok {
			s.DCSupported = general.CoEDetails&0x04 != 0 // enhanced-link-detection bit reused as DC capability marker
		}

		sms, err := m.eeprom.ReadSMs()
		if err != nil {
			return 0, fmt.Errorf("config_init: read SII SM for slave %d: %w", i, err)
		}
		if len(sms) > 0 {
			s.Mailbox.WriteOffset, s.Mailbox.WriteLength = sms[0].PhysStart, sms[0].Length
		}
		if len(sms) > 1 {
			s.Mailbox.ReadOffset, s.Mailbox.ReadLength = sms[1].PhysStart, sms[1].Length
		}
		if s.Mailbox.HasMailbox() && ok {
			s.Mailbox.SupportsCoE = general.CoEDetails&0x01 != 0
			s.Mailbox.SupportsFoE = general.FoEDetails&0x01 != 0
			s.Mailbox.SupportsEoE = general.EoEDetails&0x01 != 0
			s.Mailbox.SupportsSoE = general.SoEChannels != 0
		}

		dlStat, _, _ := FPRD(m.Port, s.ConfiguredAddress, frame.RegDLStatus, 2, timeout)
		if len(dlStat) >= 2 {
			dlStatuses[i] = binary.LittleEndian.Uint16(dlStat)
		}
	}

	// Step 8: parent inference.
	slave.ComputeTopology(m.Slaves, dlStatuses)

	// Step 9: transition each slave to INIT.
	for i := 1; i <= n; i++ {
		s := m.Slaves[i]
		if err := m.State.WriteState(s.ConfiguredAddress, frame.StateInit, timeout); err != nil {
			return 0, fmt.Errorf("config_init: request INIT for slave %d: %w", i, err)
		}
		if _, err := m.State.StateCheck(s.ConfiguredAddress, frame.StateInit, timeout); err != nil {
			return 0, fmt.Errorf("config_init: statecheck INIT for slave %d: %w", i, err)
		}
	}

	// Steps 10-11: mailbox SM defaults + SII resolve (reuse or parse).
	for i := 1; i <= n; i++ {
		s := m.Slaves[i]
		if !s.Mailbox.HasMailbox() {
			continue
		}
		s.SM[0] = slave.SyncManager{PhysStart: s.Mailbox.WriteOffset, Length: s.Mailbox.WriteLength, Flags: defaultMbxSM0.Flags, Role: slave.SMRoleMbxOut}
		s.SM[1] = slave.SyncManager{PhysStart: s.Mailbox.ReadOffset, Length: s.Mailbox.ReadLength, Flags: defaultMbxSM1.Flags, Role: slave.SMRoleMbxIn}

		reused := false
		for j := 1; j < i; j++ {
			if sii.SameIdentity(s, m.Slaves[j]) {
				sii.CopyFrom(s, m.Slaves[j])
				reused = true
				break
			}
		}
		if !reused {
			m.eeprom.SwitchSlave(s.ConfiguredAddress, s.Has8ByteEEPROMRead)
			if err := m.eeprom.Parse(s); err != nil {
				return 0, fmt.Errorf("config_init: parse SII for slave %d: %w", i, err)
			}
		}
	}

	// Step 12: repair obviously-wrong mailbox SMs (zero start address).
	for i := 1; i <= n; i++ {
		s := m.Slaves[i]
		if !s.Mailbox.HasMailbox() {
			continue
		}
		if s.SM[0].PhysStart == 0 {
			s.SM[0] = defaultMbxSM0
		}
		if s.SM[1].PhysStart == 0 {
			s.SM[1] = defaultMbxSM1
		}
	}

	// Step 13: program SM0/SM1 via one FPWR per slave.
	for i := 1; i <= n; i++ {
		if err := m.programSyncManagers(m.Slaves[i]); err != nil {
			return 0, fmt.Errorf("config_init: program mailbox SMs for slave %d: %w", i, err)
		}
	}

	// Step 14: switch EEPROM ownership to PDI, request PRE-OP.
	for i := 1; i <= n; i++ {
		s := m.Slaves[i]
		if _, err := FPWRw(m.Port, s.ConfiguredAddress, frame.RegEEPROMConf, 0x0001, timeout); err != nil {
			return 0, fmt.Errorf("config_init: switch EEPROM to PDI for slave %d: %w", i, err)
		}
		s.EEPROMOwnerPDI = true
		if err := m.State.WriteState(s.ConfiguredAddress, frame.StatePreOp, timeout); err != nil {
			return 0, fmt.Errorf("config_init: request PRE-OP for slave %d: %w", i, err)
		}
	}
	for i := 1; i <= n; i++ {
		if _, err := m.State.StateCheck(m.Slaves[i].ConfiguredAddress, frame.StatePreOp, timeout); err != nil {
			return 0, fmt.Errorf("config_init: statecheck PRE-OP for slave %d: %w", i, err)
		}
	}

	return n, nil
}

// programSyncManagers writes a slave's first two (mailbox) SM descriptors
// to its SM0/SM1 registers in a single FPWR (spec §4.7 step 13).
func (m *Master) programSyncManagers(s *slave.Slave) error {
	if !s.Mailbox.HasMailbox() {
		return nil
	}
	buf := make([]byte, frame.SMStride*2)
	encodeSM(buf[0:frame.SMStride], s.SM[0])
	encodeSM(buf[frame.SMStride:frame.SMStride*2], s.SM[1])
	_, err := FPWR(m.Port, s.ConfiguredAddress, frame.RegSM0, buf, DefaultTimeout)
	return err
}

func encodeSM(buf []byte, sm slave.SyncManager) {
	binary.LittleEndian.PutUint16(buf[0:2], sm.PhysStart)
	binary.LittleEndian.PutUint16(buf[2:4], sm.Length)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(sm.Flags))
	buf[6] = byte(sm.Flags >> 16)
	buf[7] = byte(sm.Flags >> 24)
}

// eepromRead performs the FPRD/EEPCTL word fetch sii.Cache delegates to —
// push an EEPROM-read request with the word address via EEPCTL, poll the
// busy bit, then FPRD the data register (spec §4.4).
func (m *Master) eepromRead(wordAddr uint16, eightByte bool) ([]byte, error) {
	addr := m.eeprom.CurrentSlave

	ctl := make([]byte, 4)
	binary.LittleEndian.PutUint16(ctl[0:2], 0x0100) // read-command bit
	binary.LittleEndian.PutUint16(ctl[2:4], wordAddr)
	if _, err := FPWR(m.Port, addr, frame.RegEEPROMCtl, ctl, DefaultTimeout); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(DefaultTimeout)
	for {
		stat, wkc, err := FPRD(m.Port, addr, frame.RegEEPROMStat, 2, DefaultTimeout)
		if err != nil {
			return nil, err
		}
		if wkc > 0 && len(stat) >= 1 && stat[0]&0x80 == 0 {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("sii: eeprom read timeout at slave 0x%04x word 0x%04x", addr, wordAddr)
		}
		time.Sleep(100 * time.Microsecond)
	}

	length := 4
	if eightByte {
		length = 8
	}
	data, _, err := FPRD(m.Port, addr, frame.RegEEPROMData, length, DefaultTimeout)
	return data, err
}
