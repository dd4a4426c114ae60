// Package slave holds the per-device record the config engine and
// process-data engine populate and consume (spec §3 Slave record), plus the
// SyncManager/FMMU descriptors and the ring-topology inference the config
// engine depends on (spec §4.7 step 8).
package slave

import "github.com/samsamfire/goethercat/pkg/frame"

// SyncManagerRole identifies what a SyncManager descriptor is used for
// (spec §3: "a parallel array of SyncManager roles").
type SyncManagerRole uint8

const (
	SMRoleUnused  SyncManagerRole = 0
	SMRoleMbxOut  SyncManagerRole = 1 // master -> slave
	SMRoleMbxIn   SyncManagerRole = 2 // slave -> master
	SMRoleOutputs SyncManagerRole = 3
	SMRoleInputs  SyncManagerRole = 4
)

// SyncManager mirrors one 8-byte SM register record (spec §3, §6 SM0 stride).
type SyncManager struct {
	PhysStart uint16
	Length    uint16
	Flags     uint32
	Role      SyncManagerRole
}

// Enabled reports whether the SM's enable bit (bit 16 of Flags) is set.
func (sm SyncManager) Enabled() bool { return sm.Flags&0x00010000 != 0 }

// WithEnabled returns a copy with only the enable bit changed — SOEM's
// 0xFFFEFFFF mask clears exactly that bit and preserves the rest (spec §9
// Open Question, recorded as current/locked-in behavior).
func (sm SyncManager) WithEnabled(enabled bool) SyncManager {
	if enabled {
		sm.Flags |= 0x00010000
	} else {
		sm.Flags &^= 0x00010000
	}
	return sm
}

// FMMU mirrors one 16-byte FMMU register record (spec §3, §6 FMMU0 stride).
type FMMU struct {
	LogicalStart    uint32
	LogicalLength   uint16
	LogicalStartBit uint8
	LogicalEndBit   uint8
	PhysicalStart   uint16
	PhysicalStartBit uint8
	Type            uint8 // 1=read (inputs), 2=write (outputs), 3=read+write
	Active          bool
}

// Mailbox is a slave's mailbox geometry and session state (spec §3, §4.5).
type Mailbox struct {
	WriteOffset uint16
	WriteLength uint16
	ReadOffset  uint16
	ReadLength  uint16

	SupportsCoE bool
	SupportsFoE bool
	SupportsEoE bool
	SupportsSoE bool
	SupportsAoE bool
	SupportsVoE bool

	// counter is in [1..7], wrapping 1,2,...,7,1,... (spec §9 note). Zero
	// means "never used yet" so the first Next() call returns 1.
	counter uint8
	// RepeatToggle is a per-slave slot for the repeat-request bit (spec
	// §4.5); pkg/mailbox does not update it, since its receive path toggles
	// the bit directly in the SM1 status register.
	RepeatToggle bool
}

// Next advances and returns the rolling mailbox session counter.
func (m *Mailbox) Next() uint8 {
	m.counter++
	if m.counter > 7 {
		m.counter = 1
	}
	return m.counter
}

// Counter returns the current counter value without advancing it.
func (m Mailbox) Counter() uint8 { return m.counter }

// HasMailbox reports whether this slave has any usable mailbox geometry.
func (m Mailbox) HasMailbox() bool { return m.WriteLength > 0 && m.ReadLength > 0 }

// Topology describes a slave's position and link state in the ring
// (spec §3, §4.7 steps 7-8).
type Topology struct {
	ActiveLinks      int    // 1..4 active ports (1=endpoint .. 4=cross)
	PortBitmap       uint8  // which of the 4 ports are open
	ParentSlave      int    // index into the slave array; 0 = master
	EntryPort        int    // port this slave's frame arrived on
	ReceiveTimeDelta [4]uint32
	PropagationDelay uint32
}

// Topology classes, named per spec §4.7 step 8.
const (
	TopoEndpoint    = 1
	TopoPassthrough = 2
	TopoSplit       = 3
	TopoCross       = 4
)

// Identity is the SII-derived device identity used for the
// (manufacturer, id, revision) SII-reuse fast path (spec §4.7 step 11).
type Identity struct {
	Manufacturer uint32
	ID           uint32
	Revision     uint32
}

// SII holds everything mined from the slave's EEPROM General/Strings/FMMU/SM
// sections (spec §4.4) that is immutable per slave model and therefore safe
// to deep-copy between slaves sharing an Identity.
type SII struct {
	Name          string
	FMMUFunction  [frame.NumFMMU]uint8 // 0xFF = unused
	DefaultSM     [frame.NumSM]SyncManager
	BusCurrentMA  int
	BlockLRW      bool
	Has8ByteEEPROMRead bool
}

// Slave is one discovered device, or (index 0) the master-aggregate record
// every spec invariant refers to.
type Slave struct {
	Index int
	Name  string

	ALState      uint16
	ALStatusCode uint16

	ConfiguredAddress uint16
	AliasAddress      uint16

	Identity
	SII

	InterfaceType uint16
	DeviceType    uint32

	InputBits, OutputBits   int
	InputBytes, OutputBytes int
	InputStartBit, OutputStartBit uint8

	// Inputs/Outputs are slices into the caller-owned IOmap, per spec §9
	// "typed view layered over a byte buffer" guidance — never a raw
	// pointer or reinterpret cast, just a byte slice the process-data
	// engine writes into / reads from at a known offset.
	Inputs  []byte
	Outputs []byte

	SM    [frame.NumSM]SyncManager
	FMMUs [frame.NumFMMU]FMMU

	Mailbox Mailbox

	DCSupported bool
	DCNext      int
	DCPrevious  int

	Topology Topology

	EEPROMOwnerPDI bool

	BlockLRW bool

	Group            int
	FirstUnusedFMMU  int
	IsLost           bool

	// PreOpToSafeOpHook is invoked by config_map before PDO mapping is
	// read back, giving the application a chance to reprogram 1C12/1C13
	// and mode-select objects via CoE SDO (spec §4.7 config_map step 1).
	PreOpToSafeOpHook func(*Slave) error
}

// New constructs a slave record; index 0 is reserved for the master
// aggregate and is never discovered over the wire.
func New(index int) *Slave {
	return &Slave{Index: index, ALState: frame.StateInit}
}

// IsMaster reports whether this is the reserved aggregate record.
func (s *Slave) IsMaster() bool { return s.Index == 0 }
