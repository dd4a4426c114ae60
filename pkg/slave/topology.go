package slave

// ComputeTopology derives each slave's active-port count and parent from the
// raw DL-status topology nibble read off each slave's register during
// config_init (spec §4.7 step 7-8). status must be indexed the same way as
// slaves: status[i] is the DL-status word belonging to slaves[i] (slave
// numbering here starts at 1; index 0 is the reserved master record and is
// skipped).
//
// The active-port count and parent search are ported line-for-line from the
// backward walk in SOEM's config pass (ethercatconfig.c): walking back from
// the new slave, a running counter is adjusted by each visited slave's port
// class (endpoint decrements, split increments, cross increments by two) and
// the walk stops at the first slave where that counter is non-negative and
// the slave has more than one active port — or unconditionally at slave 1.
func ComputeTopology(slaves []*Slave, dlStatus []uint16) {
	for i, s := range slaves {
		if s.IsMaster() {
			continue
		}
		topology, bitmap := portsFromDLStatus(dlStatus[i])
		s.Topology.ActiveLinks = topology
		s.Topology.PortBitmap = bitmap
		s.Topology.ParentSlave = 0 // default: parent is the master

		if i <= 1 {
			continue // slave 1 (first real slave): parent is always the master
		}

		topoc := 0
		slavec := i - 1 // walk backwards from the slave just before this one
		for slavec > 0 {
			candidate := slaves[slavec]
			switch candidate.Topology.ActiveLinks {
			case TopoEndpoint:
				topoc--
			case TopoSplit:
				topoc++
			case TopoCross:
				topoc += 2
			}
			if (topoc >= 0 && candidate.Topology.ActiveLinks > 1) || slavec == 1 {
				s.Topology.ParentSlave = candidate.Index
				break
			}
			slavec--
		}
	}
}

// portsFromDLStatus decodes the four port-open-and-communication-established
// bit pairs out of a DL-status register value, returning the active-port
// count (1=endpoint .. 4=cross) and a bitmap of which ports are active.
func portsFromDLStatus(dlStatus uint16) (count int, bitmap uint8) {
	portOpen := func(shift uint) bool {
		mask := uint16(0x3) << shift
		established := uint16(0x2) << shift
		return dlStatus&mask == established
	}
	if portOpen(8) {
		count++
		bitmap |= 0x01
	}
	if portOpen(10) {
		count++
		bitmap |= 0x02
	}
	if portOpen(12) {
		count++
		bitmap |= 0x04
	}
	if portOpen(14) {
		count++
		bitmap |= 0x08
	}
	if count == 0 {
		count = TopoEndpoint
	}
	return count, bitmap
}
