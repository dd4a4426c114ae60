package sii

import "github.com/samsamfire/goethercat/pkg/slave"

// Parse mines General, Strings, FMMU, and SM category data out of the cache
// and populates s's SII-derived fields (spec §4.7 step 11, second branch).
// Callers first check for an identical (manufacturer, id, revision) on an
// earlier slave and call CopyFrom instead, since SII is immutable per slave
// model.
func (c *Cache) Parse(s *slave.Slave) error {
	general, ok, err := c.ReadGeneral()
	if err != nil {
		return err
	}
	if ok {
		s.Mailbox.SupportsCoE = general.CoEDetails&0x01 != 0
		s.Mailbox.SupportsFoE = general.FoEDetails&0x01 != 0
		s.Mailbox.SupportsEoE = general.EoEDetails&0x01 != 0
		s.Mailbox.SupportsSoE = general.SoEChannels != 0
		s.SII.BusCurrentMA = general.BusCurrentMA
		s.SII.BlockLRW = general.BlockLRW
		s.BlockLRW = general.BlockLRW
	}

	functions, ok, err := c.ReadFMMUFunctions()
	if err != nil {
		return err
	}
	if ok {
		s.SII.FMMUFunction = functions
	}

	sms, err := c.ReadSMs()
	if err != nil {
		return err
	}
	for i, rec := range sms {
		if i >= len(s.SII.DefaultSM) {
			break
		}
		s.SII.DefaultSM[i] = slave.SyncManager{
			PhysStart: rec.PhysStart,
			Length:    rec.Length,
			Flags:     uint32(rec.Control)<<16 | uint32(rec.Enable)<<24,
		}
	}

	name, err := c.ReadString(1)
	if err != nil {
		return err
	}
	s.SII.Name = name
	if s.Name == "" {
		s.Name = name
	}

	return nil
}

// CopyFrom deep-copies every SII-derived field from src into s — the
// fast path for slaves sharing an identical (manufacturer, id, revision)
// with an already-parsed slave (spec §4.7 step 11, first branch: "this is
// safe because SII is immutable per slave model").
func CopyFrom(dst, src *slave.Slave) {
	dst.SII = src.SII // struct copy: Name, FMMUFunction array, DefaultSM array all value types
	dst.BlockLRW = src.SII.BlockLRW
	dst.Mailbox.SupportsCoE = src.Mailbox.SupportsCoE
	dst.Mailbox.SupportsFoE = src.Mailbox.SupportsFoE
	dst.Mailbox.SupportsEoE = src.Mailbox.SupportsEoE
	dst.Mailbox.SupportsSoE = src.Mailbox.SupportsSoE
	if dst.Name == "" {
		dst.Name = src.SII.Name
	}
}

// SameIdentity reports whether two slaves share (manufacturer, id,
// revision), the condition under which CopyFrom may be used.
func SameIdentity(a, b *slave.Slave) bool {
	return a.Identity == b.Identity
}
