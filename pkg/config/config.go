// Package config loads a master's declarative bus configuration from an
// .ini file (spec SPEC_FULL.md §A.2), the same way pkg/od/parser.go loads
// EDS files: gopkg.in/ini.v1 does the syntax, this package walks sections
// by name pattern and fills a plain struct.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Layout mirrors pkg/process.Layout without importing it, keeping this
// package buildable standalone from a config file before any slave is
// known.
type Layout string

const (
	LayoutSequential Layout = "sequential"
	LayoutOverlap    Layout = "overlap"
)

// MasterConfig is the single [master] section.
type MasterConfig struct {
	Interface          string
	RedundantInterface string
	CyclePeriod        time.Duration
	Layout             Layout
}

// GroupConfig is one [group "name"] section: which slaves belong to it by
// position (1-based, inclusive range) and whether DC is enabled for it.
type GroupConfig struct {
	Name      string
	FirstSlave int
	LastSlave  int
	DCEnabled  bool
}

// BusConfig is what cmd/ecmaster reads to drive pkg/master (master.New
// itself takes only a logger), whether built from a file or
// programmatically. The Groups entries are parsed but not used by
// pkg/master, whose ConfigMap maps every slave into a single group.
type BusConfig struct {
	Master MasterConfig
	Groups []GroupConfig
}

var groupSectionRe = regexp.MustCompile(`^group\s+"(.+)"$`)

// Load parses an .ini file (path, []byte, or io.Reader — anything
// gopkg.in/ini.v1 accepts) into a BusConfig.
func Load(source any) (*BusConfig, error) {
	f, err := ini.Load(source)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := &BusConfig{}

	if f.HasSection("master") {
		sec := f.Section("master")
		cfg.Master.Interface = sec.Key("interface").String()
		cfg.Master.RedundantInterface = sec.Key("redundant_interface").String()

		periodStr := sec.Key("cycle_period").MustString("1ms")
		period, err := time.ParseDuration(periodStr)
		if err != nil {
			return nil, fmt.Errorf("config: [master] cycle_period: %w", err)
		}
		cfg.Master.CyclePeriod = period

		switch strings.ToLower(sec.Key("layout").MustString("sequential")) {
		case "overlap":
			cfg.Master.Layout = LayoutOverlap
		case "sequential", "":
			cfg.Master.Layout = LayoutSequential
		default:
			return nil, fmt.Errorf("config: [master] layout: unknown value %q", sec.Key("layout").String())
		}
	} else {
		cfg.Master.Layout = LayoutSequential
		cfg.Master.CyclePeriod = time.Millisecond
	}

	for _, sec := range f.Sections() {
		m := groupSectionRe.FindStringSubmatch(sec.Name())
		if m == nil {
			continue
		}

		g := GroupConfig{Name: m[1]}

		rangeStr := sec.Key("slaves").String()
		first, last, err := parseSlaveRange(rangeStr)
		if err != nil {
			return nil, fmt.Errorf("config: [group %q] slaves: %w", g.Name, err)
		}
		g.FirstSlave, g.LastSlave = first, last
		g.DCEnabled = sec.Key("dc").MustBool(false)

		cfg.Groups = append(cfg.Groups, g)
	}

	return cfg, nil
}

// parseSlaveRange accepts either "N" or "N-M" (1-based, inclusive).
func parseSlaveRange(s string) (first, last int, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, fmt.Errorf("missing slave range")
	}
	if idx := strings.IndexByte(s, '-'); idx >= 0 {
		first, err = strconv.Atoi(strings.TrimSpace(s[:idx]))
		if err != nil {
			return 0, 0, err
		}
		last, err = strconv.Atoi(strings.TrimSpace(s[idx+1:]))
		if err != nil {
			return 0, 0, err
		}
		return first, last, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, 0, err
	}
	return n, n, nil
}
