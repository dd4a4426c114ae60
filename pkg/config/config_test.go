package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/goethercat/pkg/config"
)

const sample = `
[master]
interface = eth0
redundant_interface = eth1
cycle_period = 2ms
layout = overlap

[group "drives"]
slaves = 1-3
dc = true

[group "io"]
slaves = 4
`

func TestLoadParsesMasterAndGroups(t *testing.T) {
	cfg, err := config.Load([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "eth0", cfg.Master.Interface)
	assert.Equal(t, "eth1", cfg.Master.RedundantInterface)
	assert.Equal(t, 2*time.Millisecond, cfg.Master.CyclePeriod)
	assert.Equal(t, config.LayoutOverlap, cfg.Master.Layout)

	require.Len(t, cfg.Groups, 2)
	assert.Equal(t, "drives", cfg.Groups[0].Name)
	assert.Equal(t, 1, cfg.Groups[0].FirstSlave)
	assert.Equal(t, 3, cfg.Groups[0].LastSlave)
	assert.True(t, cfg.Groups[0].DCEnabled)

	assert.Equal(t, "io", cfg.Groups[1].Name)
	assert.Equal(t, 4, cfg.Groups[1].FirstSlave)
	assert.Equal(t, 4, cfg.Groups[1].LastSlave)
	assert.False(t, cfg.Groups[1].DCEnabled)
}

func TestLoadDefaultsWithoutMasterSection(t *testing.T) {
	cfg, err := config.Load([]byte(`[group "all"]
slaves = 1-8
`))
	require.NoError(t, err)
	assert.Equal(t, config.LayoutSequential, cfg.Master.Layout)
	assert.Equal(t, time.Millisecond, cfg.Master.CyclePeriod)
	require.Len(t, cfg.Groups, 1)
}

func TestLoadRejectsUnknownLayout(t *testing.T) {
	_, err := config.Load([]byte(`[master]
layout = diagonal
`))
	assert.Error(t, err)
}
