package cmd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport() *statusReport {
	r := &statusReport{TotalPressure: 1.4, TopDrive: "goals"}
	r.Drives = append(r.Drives, struct {
		Name     string  `json:"name"`
		Pressure float64 `json:"pressure"`
		Weight   float64 `json:"weight"`
	}{"goals", 0.9, 1.0}, struct {
		Name     string  `json:"name"`
		Pressure float64 `json:"pressure"`
		Weight   float64 `json:"weight"`
	}{"curiosity", 0.5, 1.0})
	r.TriggerStats.Succeeded = 3
	r.TriggerStats.Failed = 1
	r.RateLimit.TurnsInLastHour = 2
	r.RateLimit.MaxTurnsPerHour = 10
	r.RateLimit.CanTrigger = true
	r.Evaluator.Mode = "rules"
	return r
}

func TestRenderStatusListsDrivesByWeightedPressure(t *testing.T) {
	out := renderStatus(sampleReport())
	assert.Contains(t, out, "goals")
	assert.Contains(t, out, "curiosity")
	assert.Less(t, strings.Index(out, "goals"), strings.Index(out, "curiosity"))
	assert.Contains(t, out, "3 ok / 1 failed")
	assert.Contains(t, out, "2/10 this hour")
}

func TestRenderStatusShowsCooldown(t *testing.T) {
	r := sampleReport()
	r.RateLimit.CanTrigger = false
	assert.Contains(t, renderStatus(r), "cooling down")
}

func TestFloatFlagDistinguishesUnsetFromZero(t *testing.T) {
	var f floatFlag
	assert.Nil(t, f.ptr)
	assert.Empty(t, f.String())

	require.NoError(t, f.Set("0"))
	require.NotNil(t, f.ptr)
	assert.Equal(t, 0.0, *f.ptr)

	require.NoError(t, f.Set("1.25"))
	assert.Equal(t, 1.25, *f.ptr)
	assert.Error(t, f.Set("not-a-number"))
}
