package mqttpub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ul-gh/bms-gateway/pkg/state"
	"github.com/ul-gh/bms-gateway/pkg/telegram"
)

func TestToPayloadMapsFlagsToNamesAndMap(t *testing.T) {
	u := &state.Unified{
		Generation:   7,
		ProducedAt:   time.Unix(1000, 0),
		SOCPercent:   50,
		ErrorFlags:   telegram.ErrCellOvervoltage,
		WarningFlags: telegram.WarnLowSOC,
		StatusFlags:  telegram.StatusChargeEnable,
		Inputs: []state.InputStatus{
			{Description: "A", Fresh: true, LastSeenAgeS: 0.5},
		},
	}

	p := toPayload(u)
	assert.EqualValues(t, 7, p.Generation)
	assert.Equal(t, 1000.0, p.Timestamp)
	assert.Equal(t, []string{"cell_overvoltage"}, p.Errors)
	assert.Equal(t, []string{"low_soc"}, p.Warnings)
	assert.True(t, p.Status["charge_enable"])
	assert.False(t, p.Status["discharge_enable"])
	assert.Equal(t, "A", p.Inputs[0].Description)
}

func TestToPayloadNeverEmitsNilSlicesForEmptyFlags(t *testing.T) {
	u := &state.Unified{}
	p := toPayload(u)
	assert.NotNil(t, p.Errors)
	assert.NotNil(t, p.Warnings)
}
