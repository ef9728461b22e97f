package inhibit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhatRoundTrip(t *testing.T) {
	cases := []struct {
		what What
		wire string
	}{
		{Shutdown, "shutdown"},
		{Shutdown | Sleep, "shutdown:sleep"},
		{Idle | HandleLidSwitch, "idle:handle-lid-switch"},
		{WhatAll, "shutdown:sleep:idle:handle-power-key:handle-suspend-key:handle-hibernate-key:handle-lid-switch"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.wire, tc.what.String())

		parsed, err := ParseWhat(tc.wire)
		require.NoError(t, err)
		assert.Equal(t, tc.what, parsed)
	}
}

func TestParseWhatErrors(t *testing.T) {
	_, err := ParseWhat("")
	assert.Error(t, err)

	_, err = ParseWhat("shutdown:frobnicate")
	assert.Error(t, err)
}

func TestOverlaps(t *testing.T) {
	assert.True(t, (Shutdown | Sleep).Overlaps(Sleep))
	assert.True(t, Sleep.Overlaps(Shutdown|Sleep))
	assert.False(t, Shutdown.Overlaps(Sleep))
	assert.False(t, What(0).Overlaps(WhatAll))
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("block")
	require.NoError(t, err)
	assert.Equal(t, Block, m)

	m, err = ParseMode("delay")
	require.NoError(t, err)
	assert.Equal(t, Delay, m)

	_, err = ParseMode("maybe")
	assert.Error(t, err)
}
