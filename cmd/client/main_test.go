package main

import (
	"testing"

	"github.com/matryer/is"
)

func TestLoadConfigRejectsBadTickRate(t *testing.T) {
	is := is.New(t)

	t.Setenv("TICKSYNC_TICK_RATE", "0")
	_, err := loadConfig()
	is.True(err != nil)

	t.Setenv("TICKSYNC_TICK_RATE", "20")
	config, err := loadConfig()
	is.NoErr(err)
	is.Equal(config.TickRate, 20)
}
