package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScript(t *testing.T) {
	events, err := parseScript("kill:2@3s, revive:2@8s")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, scriptEvent{action: "kill", node: 2, at: 3 * time.Second}, events[0])
	assert.Equal(t, scriptEvent{action: "revive", node: 2, at: 8 * time.Second}, events[1])
}

func TestParseScript_Empty(t *testing.T) {
	events, err := parseScript("")
	require.NoError(t, err)
	assert.Nil(t, events)
}

func TestParseScript_Invalid(t *testing.T) {
	for _, script := range []string{
		"kill",
		"kill:2",
		"kill:x@3s",
		"kill:2@later",
		"explode:2@3s",
	} {
		_, err := parseScript(script)
		assert.Error(t, err, "script %q must be rejected", script)
	}
}
