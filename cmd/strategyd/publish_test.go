package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"automation/internal/lifecycle"
	"automation/internal/schema"
	"automation/pkg/exception"
)

func TestBuildEvent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	t.Cleanup(func() { publishPayload, publishCommand, publishSource = "0x", "", "cli" })

	publishPayload, publishCommand, publishSource = "0xdeadbeef", "", "ops"
	ev, err := buildEvent(now)
	require.NoError(t, err)
	assert.Equal(t, schema.EventAction, ev.EventType)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, ev.Payload)
	assert.Equal(t, "ops", ev.Source)
	assert.Equal(t, schema.StepEventVersion, ev.EventVersion)

	publishCommand = "shutdown"
	ev, err = buildEvent(now)
	require.NoError(t, err)
	assert.Equal(t, schema.EventLifecycle, ev.EventType)
	cmd, err := lifecycle.DecodeCommand(ev.Payload)
	require.NoError(t, err)
	assert.Equal(t, schema.LifecycleShutdown, cmd)

	publishCommand = "pause"
	_, err = buildEvent(now)
	assert.ErrorIs(t, err, exception.ErrInvalidArgument)

	publishCommand, publishPayload = "", "nothex"
	_, err = buildEvent(now)
	assert.ErrorIs(t, err, exception.ErrInvalidArgument)
}
