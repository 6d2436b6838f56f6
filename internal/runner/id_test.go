package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTaskID_Format(t *testing.T) {
	id, err := GenerateTaskID()
	require.NoError(t, err)
	assert.True(t, ValidateTaskID(id), "id %q should match format", id)
}

func TestGenerateTaskID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateTaskID()
		require.NoError(t, err)
		assert.False(t, seen[id], "duplicate id %q", id)
		seen[id] = true
	}
}

func TestValidateTaskID(t *testing.T) {
	assert.True(t, ValidateTaskID("task_1700000000_deadbeef"))
	assert.False(t, ValidateTaskID("task_1700000000_DEADBEEF"))
	assert.False(t, ValidateTaskID("cmd_1700000000_deadbeef"))
	assert.False(t, ValidateTaskID("task_17_deadbeef"))
	assert.False(t, ValidateTaskID(""))
}

func TestParseTaskTimestamp(t *testing.T) {
	ts, err := ParseTaskTimestamp("task_1700000000_deadbeef")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1700000000, 0), ts)

	_, err = ParseTaskTimestamp("bogus")
	assert.Error(t, err)
}
