package cipc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueState_CorruptAndRevive(t *testing.T) {
	var s queueState
	assert.Equal(t, StateLive, s.promote())

	assert.True(t, s.corrupt(3))
	assert.False(t, s.corrupt(4), "already corrupted")
	assert.Equal(t, StateCorrupted, s.promote())

	assert.False(t, s.revive(3), "no reset since it was marked")
	assert.Equal(t, StateCorrupted, s.Load())

	assert.True(t, s.revive(4))
	assert.Equal(t, StateLive, s.Load())
	assert.False(t, s.revive(5), "live queues are left alone")
}
