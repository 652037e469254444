package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotLastWriteWins(t *testing.T) {
	s := newSlot[int]()

	assert.False(t, s.put(1))
	assert.True(t, s.put(2), "second put should report the overwrite")

	<-s.notify()
	v, ok := s.take()
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = s.take()
	assert.False(t, ok)
}

func TestSlotNotifyDoesNotBlockWriters(t *testing.T) {
	s := newSlot[string]()
	for i := 0; i < 100; i++ {
		s.put("x")
	}
	select {
	case <-s.notify():
	default:
		t.Fatal("expected a pending notification")
	}
	select {
	case <-s.notify():
		t.Fatal("notifications must coalesce")
	default:
	}
}
