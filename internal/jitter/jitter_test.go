package jitter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextStaysWithinBounds(t *testing.T) {
	s := New(2*time.Second, 250*time.Millisecond)
	for i := 0; i < 200; i++ {
		d := s.Next()
		assert.GreaterOrEqual(t, d, 2*time.Second-250*time.Millisecond)
		assert.LessOrEqual(t, d, 2*time.Second+250*time.Millisecond)
	}
}

func TestNextNeverNegative(t *testing.T) {
	s := New(100*time.Millisecond, time.Second)
	for i := 0; i < 200; i++ {
		assert.GreaterOrEqual(t, s.Next(), time.Duration(0))
	}
}

func TestNextZeroAmplitudeReturnsBase(t *testing.T) {
	s := New(time.Second, 0)
	assert.Equal(t, time.Second, s.Next())
}
