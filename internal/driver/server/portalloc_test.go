package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortAllocator_RoundRobinsAcrossRange(t *testing.T) {
	p := newPortAllocator(20000, 20002)

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		port, err := p.Allocate()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, port, 20000)
		assert.LessOrEqual(t, port, 20002)
		seen[port] = true
	}
	assert.Len(t, seen, 3)
}

func TestPortAllocator_SkipsMarkedUnavailable(t *testing.T) {
	p := newPortAllocator(20010, 20012)
	port1, err := p.Allocate()
	require.NoError(t, err)
	p.MarkUnavailable(port1)

	for i := 0; i < 2; i++ {
		port, err := p.Allocate()
		require.NoError(t, err)
		assert.NotEqual(t, port1, port)
	}
}

func TestPortAllocator_ExhaustedRangeIsError(t *testing.T) {
	p := newPortAllocator(20020, 20020)
	p.MarkUnavailable(20020)

	_, err := p.Allocate()
	assert.Error(t, err)
}
