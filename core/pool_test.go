package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenericPool_GetPutRoundTrip(t *testing.T) {
	calls := 0
	pool := NewGenericPool(func() []byte {
		calls++
		return make([]byte, 0, 8)
	})

	buf := pool.Get()
	assert.Equal(t, 1, calls)
	buf = append(buf, 1, 2, 3)
	pool.Put(buf[:0])

	again := pool.Get()
	assert.GreaterOrEqual(t, cap(again), 8)
}
