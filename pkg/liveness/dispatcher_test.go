package liveness

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatcher_Order(t *testing.T) {
	d := newDispatcher()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		d.post(func() { got = append(got, i) })
	}
	d.close()

	// close drains, so every callback has run
	assert.Len(t, got, 100)
	for i, v := range got {
		if v != i {
			t.Fatalf("callback %d ran at position %d", v, i)
		}
	}
}

func TestDispatcher_PostAfterClose(t *testing.T) {
	d := newDispatcher()
	d.close()

	ran := false
	d.post(func() { ran = true })
	assert.False(t, ran)
}
