package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailbox_LatestWins(t *testing.T) {
	m := NewMailbox[int]()

	for i := 1; i <= 5; i++ {
		require.True(t, m.Offer(i))
	}

	assert.Equal(t, 5, <-m.C())
	select {
	case v := <-m.C():
		t.Fatalf("unexpected extra value %d", v)
	default:
	}
}

func TestMailbox_CloseIsIdempotent(t *testing.T) {
	m := NewMailbox[string]()
	m.Offer("a")
	m.Close()
	m.Close()

	assert.False(t, m.Offer("b"))

	// buffered value is still drained before the close is observed
	v, ok := <-m.C()
	assert.True(t, ok)
	assert.Equal(t, "a", v)
	_, ok = <-m.C()
	assert.False(t, ok)
}
