package ids

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNew_SortableAndUnique(t *testing.T) {
	t.Parallel()
	prev := New()
	seen := map[string]bool{prev: true}
	for i := 0; i < 1000; i++ {
		id := New()
		assert.False(t, seen[id], "duplicate id %s", id)
		assert.Greater(t, id, prev)
		assert.False(t, strings.Contains(id, "_"))
		assert.True(t, Valid(id))
		seen[id] = true
		prev = id
	}
}

func TestValid(t *testing.T) {
	t.Parallel()
	assert.False(t, Valid("not-a-ulid"))
	assert.False(t, Valid(""))
}

func TestRequestID(t *testing.T) {
	t.Parallel()
	_, err := uuid.Parse(RequestID())
	assert.NoError(t, err)
	assert.NotEqual(t, RequestID(), RequestID())
}
