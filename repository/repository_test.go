package repository

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 100))
	assert.Equal(t, "abc", Truncate("abcdef", 3))
	assert.Equal(t, "", Truncate("", 10))

	long := strings.Repeat("x", MaxErrorMessageLen+500)
	assert.Len(t, Truncate(long, MaxErrorMessageLen), MaxErrorMessageLen)
}
