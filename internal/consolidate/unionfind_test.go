package consolidate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnionFind(t *testing.T) {
	uf := NewUnionFind("a", "b", "c", "d")

	assert.True(t, uf.Union("a", "b"))
	assert.False(t, uf.Union("b", "a"), "already joined")
	assert.True(t, uf.Union("c", "d"))
	assert.True(t, uf.Connected("a", "b"))
	assert.False(t, uf.Connected("a", "c"))

	assert.True(t, uf.Union("b", "d"))
	assert.True(t, uf.Connected("a", "c"))

	// Unknown ids are added on the fly.
	assert.Equal(t, "e", uf.Find("e"))
	assert.Equal(t, [][]string{{"a", "b", "c", "d"}}, uf.Groups(2))
	assert.Len(t, uf.Groups(1), 2)
}
