package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkChild_PrependsSibling(t *testing.T) {
	parent := newItem("/root/dir")
	a := newItem("/root/dir/a")
	b := newItem("/root/dir/b")

	linkChild(a, parent)
	linkChild(b, parent)

	// Latest link heads the sibling list.
	assert.Same(t, b, parent.firstChild)
	assert.Same(t, a, b.nextSibling)
	assert.Same(t, parent, a.parent)
	assert.Same(t, parent, b.parent)
}

func TestLinkChild_NilSafe(t *testing.T) {
	parent := newItem("/root")
	linkChild(nil, parent)
	linkChild(newItem("/root/a"), nil)
	assert.Nil(t, parent.firstChild)
}

func TestUnlinkChild_Head(t *testing.T) {
	parent := newItem("/root")
	a := newItem("/root/a")
	b := newItem("/root/b")
	linkChild(a, parent)
	linkChild(b, parent)

	unlinkChild(b)

	assert.Same(t, a, parent.firstChild)
	assert.Nil(t, b.nextSibling)
	// The parent pointer survives unlinking; movers need it.
	assert.Same(t, parent, b.parent)
}

func TestUnlinkChild_Middle(t *testing.T) {
	parent := newItem("/root")
	a := newItem("/root/a")
	b := newItem("/root/b")
	c := newItem("/root/c")
	linkChild(a, parent)
	linkChild(b, parent)
	linkChild(c, parent)

	// List is c -> b -> a; remove the middle.
	unlinkChild(b)

	require.Same(t, c, parent.firstChild)
	assert.Same(t, a, c.nextSibling)
	assert.Nil(t, a.nextSibling)
}

func TestUnlinkChild_Last(t *testing.T) {
	parent := newItem("/root")
	a := newItem("/root/a")
	b := newItem("/root/b")
	linkChild(a, parent)
	linkChild(b, parent)

	unlinkChild(a)

	assert.Same(t, b, parent.firstChild)
	assert.Nil(t, b.nextSibling)
}

func TestItem_Name(t *testing.T) {
	assert.Equal(t, "b.txt", newItem("/root/a/b.txt").name())
	assert.Equal(t, "a", newItem("/root/a").name())
}
