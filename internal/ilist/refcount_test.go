package ilist

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRefCounted_HeapRetainRelease(t *testing.T) {
	var r RefCounted
	r.InitHeap()

	assert.Equal(t, int32(1), r.StrongCount())

	assert.Equal(t, int32(2), r.Retain())
	assert.Equal(t, int32(3), r.Retain())
	assert.Equal(t, int32(3), r.StrongCount())

	assert.False(t, r.Release())
	assert.False(t, r.Release())
	assert.True(t, r.Release())
	assert.Equal(t, int32(0), r.StrongCount())
}

func TestRefCounted_StaticNeverSignalsRelease(t *testing.T) {
	var r RefCounted
	r.InitStatic()

	assert.Equal(t, int32(1), r.StrongCount())
	r.Retain()
	// pinned nodes never report their count reaching zero.
	assert.False(t, r.Release())
	assert.False(t, r.Release())
	assert.False(t, r.Release())
}

func TestRefCounted_WeakCounting(t *testing.T) {
	var r RefCounted
	r.InitHeap()

	assert.Equal(t, int32(0), r.WeakCount())
	r.RetainWeak()
	r.RetainWeak()
	assert.Equal(t, int32(2), r.WeakCount())
	r.ReleaseWeak()
	assert.Equal(t, int32(1), r.WeakCount())
}
