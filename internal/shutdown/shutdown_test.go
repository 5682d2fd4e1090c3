package shutdown

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecvFiresOnCancel(t *testing.T) {
	tok, cancel := New()
	defer tok.Release()

	select {
	case <-tok.Recv():
		t.Fatal("should not have fired yet")
	default:
	}

	cancel()

	select {
	case <-tok.Recv():
	case <-time.After(time.Second):
		t.Fatal("did not observe cancellation")
	}

	assert.True(t, tok.IsShutdown())
}

func TestCloneSharesCancellation(t *testing.T) {
	root, cancel := New()
	defer root.Release()

	clone := root.Clone()
	defer clone.Release()

	cancel()

	require.True(t, clone.IsShutdown())
}

func TestAllReleasedWaitsForEveryHolder(t *testing.T) {
	root, cancel := New()
	defer cancel()

	clone := root.Clone()

	select {
	case <-root.AllReleased():
		t.Fatal("should not be released yet")
	default:
	}

	root.Release()

	select {
	case <-root.AllReleased():
		t.Fatal("should still be waiting on clone")
	default:
	}

	clone.Release()

	select {
	case <-root.AllReleased():
	case <-time.After(time.Second):
		t.Fatal("AllReleased never closed")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	root, cancel := New()
	defer cancel()

	root.Release()
	require.NotPanics(t, func() { root.Release() })

	select {
	case <-root.AllReleased():
	case <-time.After(time.Second):
		t.Fatal("AllReleased never closed")
	}
}
