package status

import (
	"testing"
	"time"

	"ziggotv-proxy/work/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFlag(t *testing.T) *Flag {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	return NewFlag(st)
}

func TestGetWithoutFileIsStopped(t *testing.T) {
	f := testFlag(t)
	assert.Equal(t, Stopped, f.Get())
}

func TestSetGetRoundTrip(t *testing.T) {
	f := testFlag(t)

	for _, s := range []State{Starting, Started, Stopping, Stopped} {
		f.Set(s)
		assert.Equal(t, s, f.Get())
	}
}

func TestFlagIsSharedThroughTheFile(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	writer := NewFlag(st)
	reader := NewFlag(st)

	writer.Set(Started)
	assert.Equal(t, Started, reader.Get())
}

func TestWaitStarted(t *testing.T) {
	f := testFlag(t)
	f.Set(Started)
	assert.NoError(t, f.WaitStarted(time.Second))
}

func TestWaitStartedTimesOut(t *testing.T) {
	f := testFlag(t)
	f.Set(Starting)
	assert.Error(t, f.WaitStarted(100*time.Millisecond))
}
