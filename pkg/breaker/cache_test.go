package breaker

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var offline = Failure{Message: "device offline", Code: "DEVICE_OFFLINE", Details: "connection refused"}

func TestCache_ExpiresExactlyAfterDuration(t *testing.T) {
	mc := clock.NewMock()
	c := New(30*time.Second, WithClock(mc))

	c.MarkUnreachable("dev-1", offline)
	e, ok := c.IsKnownUnreachable("dev-1")
	require.True(t, ok)
	assert.Equal(t, offline, e.Failure)
	assert.Equal(t, 30*time.Second, c.Remaining(e))

	mc.Add(30*time.Second - time.Millisecond)
	e, ok = c.IsKnownUnreachable("dev-1")
	require.True(t, ok)
	assert.Equal(t, time.Millisecond, c.Remaining(e))

	mc.Add(time.Millisecond)
	_, ok = c.IsKnownUnreachable("dev-1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry is dropped on read")
}

func TestCache_RemarkDoesNotExtend(t *testing.T) {
	mc := clock.NewMock()
	c := New(30*time.Second, WithClock(mc))

	c.MarkUnreachable("dev-1", offline)
	mc.Add(20 * time.Second)
	c.MarkUnreachable("dev-1", Failure{Message: "timeout", Code: "DEVICE_OFFLINE"})

	e, ok := c.IsKnownUnreachable("dev-1")
	require.True(t, ok)
	assert.Equal(t, "device offline", e.Failure.Message, "first failure is kept")
	assert.Equal(t, 10*time.Second, c.Remaining(e))

	mc.Add(10 * time.Second)
	_, ok = c.IsKnownUnreachable("dev-1")
	assert.False(t, ok)
}

func TestCache_MarkAfterExpiryStartsNewWindow(t *testing.T) {
	mc := clock.NewMock()
	c := New(30*time.Second, WithClock(mc))

	c.MarkUnreachable("dev-1", offline)
	mc.Add(45 * time.Second)
	c.MarkUnreachable("dev-1", offline)

	e, ok := c.IsKnownUnreachable("dev-1")
	require.True(t, ok)
	assert.Equal(t, mc.Now(), e.DetectedAt)
	assert.Equal(t, 30*time.Second, c.Remaining(e))
}

func TestCache_Sweep(t *testing.T) {
	mc := clock.NewMock()
	c := New(30*time.Second, WithClock(mc))

	c.MarkUnreachable("a", offline)
	mc.Add(20 * time.Second)
	c.MarkUnreachable("b", offline)
	mc.Add(10 * time.Second)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
	assert.Len(t, c.Snapshot(), 1)

	c.Forget("b")
	assert.Equal(t, 0, c.Len())
}

func TestCache_DefaultDuration(t *testing.T) {
	assert.Equal(t, DefaultDuration, New(0).Duration())
}
