package observe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValue_SubscribeReceivesCurrent(t *testing.T) {
	v := NewValue(1)
	ch, cancel := v.Subscribe()
	defer cancel()

	assert.Equal(t, 1, <-ch)

	v.Set(2)
	assert.Equal(t, 2, <-ch)
	assert.Equal(t, 2, v.Get())
}

func TestValue_SlowSubscriberGetsLatest(t *testing.T) {
	v := NewValue("a")
	ch, cancel := v.Subscribe()
	defer cancel()

	v.Set("b")
	v.Set("c")
	v.Set("d")

	assert.Equal(t, "d", <-ch)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected buffered value %q", extra)
	default:
	}
}

func TestValue_Update(t *testing.T) {
	v := NewValue(10)
	got := v.Update(func(n int) int { return n + 5 })
	assert.Equal(t, 15, got)
	assert.Equal(t, 15, v.Get())
}

func TestValue_UnsubscribeClosesChannel(t *testing.T) {
	v := NewValue(0)
	ch, cancel := v.Subscribe()
	<-ch
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	// publishing after unsubscribe must not panic
	v.Set(1)
}
