package reactive

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignalNotifiesOnlyOnChange(t *testing.T) {
	s := NewSignal("ready")

	var seen []string
	unsubscribe := s.Subscribe(func(v string) { seen = append(seen, v) })

	require.False(t, s.Set("ready"))
	require.True(t, s.Set("submitted"))
	require.True(t, s.Set("streaming"))
	require.False(t, s.Set("streaming"))
	require.True(t, s.Set("ready"))

	require.Equal(t, []string{"submitted", "streaming", "ready"}, seen)
	require.Equal(t, "ready", s.Get())

	unsubscribe()
	unsubscribe()
	s.Set("error")
	require.Len(t, seen, 3)
	require.Equal(t, 0, s.obs.len())
}

func TestSignalFuncWithNilEqualAlwaysNotifies(t *testing.T) {
	s := NewSignalFunc[error](nil, nil)

	calls := 0
	s.Subscribe(func(error) { calls++ })

	s.Set(nil)
	s.Set(nil)
	require.Equal(t, 2, calls)
}

func TestSignalUpdateReadsCurrentValue(t *testing.T) {
	s := NewSignal(1)
	s.Update(func(v int) int { return v + 1 })
	s.Update(func(v int) int { return v * 10 })
	require.Equal(t, 20, s.Get())
}

func TestSignalObserversRunInSubscriptionOrder(t *testing.T) {
	s := NewSignal(0)

	var order []string
	s.Subscribe(func(int) { order = append(order, "a") })
	s.Subscribe(func(int) { order = append(order, "b") })

	s.Set(1)
	require.Equal(t, []string{"a", "b"}, order)
}
