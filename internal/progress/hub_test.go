package progress

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func drain(sub *Subscription) []Update {
	var out []Update
	for {
		select {
		case u, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, u)
		default:
			return out
		}
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("e1", Filter{IncludeData: true}, 8)

	for _, p := range []float64{0.1, 0.4, 0.9} {
		h.Publish(Update{ExecutionUUID: "e1", Progress: p})
	}

	got := drain(sub)
	require.Len(t, got, 3)
	require.Equal(t, 0.1, got[0].Progress)
	require.Equal(t, 0.4, got[1].Progress)
	require.Equal(t, 0.9, got[2].Progress)
}

func TestPublishIgnoresOtherExecutions(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("e1", Filter{}, 8)

	h.Publish(Update{ExecutionUUID: "e2", Progress: 0.5})
	require.Empty(t, drain(sub))
}

func TestMinProgressDelta(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("e1", Filter{MinProgressDelta: 0.2}, 16)

	for _, p := range []float64{0.1, 0.15, 0.31, 0.35, 0.6} {
		h.Publish(Update{ExecutionUUID: "e1", Progress: p})
	}

	got := drain(sub)
	require.Len(t, got, 3) // 0.1, 0.31, 0.6
	require.Equal(t, 0.1, got[0].Progress)
	require.Equal(t, 0.31, got[1].Progress)
	require.Equal(t, 0.6, got[2].Progress)
}

func TestMaxFrequency(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("e1", Filter{MaxFrequency: 50 * time.Millisecond}, 16)

	h.Publish(Update{ExecutionUUID: "e1", Progress: 0.1})
	h.Publish(Update{ExecutionUUID: "e1", Progress: 0.2}) // too soon
	time.Sleep(60 * time.Millisecond)
	h.Publish(Update{ExecutionUUID: "e1", Progress: 0.3})

	got := drain(sub)
	require.Len(t, got, 2)
}

func TestStepFilter(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("e1", Filter{StepFilter: []string{"transform"}}, 16)

	h.Publish(Update{ExecutionUUID: "e1", Progress: 0.1, Step: "load"})
	h.Publish(Update{ExecutionUUID: "e1", Progress: 0.5, Step: "transform"})

	got := drain(sub)
	require.Len(t, got, 1)
	require.Equal(t, "transform", got[0].Step)
}

func TestDataStripping(t *testing.T) {
	h := NewHub()
	with := h.Subscribe("e1", Filter{IncludeData: true}, 8)
	without := h.Subscribe("e1", Filter{}, 8)

	h.Publish(Update{ExecutionUUID: "e1", Progress: 0.5, Data: json.RawMessage(`{"rows":1}`)})

	require.NotNil(t, drain(with)[0].Data)
	require.Nil(t, drain(without)[0].Data)
}

func TestTerminalUpdateRemovesSubscriptions(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("e1", Filter{}, 8)

	h.Publish(Update{ExecutionUUID: "e1", Progress: 1.0, Step: "completed"})
	require.Equal(t, 0, h.SubscriberCount("e1"))

	// channel is closed after the terminal update is delivered
	u, ok := <-sub.C
	require.True(t, ok)
	require.True(t, u.Terminal())
	_, ok = <-sub.C
	require.False(t, ok)
}

func TestDropOnFullChannel(t *testing.T) {
	h := NewHub()
	_ = h.Subscribe("e1", Filter{}, 1)

	h.Publish(Update{ExecutionUUID: "e1", Progress: 0.1})
	h.Publish(Update{ExecutionUUID: "e1", Progress: 0.2}) // buffer full, dropped

	require.Equal(t, uint64(1), h.Dropped())
}

func TestUnsubscribe(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("e1", Filter{}, 8)
	sub.Close()

	require.Equal(t, 0, h.SubscriberCount("e1"))
	h.Publish(Update{ExecutionUUID: "e1", Progress: 0.5})

	_, ok := <-sub.C
	require.False(t, ok)
}
