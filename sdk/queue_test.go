package sdk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func texts(msgs []QueuedMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

func TestOutboxFIFO(t *testing.T) {
	o := newOutbox()
	now := time.Now()
	for _, s := range []string{"A", "B", "C"} {
		o.enqueue("s1", s, now)
	}
	require.True(t, o.busy("s1"))
	require.False(t, o.busy("s2"))

	var got []string
	for {
		msg, ok := o.take("s1")
		if !ok {
			break
		}
		_, again := o.take("s1")
		require.False(t, again, "only one dispatch in flight per session")
		got = append(got, msg.Text)
		o.release("s1", nil)
	}
	require.Equal(t, []string{"A", "B", "C"}, got)
	require.False(t, o.busy("s1"))
}

func TestOutboxFailedDispatchGoesToFront(t *testing.T) {
	o := newOutbox()
	now := time.Now()
	o.enqueue("s1", "A", now)
	o.enqueue("s1", "B", now)

	msg, ok := o.take("s1")
	require.True(t, ok)
	o.enqueue("s1", "C", now)
	o.release("s1", &msg)

	require.Equal(t, []string{"A", "B", "C"}, texts(o.pending("s1")))
	require.Equal(t, []string{"s1"}, o.agents())
}
