package taskcache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ratchetd/ratchet/internal/domain/task"
)

func newTask(t *testing.T, name, code string) task.Task {
	t.Helper()
	tk, err := task.New(task.CreateRequest{
		Name:    name,
		Source:  task.Source{Type: task.SourceEmbedded, Code: code},
		Enabled: true,
	})
	require.NoError(t, err)
	return tk
}

func TestPutGet(t *testing.T) {
	c, err := New(4, 1<<20)
	require.NoError(t, err)

	tk := newTask(t, "addition", "(function(input){return input.num1+input.num2;})")
	c.Put("addition", tk)

	got, ok := c.Get("addition")
	require.True(t, ok)
	require.Equal(t, tk.UUID, got.UUID)

	_, ok = c.Get("missing")
	require.False(t, ok)

	s := c.Stats()
	require.Equal(t, uint64(1), s.Hits)
	require.Equal(t, uint64(1), s.Misses)
	require.Equal(t, 1, s.Entries)
	require.Greater(t, s.Bytes, 0)
}

func TestEntryLimitEvictsLRU(t *testing.T) {
	c, err := New(2, 1<<20)
	require.NoError(t, err)

	c.Put("a", newTask(t, "a", "codeA"))
	c.Put("b", newTask(t, "b", "codeB"))

	// touch a so b is the LRU tail
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("c", newTask(t, "c", "codeC"))

	_, ok = c.Get("b")
	require.False(t, ok)
	_, ok = c.Get("a")
	require.True(t, ok)

	require.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestByteBudgetEvicts(t *testing.T) {
	// each task is ~1256+ bytes (1KB code + overhead); budget fits ~2
	c, err := New(100, 3000)
	require.NoError(t, err)

	big := strings.Repeat("x", 1024)
	c.Put("a", newTask(t, "a", big))
	c.Put("b", newTask(t, "b", big))
	c.Put("c", newTask(t, "c", big))

	s := c.Stats()
	require.LessOrEqual(t, s.Bytes, 3000)
	require.Less(t, s.Entries, 3)
	require.Greater(t, s.Evictions, uint64(0))
}

func TestPutIsIdempotentOnBytes(t *testing.T) {
	c, err := New(8, 1<<20)
	require.NoError(t, err)

	tk := newTask(t, "a", "same code")
	c.Put("a", tk)
	first := c.Stats().Bytes

	c.Put("a", tk)
	require.Equal(t, first, c.Stats().Bytes)
	require.Equal(t, 1, c.Stats().Entries)
}

func TestRemove(t *testing.T) {
	c, err := New(8, 1<<20)
	require.NoError(t, err)

	c.Put("a", newTask(t, "a", "code"))
	require.True(t, c.Remove("a"))
	require.False(t, c.Remove("a"))
	require.Equal(t, 0, c.Stats().Bytes)
	require.Equal(t, 0, c.Stats().Entries)
}
