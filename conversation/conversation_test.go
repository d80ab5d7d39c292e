package conversation

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	stemmgpt "github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt"
)

func TestNewSeedsSystemPrompt(t *testing.T) {
	c := New("You are a helpful assistant.")
	msgs := c.Snapshot()
	require.Len(t, msgs, 1)
	require.Equal(t, stemmgpt.RoleSystem, msgs[0].Role)
	require.Equal(t, "You are a helpful assistant.", msgs[0].Content)

	empty := New("")
	require.Equal(t, stemmgpt.RoleSystem, empty.Snapshot()[0].Role)
}

func TestLengthAfterCycles(t *testing.T) {
	c := New("sys")
	const n = 5
	for i := 0; i < n; i++ {
		c.AppendUser(fmt.Sprintf("q%d", i))
		c.AppendAssistant(fmt.Sprintf("a%d", i))
	}
	require.Equal(t, 1+2*n, c.Len())
	require.Equal(t, n, c.Turns())

	msgs := c.Snapshot()
	require.Equal(t, stemmgpt.RoleSystem, msgs[0].Role)
	for i := 0; i < n; i++ {
		require.Equal(t, stemmgpt.Message{Role: stemmgpt.RoleUser, Content: fmt.Sprintf("q%d", i)}, msgs[1+2*i])
		require.Equal(t, stemmgpt.Message{Role: stemmgpt.RoleAssistant, Content: fmt.Sprintf("a%d", i)}, msgs[2+2*i])
	}
}

func TestEmptyUserTurnAccepted(t *testing.T) {
	c := New("sys")
	c.AppendUser("")
	msgs := c.Snapshot()
	require.Len(t, msgs, 2)
	require.Equal(t, "", msgs[1].Content)
}

func TestSnapshotIsCopy(t *testing.T) {
	c := New("sys")
	c.AppendUser("hi")
	snap := c.Snapshot()
	snap[1].Content = "changed"
	require.Equal(t, "hi", c.Snapshot()[1].Content)
}

func TestPreamble(t *testing.T) {
	c := New("sys")
	require.NoError(t, c.AddPreamble("You are terse."))
	require.ErrorIs(t, c.AddPreamble("again"), ErrPreamble)

	c.AppendUser("Hi")
	c.AppendAssistant("Hello.")
	msgs := c.Snapshot()
	require.Len(t, msgs, 4)
	require.Equal(t, stemmgpt.RoleSystem, msgs[1].Role)
	require.Equal(t, "You are terse.", msgs[1].Content)
	require.Equal(t, "Hi", msgs[2].Content)
}

func TestPreambleAfterUserTurnRejected(t *testing.T) {
	c := New("sys")
	c.AppendUser("Hi")
	require.ErrorIs(t, c.AddPreamble("late"), ErrPreamble)
	require.NoError(t, New("sys").AddPreamble(""))
}

func TestDropLastUser(t *testing.T) {
	c := New("sys")
	require.False(t, c.DropLastUser())
	c.AppendUser("q")
	require.True(t, c.DropLastUser())
	require.Equal(t, 1, c.Len())

	c.AppendUser("q")
	c.AppendAssistant("a")
	require.False(t, c.DropLastUser())
	require.Equal(t, 3, c.Len())
}

func TestRestoreSkipsSystem(t *testing.T) {
	c := New("current")
	c.Restore([]stemmgpt.Message{
		{Role: stemmgpt.RoleSystem, Content: "old"},
		{Role: stemmgpt.RoleUser, Content: "q"},
		{Role: stemmgpt.RoleAssistant, Content: "a"},
	})
	msgs := c.Snapshot()
	require.Len(t, msgs, 3)
	require.Equal(t, "current", msgs[0].Content)
	require.Equal(t, 1, c.Turns())
}

func TestRestoreSkipsUnknownRoles(t *testing.T) {
	c := New("current")
	c.Restore([]stemmgpt.Message{
		{Role: "tool", Content: "stray"},
		{Role: stemmgpt.RoleUser, Content: "q"},
		{Role: "", Content: "blank"},
		{Role: stemmgpt.RoleAssistant, Content: "a"},
	})
	require.Equal(t, []stemmgpt.Message{
		{Role: stemmgpt.RoleSystem, Content: "current"},
		{Role: stemmgpt.RoleUser, Content: "q"},
		{Role: stemmgpt.RoleAssistant, Content: "a"},
	}, c.Snapshot())
}

func TestFoldMemory(t *testing.T) {
	require.Equal(t, "You are terse.\nHi", FoldMemory("You are terse.", "Hi"))
	require.Equal(t, "Hi", FoldMemory("", "Hi"))
}
