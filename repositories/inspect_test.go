package repositories

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

func TestBadgerStore_Inspect_Decodes_Records(t *testing.T) {
	req := require.New(t)

	// Given a badger store with a conversation and two messages
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	store := NewBadgerStore(db, logs.GetLoggerFromLevel(slog.LevelDebug))
	t.Cleanup(func() { _ = store.Close() })
	givenConversation(t, store, "c1", "alice", "bob")
	appendText(t, store, "c1", 1, "alice")
	appendText(t, store, "c1", 2, "bob")

	// When inspecting the message prefix
	rows, err := store.Inspect("msg:c1:", 0)

	// Then both messages come back decoded and in sequence order
	req.NoError(err)
	req.Len(rows, 2)
	req.Equal("msg", rows[0].Type)
	req.Equal("c1-1", rows[0].EntityID)
	req.Contains(rows[0].Detail, "seq=1 from=alice")
	req.Contains(rows[1].Detail, `"message 2"`)

	// When inspecting participants with a limit
	rows, err = store.Inspect("part:", 1)

	// Then the limit holds
	req.NoError(err)
	req.Len(rows, 1)
	req.Equal("alice", rows[0].EntityID)
	req.True(strings.HasPrefix(rows[0].Detail, "conv=c1 role=ADMIN"))

	// When inspecting the reverse index
	rows, err = store.Inspect("member:bob:", 0)

	// Then the raw value is shown
	req.NoError(err)
	req.Len(rows, 1)
	req.Equal("c1", rows[0].EntityID)
}

func TestInspect_Preview_Truncates_Long_Content(t *testing.T) {
	req := require.New(t)
	req.Equal("short", preview("short"))
	req.Equal(strings.Repeat("é", 40)+"…", preview(strings.Repeat("é", 50)))
}
