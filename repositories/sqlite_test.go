package repositories

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSQLiteStore_Foreign_Keys_In_DSN(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{":memory:", ":memory:?_foreign_keys=on"},
		{"file:chat.db?cache=shared", "file:chat.db?cache=shared&_foreign_keys=on"},
		{"chat.db?_foreign_keys=off", "chat.db?_foreign_keys=off"},
		{"chat.db?_fk=1", "chat.db?_fk=1"},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			require.Equal(t, tt.want, withForeignKeys(tt.dsn))
		})
	}
}

func TestSQLiteStore_Every_Connection_Enforces_Foreign_Keys(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"))
	req.NoError(err)
	t.Cleanup(func() { _ = store.Close() })

	// Given two connections held open at once, so the pool cannot reuse one
	first, err := store.db.Conn(ctx)
	req.NoError(err)
	defer func() { _ = first.Close() }()
	second, err := store.db.Conn(ctx)
	req.NoError(err)
	defer func() { _ = second.Close() }()

	// Then both have foreign keys switched on
	for _, conn := range []*sql.Conn{first, second} {
		var enabled int
		req.NoError(conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&enabled))
		req.Equal(1, enabled)
	}
}
