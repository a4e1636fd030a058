package repositories

import (
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// InspectRow is one decoded badger entry, for operators.
type InspectRow struct {
	Key       string `json:"key"`
	Type      string `json:"type"`
	EntityID  string `json:"entityId"`
	Timestamp string `json:"timestamp,omitempty"`
	Detail    string `json:"detail"`
}

const maxInspectRows = 1000

// Inspect decodes up to limit entries whose key starts with prefix.
func (s *BadgerStore) Inspect(prefix string, limit int) ([]InspectRow, error) {
	if limit <= 0 || limit > maxInspectRows {
		limit = maxInspectRows
	}
	var rows []InspectRow
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)) && len(rows) < limit; it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			err := item.Value(func(val []byte) error {
				rows = append(rows, InspectRecord(key, val))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	return rows, nil
}

// InspectRecord decodes one raw entry by its key prefix.
func InspectRecord(key string, val []byte) InspectRow {
	kind, _, _ := strings.Cut(key, ":")
	row := InspectRow{Key: key, Type: kind}
	switch kind {
	case "conv":
		var r conversationRecord
		if decode(val, &r) != nil {
			return undecodable(row, val)
		}
		row.EntityID = r.ID
		row.Timestamp = stamp(r.CreatedAt)
		row.Detail = fmt.Sprintf("kind=%s seq=%d by=%s name=%q listing=%s", r.Kind, r.Sequence, r.CreatedBy, r.Name, r.ListingID)
	case "part":
		var r participantRecord
		if decode(val, &r) != nil {
			return undecodable(row, val)
		}
		row.EntityID = r.UserID
		row.Timestamp = stamp(r.JoinedAt)
		row.Detail = fmt.Sprintf("conv=%s role=%s read=%d muted=%t", r.ConversationID, r.Role, r.ReadCursor, r.Muted)
	case "msg":
		var r messageRecord
		if decode(val, &r) != nil {
			return undecodable(row, val)
		}
		row.EntityID = r.ID
		row.Timestamp = stamp(r.CreatedAt)
		row.Detail = fmt.Sprintf("seq=%d from=%s kind=%s deleted=%t %q", r.Sequence, r.SenderID, r.Kind, r.Deleted, preview(r.Content))
	default:
		// Index entries hold a plain key or id.
		row.EntityID = string(val)
	}
	return row
}

func undecodable(row InspectRow, val []byte) InspectRow {
	row.Detail = fmt.Sprintf("undecodable (%d bytes)", len(val))
	return row
}

func stamp(nanos int64) string {
	if nanos == 0 {
		return ""
	}
	return fromNanos(nanos).Format(time.RFC3339)
}

func preview(content string) string {
	const max = 40
	r := []rune(content)
	if len(r) <= max {
		return content
	}
	return string(r[:max]) + "…"
}
