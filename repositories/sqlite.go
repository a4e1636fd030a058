package repositories

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"market-chat/contract"
	"market-chat/domain"
	"market-chat/errors"
	"strings"

	"github.com/mattn/go-sqlite3"
)

var _ contract.ConversationStore = (*SQLiteStore)(nil)

// SQLiteStore implements ConversationStore on SQLite.
// Timestamps are stored as unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", withForeignKeys(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// In-memory SQLite gives each connection its own database.
	if strings.HasPrefix(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// withForeignKeys has the driver enable foreign keys on every pooled
// connection, not only the one a PRAGMA would run on.
func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys=") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on"
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			listing_id TEXT,
			name TEXT,
			created_by TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			sequence INTEGER NOT NULL DEFAULT 0,
			unique_key TEXT UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			joined_at INTEGER NOT NULL,
			read_cursor INTEGER NOT NULL DEFAULT 0,
			muted INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_participants_user ON participants(user_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL,
			kind TEXT NOT NULL,
			reply_to TEXT,
			created_at INTEGER NOT NULL,
			edited_at INTEGER,
			deleted INTEGER NOT NULL DEFAULT 0,
			UNIQUE (conversation_id, sequence),
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return stderrors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

func storageErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv domain.Conversation, participants []domain.Participant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err)
	}
	defer tx.Rollback()

	rec := fromConversation(conv)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id, kind, listing_id, name, created_by, created_at, sequence, unique_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Kind, nullable(rec.ListingID), nullable(rec.Name), rec.CreatedBy, rec.CreatedAt, rec.Sequence, nullable(rec.UniqueKey))
	if isConstraint(err) {
		return fmt.Errorf("%w: %s", errors.ErrConversationExists, conv.ID)
	}
	if err != nil {
		return storageErr(err)
	}
	for _, p := range participants {
		if err = insertParticipant(ctx, tx, p); err != nil {
			return storageErr(err)
		}
	}
	return storageErr(tx.Commit())
}

func insertParticipant(ctx context.Context, tx *sql.Tx, p domain.Participant) error {
	rec := fromParticipant(p)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO participants (conversation_id, user_id, role, joined_at, read_cursor, muted) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ConversationID, rec.UserID, rec.Role, rec.JoinedAt, rec.ReadCursor, rec.Muted)
	return err
}

const conversationColumns = `conversation_id, kind, COALESCE(listing_id, ''), COALESCE(name, ''), created_by, created_at, sequence, COALESCE(unique_key, '')`

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (domain.Conversation, error) {
	var rec conversationRecord
	err := row.Scan(&rec.ID, &rec.Kind, &rec.ListingID, &rec.Name, &rec.CreatedBy, &rec.CreatedAt, &rec.Sequence, &rec.UniqueKey)
	return rec.toDomain(), err
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id domain.ConversationID) (domain.Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE conversation_id = ?`, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return domain.Conversation{}, fmt.Errorf("%w: %s", errors.ErrConversationNotFound, id)
	}
	return conv, storageErr(err)
}

func (s *SQLiteStore) SetName(ctx context.Context, id domain.ConversationID, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET name = ? WHERE conversation_id = ?`, nullable(name), id)
	if err != nil {
		return storageErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", errors.ErrConversationNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) FindByUniqueKey(ctx context.Context, key string) (domain.Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE unique_key = ?`, key))
	if stderrors.Is(err, sql.ErrNoRows) {
		return domain.Conversation{}, fmt.Errorf("%w: %s", errors.ErrConversationNotFound, key)
	}
	return conv, storageErr(err)
}

func (s *SQLiteStore) ListConversations(ctx context.Context, userID domain.UserID) ([]domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.conversation_id, c.kind, COALESCE(c.listing_id, ''), COALESCE(c.name, ''), c.created_by, c.created_at, c.sequence, COALESCE(c.unique_key, '')
		 FROM conversations c JOIN participants p ON p.conversation_id = c.conversation_id
		 WHERE p.user_id = ? ORDER BY c.created_at`, userID)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	var res []domain.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, storageErr(err)
		}
		res = append(res, conv)
	}
	return res, storageErr(rows.Err())
}

const participantColumns = `conversation_id, user_id, role, joined_at, read_cursor, muted`

func scanParticipant(row scanner) (domain.Participant, error) {
	var rec participantRecord
	err := row.Scan(&rec.ConversationID, &rec.UserID, &rec.Role, &rec.JoinedAt, &rec.ReadCursor, &rec.Muted)
	return rec.toDomain(), err
}

func (s *SQLiteStore) GetParticipant(ctx context.Context, id domain.ConversationID, userID domain.UserID) (domain.Participant, error) {
	p, err := scanParticipant(s.db.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE conversation_id = ? AND user_id = ?`, id, userID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return domain.Participant{}, fmt.Errorf("%w: %s in %s", errors.ErrNotAMember, userID, id)
	}
	return p, storageErr(err)
}

func (s *SQLiteStore) ListParticipants(ctx context.Context, id domain.ConversationID) ([]domain.Participant, error) {
	if _, err := s.GetConversation(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE conversation_id = ? ORDER BY joined_at, user_id`, id)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	var res []domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, storageErr(err)
		}
		res = append(res, p)
	}
	return res, storageErr(rows.Err())
}

func (s *SQLiteStore) AddParticipant(ctx context.Context, p domain.Participant) error {
	if _, err := s.GetConversation(ctx, p.ConversationID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err)
	}
	defer tx.Rollback()
	err = insertParticipant(ctx, tx, p)
	if isConstraint(err) {
		return fmt.Errorf("%w: %s", errors.ErrAlreadyMember, p.UserID)
	}
	if err != nil {
		return storageErr(err)
	}
	return storageErr(tx.Commit())
}

func (s *SQLiteStore) RemoveParticipant(ctx context.Context, id domain.ConversationID, userID domain.UserID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM participants WHERE conversation_id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return storageErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s in %s", errors.ErrNotAMember, userID, id)
	}
	return nil
}

// UpdateReadCursor only moves the cursor forward; MAX keeps it monotonic under concurrent calls.
func (s *SQLiteStore) UpdateReadCursor(ctx context.Context, id domain.ConversationID, userID domain.UserID, upTo int64) (int64, error) {
	var cursor int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE participants SET read_cursor = MAX(read_cursor, ?) WHERE conversation_id = ? AND user_id = ? RETURNING read_cursor`,
		upTo, id, userID).Scan(&cursor)
	if stderrors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s in %s", errors.ErrNotAMember, userID, id)
	}
	return cursor, storageErr(err)
}

func (s *SQLiteStore) SetMuted(ctx context.Context, id domain.ConversationID, userID domain.UserID, muted bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE participants SET muted = ? WHERE conversation_id = ? AND user_id = ?`, muted, id, userID)
	if err != nil {
		return storageErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s in %s", errors.ErrNotAMember, userID, id)
	}
	return nil
}

// AppendMessage advances the conversation sequence with a compare-and-set and
// inserts the message in the same transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET sequence = ? WHERE conversation_id = ? AND sequence = ?`,
		msg.Sequence, msg.ConversationID, msg.Sequence-1)
	if err != nil {
		return storageErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var current int64
		err = tx.QueryRowContext(ctx, `SELECT sequence FROM conversations WHERE conversation_id = ?`, msg.ConversationID).Scan(&current)
		if stderrors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", errors.ErrConversationNotFound, msg.ConversationID)
		}
		if err != nil {
			return storageErr(err)
		}
		return fmt.Errorf("%w: got %d, expected %d", errors.ErrSequenceConflict, msg.Sequence, current+1)
	}

	rec := fromMessage(msg)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (message_id, conversation_id, sequence, sender_id, content, kind, reply_to, created_at, edited_at, deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversationID, rec.Sequence, rec.SenderID, rec.Content, rec.Kind, nullable(rec.ReplyTo),
		rec.CreatedAt, sql.NullInt64{Int64: rec.EditedAt, Valid: rec.EditedAt != 0}, rec.Deleted)
	if isConstraint(err) {
		return fmt.Errorf("%w: sequence %d already used", errors.ErrSequenceConflict, msg.Sequence)
	}
	if err != nil {
		return storageErr(err)
	}
	return storageErr(tx.Commit())
}

const messageColumns = `message_id, conversation_id, sequence, sender_id, content, kind, COALESCE(reply_to, ''), created_at, COALESCE(edited_at, 0), deleted`

func scanMessage(row scanner) (domain.Message, error) {
	var rec messageRecord
	err := row.Scan(&rec.ID, &rec.ConversationID, &rec.Sequence, &rec.SenderID, &rec.Content, &rec.Kind,
		&rec.ReplyTo, &rec.CreatedAt, &rec.EditedAt, &rec.Deleted)
	return rec.toDomain(), err
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id domain.MessageID) (domain.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, fmt.Errorf("%w: %s", errors.ErrMessageNotFound, id)
	}
	return msg, storageErr(err)
}

func (s *SQLiteStore) UpdateMessage(ctx context.Context, msg domain.Message) error {
	rec := fromMessage(msg)
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, edited_at = ?, deleted = ? WHERE message_id = ?`,
		rec.Content, sql.NullInt64{Int64: rec.EditedAt, Valid: rec.EditedAt != 0}, rec.Deleted, rec.ID)
	if err != nil {
		return storageErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", errors.ErrMessageNotFound, msg.ID)
	}
	return nil
}

func (s *SQLiteStore) History(ctx context.Context, id domain.ConversationID, afterSequence int64, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND sequence > ? ORDER BY sequence LIMIT ?`,
		id, afterSequence, limit)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, storageErr(err)
		}
		res = append(res, msg)
	}
	return res, storageErr(rows.Err())
}

func (s *SQLiteStore) CountUnread(ctx context.Context, id domain.ConversationID, userID domain.UserID, afterSequence int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND sequence > ? AND sender_id <> ? AND deleted = 0`,
		id, afterSequence, userID).Scan(&count)
	return count, storageErr(err)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
