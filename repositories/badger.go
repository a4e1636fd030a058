package repositories

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"market-chat/contract"
	"market-chat/domain"
	"market-chat/errors"
	"sort"

	"github.com/dgraph-io/badger/v4"
)

var _ contract.ConversationStore = (*BadgerStore)(nil)

const maxTxnRetries = 5

// BadgerStore persists conversations in BadgerDB.
//
// Key layout:
//
//	conv:{id}                  conversation record
//	convkey:{uniqueKey}        conversation id
//	part:{conv}:{user}         participant record
//	member:{user}:{conv}       conversation id (reverse index)
//	msg:{conv}:{seq_padded}    message record
//	msgid:{id}                 msg key of the message
//
// Sequences are zero padded to 19 digits so a prefix scan returns
// messages of a conversation in sequence order.
type BadgerStore struct {
	db  *badger.DB
	log *slog.Logger
}

func NewBadgerStore(db *badger.DB, log *slog.Logger) *BadgerStore {
	return &BadgerStore{db: db, log: log}
}

func conversationKey(id domain.ConversationID) []byte {
	return []byte("conv:" + string(id))
}

func uniqueKey(key string) []byte {
	return []byte("convkey:" + key)
}

func participantPrefix(id domain.ConversationID) []byte {
	return []byte("part:" + string(id) + ":")
}

func participantKeyOf(id domain.ConversationID, userID domain.UserID) []byte {
	return append(participantPrefix(id), userID...)
}

func memberPrefix(userID domain.UserID) []byte {
	return []byte("member:" + string(userID) + ":")
}

func memberKey(userID domain.UserID, id domain.ConversationID) []byte {
	return append(memberPrefix(userID), id...)
}

func messagePrefix(id domain.ConversationID) []byte {
	return []byte("msg:" + string(id) + ":")
}

func messageKey(id domain.ConversationID, sequence int64) []byte {
	return fmt.Appendf(messagePrefix(id), "%019d", sequence)
}

func messageIDKey(id domain.MessageID) []byte {
	return []byte("msgid:" + string(id))
}

// update retries on transaction conflicts, which badger reports when a
// concurrent transaction committed a key this one read.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		err = s.db.Update(fn)
		if !stderrors.Is(err, badger.ErrConflict) {
			return s.wrap(err)
		}
		s.log.Debug("Badger transaction conflict, retrying", "attempt", attempt+1)
	}
	return fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err)
}

// wrap leaves domain errors untouched and marks everything else as a storage failure.
func (s *BadgerStore) wrap(err error) error {
	if err == nil || errors.Code(err) != errors.CodeInternal {
		return err
	}
	return fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err)
}

func getRecord(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return decode(val, v)
	})
}

func setRecord(txn *badger.Txn, key []byte, v any) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func (s *BadgerStore) CreateConversation(_ context.Context, conv domain.Conversation, participants []domain.Participant) error {
	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(conversationKey(conv.ID)); err == nil {
			return fmt.Errorf("%w: %s", errors.ErrConversationExists, conv.ID)
		}
		if conv.UniqueKey != "" {
			if _, err := txn.Get(uniqueKey(conv.UniqueKey)); err == nil {
				return fmt.Errorf("%w: %s", errors.ErrConversationExists, conv.UniqueKey)
			}
			if err := txn.Set(uniqueKey(conv.UniqueKey), []byte(conv.ID)); err != nil {
				return err
			}
		}
		if err := setRecord(txn, conversationKey(conv.ID), fromConversation(conv)); err != nil {
			return err
		}
		for _, p := range participants {
			if err := putParticipant(txn, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func putParticipant(txn *badger.Txn, p domain.Participant) error {
	if err := setRecord(txn, participantKeyOf(p.ConversationID, p.UserID), fromParticipant(p)); err != nil {
		return err
	}
	return txn.Set(memberKey(p.UserID, p.ConversationID), []byte(p.ConversationID))
}

func (s *BadgerStore) GetConversation(_ context.Context, id domain.ConversationID) (domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		conv, err = getConversation(txn, id)
		return err
	})
	return conv, s.wrap(err)
}

func getConversation(txn *badger.Txn, id domain.ConversationID) (domain.Conversation, error) {
	var rec conversationRecord
	err := getRecord(txn, conversationKey(id), &rec)
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return domain.Conversation{}, fmt.Errorf("%w: %s", errors.ErrConversationNotFound, id)
	}
	if err != nil {
		return domain.Conversation{}, err
	}
	return rec.toDomain(), nil
}

func (s *BadgerStore) SetName(_ context.Context, id domain.ConversationID, name string) error {
	return s.update(func(txn *badger.Txn) error {
		conv, err := getConversation(txn, id)
		if err != nil {
			return err
		}
		conv.Name = name
		return setRecord(txn, conversationKey(id), fromConversation(conv))
	})
}

func (s *BadgerStore) FindByUniqueKey(_ context.Context, key string) (domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(uniqueKey(key))
		if stderrors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", errors.ErrConversationNotFound, key)
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		conv, err = getConversation(txn, domain.ConversationID(id))
		return err
	})
	return conv, s.wrap(err)
}

func (s *BadgerStore) ListConversations(_ context.Context, userID domain.UserID) ([]domain.Conversation, error) {
	var res []domain.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := memberPrefix(userID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		var ids []domain.ConversationID
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			// Another user id may share this prefix ("bob" and "bob:x"),
			// so only keep keys that are exactly prefix + conversation id.
			if string(item.Key()) != string(prefix)+string(id) {
				continue
			}
			ids = append(ids, domain.ConversationID(id))
		}
		for _, id := range ids {
			conv, err := getConversation(txn, id)
			if err != nil {
				return err
			}
			res = append(res, conv)
		}
		return nil
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (s *BadgerStore) GetParticipant(_ context.Context, id domain.ConversationID, userID domain.UserID) (domain.Participant, error) {
	var p domain.Participant
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		p, err = getParticipant(txn, id, userID)
		return err
	})
	return p, s.wrap(err)
}

func getParticipant(txn *badger.Txn, id domain.ConversationID, userID domain.UserID) (domain.Participant, error) {
	var rec participantRecord
	err := getRecord(txn, participantKeyOf(id, userID), &rec)
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return domain.Participant{}, fmt.Errorf("%w: %s in %s", errors.ErrNotAMember, userID, id)
	}
	if err != nil {
		return domain.Participant{}, err
	}
	return rec.toDomain(), nil
}

func (s *BadgerStore) ListParticipants(_ context.Context, id domain.ConversationID) ([]domain.Participant, error) {
	var res []domain.Participant
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := getConversation(txn, id); err != nil {
			return err
		}
		prefix := participantPrefix(id)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec participantRecord
			if err := it.Item().Value(func(val []byte) error { return decode(val, &rec) }); err != nil {
				return err
			}
			if rec.ConversationID != string(id) {
				continue
			}
			res = append(res, rec.toDomain())
		}
		return nil
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].JoinedAt.Equal(res[j].JoinedAt) {
			return res[i].UserID < res[j].UserID
		}
		return res[i].JoinedAt.Before(res[j].JoinedAt)
	})
	return res, nil
}

func (s *BadgerStore) AddParticipant(_ context.Context, p domain.Participant) error {
	return s.update(func(txn *badger.Txn) error {
		if _, err := getConversation(txn, p.ConversationID); err != nil {
			return err
		}
		if _, err := txn.Get(participantKeyOf(p.ConversationID, p.UserID)); err == nil {
			return fmt.Errorf("%w: %s", errors.ErrAlreadyMember, p.UserID)
		}
		return putParticipant(txn, p)
	})
}

func (s *BadgerStore) RemoveParticipant(_ context.Context, id domain.ConversationID, userID domain.UserID) error {
	return s.update(func(txn *badger.Txn) error {
		if _, err := getParticipant(txn, id, userID); err != nil {
			return err
		}
		if err := txn.Delete(participantKeyOf(id, userID)); err != nil {
			return err
		}
		return txn.Delete(memberKey(userID, id))
	})
}

func (s *BadgerStore) UpdateReadCursor(_ context.Context, id domain.ConversationID, userID domain.UserID, upTo int64) (int64, error) {
	var cursor int64
	err := s.update(func(txn *badger.Txn) error {
		p, err := getParticipant(txn, id, userID)
		if err != nil {
			return err
		}
		cursor = p.ReadCursor
		if upTo <= p.ReadCursor {
			return nil
		}
		p.ReadCursor = upTo
		cursor = upTo
		return setRecord(txn, participantKeyOf(id, userID), fromParticipant(p))
	})
	return cursor, err
}

func (s *BadgerStore) SetMuted(_ context.Context, id domain.ConversationID, userID domain.UserID, muted bool) error {
	return s.update(func(txn *badger.Txn) error {
		p, err := getParticipant(txn, id, userID)
		if err != nil {
			return err
		}
		p.Muted = muted
		return setRecord(txn, participantKeyOf(id, userID), fromParticipant(p))
	})
}

// AppendMessage stores the message and advances the conversation sequence in
// the same transaction. The message must carry exactly conversation.Sequence+1.
func (s *BadgerStore) AppendMessage(_ context.Context, msg domain.Message) error {
	return s.update(func(txn *badger.Txn) error {
		conv, err := getConversation(txn, msg.ConversationID)
		if err != nil {
			return err
		}
		if msg.Sequence != conv.Sequence+1 {
			return fmt.Errorf("%w: got %d, expected %d", errors.ErrSequenceConflict, msg.Sequence, conv.Sequence+1)
		}
		conv.Sequence = msg.Sequence
		key := messageKey(msg.ConversationID, msg.Sequence)
		if err = setRecord(txn, key, fromMessage(msg)); err != nil {
			return err
		}
		if err = txn.Set(messageIDKey(msg.ID), key); err != nil {
			return err
		}
		return setRecord(txn, conversationKey(conv.ID), fromConversation(conv))
	})
}

func (s *BadgerStore) GetMessage(_ context.Context, id domain.MessageID) (domain.Message, error) {
	var msg domain.Message
	err := s.db.View(func(txn *badger.Txn) error {
		rec, _, err := getMessage(txn, id)
		msg = rec.toDomain()
		return err
	})
	return msg, s.wrap(err)
}

func getMessage(txn *badger.Txn, id domain.MessageID) (messageRecord, []byte, error) {
	item, err := txn.Get(messageIDKey(id))
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return messageRecord{}, nil, fmt.Errorf("%w: %s", errors.ErrMessageNotFound, id)
	}
	if err != nil {
		return messageRecord{}, nil, err
	}
	key, err := item.ValueCopy(nil)
	if err != nil {
		return messageRecord{}, nil, err
	}
	var rec messageRecord
	if err = getRecord(txn, key, &rec); err != nil {
		return messageRecord{}, nil, err
	}
	return rec, key, nil
}

// UpdateMessage rewrites content, edit time and the deleted flag. Sequence and sender never change.
func (s *BadgerStore) UpdateMessage(_ context.Context, msg domain.Message) error {
	return s.update(func(txn *badger.Txn) error {
		rec, key, err := getMessage(txn, msg.ID)
		if err != nil {
			return err
		}
		updated := fromMessage(msg)
		rec.Content = updated.Content
		rec.EditedAt = updated.EditedAt
		rec.Deleted = updated.Deleted
		return setRecord(txn, key, rec)
	})
}

func (s *BadgerStore) History(_ context.Context, id domain.ConversationID, afterSequence int64, limit int) ([]domain.Message, error) {
	var res []domain.Message
	err := s.scanMessages(id, afterSequence, func(rec messageRecord) bool {
		res = append(res, rec.toDomain())
		return limit <= 0 || len(res) < limit
	})
	return res, s.wrap(err)
}

func (s *BadgerStore) CountUnread(_ context.Context, id domain.ConversationID, userID domain.UserID, afterSequence int64) (int, error) {
	count := 0
	err := s.scanMessages(id, afterSequence, func(rec messageRecord) bool {
		if rec.SenderID != string(userID) && !rec.Deleted {
			count++
		}
		return true
	})
	return count, s.wrap(err)
}

// scanMessages walks messages with a sequence greater than afterSequence in
// ascending order until fn returns false.
func (s *BadgerStore) scanMessages(id domain.ConversationID, afterSequence int64, fn func(messageRecord) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		prefix := messagePrefix(id)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(messageKey(id, max(afterSequence, 0)+1)); it.ValidForPrefix(prefix); it.Next() {
			var rec messageRecord
			if err := it.Item().Value(func(val []byte) error { return decode(val, &rec) }); err != nil {
				return err
			}
			if rec.ConversationID != string(id) {
				continue
			}
			if !fn(rec) {
				return nil
			}
		}
		return nil
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
