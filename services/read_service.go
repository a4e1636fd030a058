package services

import (
	"context"
	"fmt"
	"log/slog"
	"market-chat/contract"
	"market-chat/domain"
	"market-chat/domain/event"
	"market-chat/errors"
)

// ReadReceipts maintains read cursors. Unread counts are always derived from
// the cursor and the stored messages, never kept as a separate counter.
type ReadReceipts struct {
	log        *slog.Logger
	store      contract.ConversationStore
	membership Membership
	publisher  EventPublisher
}

func NewReadReceipts(log *slog.Logger, store contract.ConversationStore, membership Membership, publisher EventPublisher) *ReadReceipts {
	return &ReadReceipts{log: log, store: store, membership: membership, publisher: publisher}
}

// MarkRead moves the read cursor forward to upToSequence. A lower mark is a
// successful no-op and the current cursor is returned.
func (r *ReadReceipts) MarkRead(ctx context.Context, cmd domain.MarkReadCommand) (domain.ReadReceipt, error) {
	p, err := r.membership.AssertMember(ctx, cmd.ConversationID, cmd.UserID)
	if err != nil {
		return domain.ReadReceipt{}, err
	}
	conv, err := r.store.GetConversation(ctx, cmd.ConversationID)
	if err != nil {
		return domain.ReadReceipt{}, err
	}
	if cmd.UpToSequence < 0 || cmd.UpToSequence > conv.Sequence {
		return domain.ReadReceipt{}, fmt.Errorf("%w: %d not in [0, %d]", errors.ErrInvalidSequence, cmd.UpToSequence, conv.Sequence)
	}
	cursor, err := r.store.UpdateReadCursor(ctx, cmd.ConversationID, cmd.UserID, cmd.UpToSequence)
	if err != nil {
		return domain.ReadReceipt{}, err
	}
	if cursor > p.ReadCursor {
		r.publisher.Publish(cmd.ConversationID, event.ReadAdvanced{
			ConversationID: cmd.ConversationID,
			UserID:         cmd.UserID,
			UpToSequence:   cursor,
		})
	}
	unread, err := r.store.CountUnread(ctx, cmd.ConversationID, cmd.UserID, cursor)
	if err != nil {
		return domain.ReadReceipt{}, err
	}
	return domain.ReadReceipt{ConversationID: cmd.ConversationID, UserID: cmd.UserID, UpToSequence: cursor, Unread: unread}, nil
}

// UnreadCounts returns the unread count of every conversation of userID.
func (r *ReadReceipts) UnreadCounts(ctx context.Context, userID domain.UserID) (domain.UnreadSummary, error) {
	convs, err := r.store.ListConversations(ctx, userID)
	if err != nil {
		return domain.UnreadSummary{}, err
	}
	summary := domain.UnreadSummary{ByConversation: make(map[domain.ConversationID]int, len(convs))}
	for _, conv := range convs {
		p, err := r.store.GetParticipant(ctx, conv.ID, userID)
		if err != nil {
			return domain.UnreadSummary{}, err
		}
		unread, err := r.store.CountUnread(ctx, conv.ID, userID, p.ReadCursor)
		if err != nil {
			return domain.UnreadSummary{}, err
		}
		summary.ByConversation[conv.ID] = unread
		summary.Total += unread
	}
	return summary, nil
}
