package errors

import "fmt"

var (
	ErrWorkerPanic = fmt.Errorf("worker panic")

	ErrNotAMember           = fmt.Errorf("user is not a member of the conversation")
	ErrInvalidParticipant   = fmt.Errorf("invalid participant")
	ErrTooFewParticipants   = fmt.Errorf("too few participants")
	ErrForbidden            = fmt.Errorf("forbidden")
	ErrNotOwner             = fmt.Errorf("only the sender can edit a message")
	ErrTooOld               = fmt.Errorf("message is older than the edit window")
	ErrInvalidSequence      = fmt.Errorf("sequence is out of range")
	ErrUnauthenticated      = fmt.Errorf("unauthenticated")
	ErrStorageUnavailable   = fmt.Errorf("storage unavailable")
	ErrUnsupportedForKind   = fmt.Errorf("operation unsupported for this conversation kind")
	ErrConversationNotFound = fmt.Errorf("conversation not found")
	ErrConversationExists   = fmt.Errorf("conversation already exists")
	ErrMessageNotFound      = fmt.Errorf("message not found")
	ErrMessageDeleted       = fmt.Errorf("message has been deleted")
	ErrInvalidContent       = fmt.Errorf("invalid message content")
	ErrParticipantLimit     = fmt.Errorf("participant limit reached")
	ErrAlreadyMember        = fmt.Errorf("user is already a member of the conversation")
	ErrInvalidAttachment    = fmt.Errorf("invalid attachment")
	ErrSequenceConflict     = fmt.Errorf("sequence already assigned")
	ErrSessionClosed        = fmt.Errorf("session closed")
	ErrListingNotFound      = fmt.Errorf("listing not found")
	ErrInvalidRequest       = fmt.Errorf("invalid request")
)
