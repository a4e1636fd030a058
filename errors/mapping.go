package errors

import (
	stderrors "errors"
	"net/http"
)

// Wire codes shared by the push and request/response fronts.
const (
	CodeNotAMember         = "not_a_member"
	CodeInvalidParticipant = "invalid_participant"
	CodeTooFewParticipants = "too_few_participants"
	CodeForbidden          = "forbidden"
	CodeNotOwner           = "not_owner"
	CodeTooOld             = "too_old"
	CodeInvalidSequence    = "invalid_sequence"
	CodeUnauthenticated    = "unauthenticated"
	CodeStorageUnavailable = "storage_unavailable"
	CodeUnsupportedForKind = "unsupported_for_kind"
	CodeNotFound           = "not_found"
	CodeConflict           = "conflict"
	CodeMessageDeleted     = "message_deleted"
	CodeInvalidContent     = "invalid_content"
	CodeParticipantLimit   = "participant_limit"
	CodeInvalidAttachment  = "invalid_attachment"
	CodeInvalidRequest     = "invalid_request"
	CodeInternal           = "internal_error"
)

type mapping struct {
	err    error
	code   string
	status int
}

var mappings = []mapping{
	{ErrNotAMember, CodeNotAMember, http.StatusForbidden},
	{ErrInvalidParticipant, CodeInvalidParticipant, http.StatusBadRequest},
	{ErrTooFewParticipants, CodeTooFewParticipants, http.StatusBadRequest},
	{ErrForbidden, CodeForbidden, http.StatusForbidden},
	{ErrNotOwner, CodeNotOwner, http.StatusForbidden},
	{ErrTooOld, CodeTooOld, http.StatusConflict},
	{ErrInvalidSequence, CodeInvalidSequence, http.StatusBadRequest},
	{ErrUnauthenticated, CodeUnauthenticated, http.StatusUnauthorized},
	{ErrStorageUnavailable, CodeStorageUnavailable, http.StatusServiceUnavailable},
	{ErrUnsupportedForKind, CodeUnsupportedForKind, http.StatusConflict},
	{ErrConversationNotFound, CodeNotFound, http.StatusNotFound},
	{ErrMessageNotFound, CodeNotFound, http.StatusNotFound},
	{ErrListingNotFound, CodeNotFound, http.StatusNotFound},
	{ErrAlreadyMember, CodeConflict, http.StatusConflict},
	{ErrConversationExists, CodeConflict, http.StatusConflict},
	{ErrSequenceConflict, CodeStorageUnavailable, http.StatusServiceUnavailable},
	{ErrMessageDeleted, CodeMessageDeleted, http.StatusConflict},
	{ErrInvalidContent, CodeInvalidContent, http.StatusBadRequest},
	{ErrParticipantLimit, CodeParticipantLimit, http.StatusConflict},
	{ErrInvalidAttachment, CodeInvalidAttachment, http.StatusBadRequest},
	{ErrInvalidRequest, CodeInvalidRequest, http.StatusBadRequest},
}

func lookup(err error) (mapping, bool) {
	for _, m := range mappings {
		if stderrors.Is(err, m.err) {
			return m, true
		}
	}
	return mapping{}, false
}

// Code returns the stable wire code for err.
func Code(err error) string {
	if m, ok := lookup(err); ok {
		return m.code
	}
	return CodeInternal
}

// HTTPStatus returns the response status for err on the request/response front.
func HTTPStatus(err error) int {
	if m, ok := lookup(err); ok {
		return m.status
	}
	return http.StatusInternalServerError
}

// Retryable reports whether the client may retry the exact same action.
func Retryable(err error) bool {
	return stderrors.Is(err, ErrStorageUnavailable) || stderrors.Is(err, ErrSequenceConflict)
}
