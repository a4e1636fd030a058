package domain

type SendCommand struct {
	ConversationID ConversationID
	SenderID       UserID
	Content        string
	Kind           MessageKind
	ReplyTo        MessageID
}

type EditCommand struct {
	MessageID MessageID
	EditorID  UserID
	Content   string
}

type DeleteCommand struct {
	MessageID MessageID
	ActorID   UserID
}

type MarkReadCommand struct {
	ConversationID ConversationID
	UserID         UserID
	UpToSequence   int64
}

type TypingCommand struct {
	ConversationID ConversationID
	UserID         UserID
	IsTyping       bool
}

type HistoryQuery struct {
	ConversationID ConversationID
	UserID         UserID
	AfterSequence  int64
	PageSize       int
}

type CreateGroupCommand struct {
	CreatorID      UserID
	ParticipantIDs []UserID
	Name           string
}

type CreateInquiryCommand struct {
	BuyerID        UserID
	SellerID       UserID
	ListingID      ListingID
	OpeningMessage string
}
