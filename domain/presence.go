package domain

import "time"

type SessionID string

type PresenceStatus string

const (
	Online  PresenceStatus = "ONLINE"
	Offline PresenceStatus = "OFFLINE"
)

type Presence struct {
	UserID   UserID
	Status   PresenceStatus
	LastSeen time.Time
}

// Listing is what the listing oracle knows about a marketplace listing.
type Listing struct {
	ID       ListingID
	SellerID UserID
	Title    string
}
