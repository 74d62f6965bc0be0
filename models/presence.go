package models

import "time"

// PresenceRecord marks one user as online.
//
// UserID is always string-normalized; the online set holds at most one record
// per user at any time.
type PresenceRecord struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}
