package models

// Participant is the other party of a two-person conversation.
type Participant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	PublicKey string `json:"publicKey"`
}

// Conversation is one entry of the conversation list.
//
// The list is replaced wholesale on each successful fetch; entries are never
// patched in place.
type Conversation struct {
	ID          string      `json:"id"`
	Participant Participant `json:"participants"`
	LastMessage string      `json:"lastMessage,omitempty"`
}
