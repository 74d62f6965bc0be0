package models

import "time"

// Status tracks a timeline entry through its send lifecycle.
type Status string

const (
	// StatusSending marks an optimistic entry whose send has not resolved yet.
	StatusSending Status = "sending"
	// StatusSent marks an entry acknowledged by the server with an assigned ID.
	StatusSent Status = "sent"
	// StatusFailed marks an entry whose send failed; it stays visible for retry.
	StatusFailed Status = "failed"
)

// Message is one timeline entry for the open conversation.
//
// LocalID identifies the entry for its whole UI lifetime; it does not change
// when the server assigns a ServerID. ServerID is set exactly when Status is
// StatusSent. Plaintext is a derived projection produced by decrypting with
// the viewer's private key; it is never sent anywhere.
type Message struct {
	LocalID        string `json:"-"`
	ServerID       string `json:"id,omitempty"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`

	Ciphertext          string `json:"message"`
	WrappedKeySender    string `json:"senderDecryptKey"`
	WrappedKeyRecipient string `json:"receiverDecryptKey"`
	IV                  string `json:"iv"`
	AuthTag             string `json:"authTag"`

	CreatedAt time.Time `json:"createdAt"`
	Status    Status    `json:"-"`

	Plaintext string `json:"-"`
}

// WrappedKeyFor returns the wrapped symmetric key the given viewer can unwrap.
func (m Message) WrappedKeyFor(viewerID string) string {
	if m.SenderID == viewerID {
		return m.WrappedKeySender
	}
	return m.WrappedKeyRecipient
}
