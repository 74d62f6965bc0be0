// Package timeline owns the message timeline of the one open conversation.
// Three independent event sources mutate it — local send completion, local
// send failure, and incoming push echoes — and the reconciler merges them
// into a single, duplicate-free, UI-stable view.
package timeline

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"cipherchat/api"
	"cipherchat/crypto"
	"cipherchat/models"
	"cipherchat/realtime"
)

const (
	// UnavailablePlaintext is rendered for entries that fail to decrypt; a
	// crypto failure is never fatal to the timeline.
	UnavailablePlaintext = "message unavailable"

	// echoMatchWindow bounds the content/sender dedup heuristic. Without a
	// server-issued idempotency token this is a best-effort guess at
	// message identity; see DESIGN.md.
	echoMatchWindow = 5 * time.Second
)

var (
	// ErrNoOpenConversation indicates a send with no conversation open.
	ErrNoOpenConversation = errors.New("timeline: no open conversation")
	// ErrSendFailed indicates the request/response submission failed; the
	// entry stays visible as failed with no automatic retry.
	ErrSendFailed = errors.New("timeline: send failed")
)

// Backend is the request/response capability the reconciler consumes.
// *api.Client satisfies it.
type Backend interface {
	OpenConversation(ctx context.Context, recipientID string) (models.Conversation, error)
	Messages(ctx context.Context, conversationID string) (api.MessageHistory, error)
	Send(ctx context.Context, message api.OutgoingMessage) (string, error)
}

// Notifier is the best-effort push capability. *realtime.Session satisfies
// it; Emit reports failure instead of raising, and a down channel must never
// fail a message.
type Notifier interface {
	Emit(event string, payload any) bool
	JoinConversation(conversationID string)
}

// Options configures a Reconciler.
type Options struct {
	Backend  Backend
	Notifier Notifier

	ViewerID        string
	ViewerPublicKey *rsa.PublicKey
	PrivateKey      *rsa.PrivateKey

	// Now is injectable for tests; nil uses the wall clock.
	Now func() time.Time

	// OnChange is called after every visible timeline mutation.
	OnChange func()
}

// Reconciler keeps the timeline of the open conversation. Switching
// conversations discards the prior timeline wholesale; in-flight sends for
// the old conversation are guarded by an epoch and dropped on completion.
type Reconciler struct {
	options Options

	mu             sync.Mutex
	epoch          uint64
	conversationID string
	peer           models.Participant
	peerKey        *rsa.PublicKey
	entries        []models.Message
}

// NewReconciler validates options and creates an empty reconciler.
func NewReconciler(options Options) (*Reconciler, error) {
	if options.Backend == nil {
		return nil, errors.New("timeline: backend is required")
	}
	if options.Notifier == nil {
		return nil, errors.New("timeline: notifier is required")
	}
	if options.ViewerID == "" {
		return nil, errors.New("timeline: viewer ID is required")
	}
	if options.ViewerPublicKey == nil || options.PrivateKey == nil {
		return nil, errors.New("timeline: viewer key pair is required")
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	return &Reconciler{options: options}, nil
}

// Open creates or fetches the conversation with a recipient, loads its
// history, and makes it the one open conversation. The previous timeline is
// discarded, never merged.
func (r *Reconciler) Open(ctx context.Context, recipientID string) (models.Conversation, error) {
	conversation, err := r.options.Backend.OpenConversation(ctx, recipientID)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("open conversation: %w", err)
	}

	history, err := r.options.Backend.Messages(ctx, conversation.ID)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("load messages: %w", err)
	}

	peer := history.Recipient
	if peer.ID == "" {
		peer = conversation.Participant
	}

	var peerKey *rsa.PublicKey
	if peer.PublicKey != "" {
		peerKey, err = crypto.ParsePublicKey([]byte(peer.PublicKey))
		if err != nil {
			return models.Conversation{}, fmt.Errorf("parse recipient public key: %w", err)
		}
	}

	entries := make([]models.Message, 0, len(history.Messages))
	for _, message := range history.Messages {
		message.LocalID = uuid.NewString()
		message.Status = models.StatusSent
		message.Plaintext = r.decryptProjection(message)
		entries = append(entries, message)
	}

	r.mu.Lock()
	r.epoch++
	r.conversationID = conversation.ID
	r.peer = peer
	r.peerKey = peerKey
	r.entries = entries
	r.mu.Unlock()

	r.options.Notifier.JoinConversation(conversation.ID)
	r.options.Notifier.Emit(realtime.EventConversationCreated, map[string]string{
		"conversationId": conversation.ID,
		"creatorId":      r.options.ViewerID,
		"recipientId":    recipientID,
	})

	r.notifyChange()
	return conversation, nil
}

// Close discards the open conversation and its timeline.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.epoch++
	r.conversationID = ""
	r.peer = models.Participant{}
	r.peerKey = nil
	r.entries = nil
	r.mu.Unlock()

	r.notifyChange()
}

// Entries returns a snapshot of the visible timeline.
func (r *Reconciler) Entries() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Message(nil), r.entries...)
}

// ConversationID returns the open conversation's ID, empty when none.
func (r *Reconciler) ConversationID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conversationID
}

// Peer returns the open conversation's other participant.
func (r *Reconciler) Peer() models.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peer
}

// Send appends an optimistic entry, then encrypts and submits the message
// over the request/response channel. The entry is visible with status
// "sending" before any network round trip. On success the same entry is
// rewritten in place to "sent" with the assigned server ID and the message
// is additionally pushed over the realtime channel; on failure it is
// rewritten to "failed" and stays visible. If the open conversation changed
// while the send was in flight, the completion is dropped silently.
func (r *Reconciler) Send(ctx context.Context, plaintext string) (string, error) {
	r.mu.Lock()
	if r.conversationID == "" {
		r.mu.Unlock()
		return "", ErrNoOpenConversation
	}
	if r.peerKey == nil {
		r.mu.Unlock()
		return "", errors.New("timeline: recipient public key is unknown")
	}

	epoch := r.epoch
	conversationID := r.conversationID
	recipientID := r.peer.ID
	peerKey := r.peerKey

	localID := uuid.NewString()
	entry := models.Message{
		LocalID:        localID,
		ConversationID: conversationID,
		SenderID:       r.options.ViewerID,
		CreatedAt:      r.options.Now(),
		Status:         models.StatusSending,
		Plaintext:      plaintext,
	}
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
	r.notifyChange()

	envelope, err := crypto.Encrypt([]byte(plaintext), r.options.ViewerPublicKey, peerKey)
	if err != nil {
		r.completeSend(epoch, localID, "", models.Message{})
		return localID, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	outgoing := api.OutgoingMessage{
		Ciphertext:          base64.StdEncoding.EncodeToString(envelope.Ciphertext),
		WrappedKeySender:    base64.StdEncoding.EncodeToString(envelope.WrappedKeySender),
		WrappedKeyRecipient: base64.StdEncoding.EncodeToString(envelope.WrappedKeyRecipient),
		IV:                  base64.StdEncoding.EncodeToString(envelope.IV),
		AuthTag:             base64.StdEncoding.EncodeToString(envelope.AuthTag),
		RecipientID:         recipientID,
		ConversationID:      conversationID,
	}

	serverID, err := r.options.Backend.Send(ctx, outgoing)
	if err != nil {
		r.completeSend(epoch, localID, "", models.Message{})
		return localID, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	wire := models.Message{
		ServerID:            serverID,
		ConversationID:      conversationID,
		SenderID:            r.options.ViewerID,
		Ciphertext:          outgoing.Ciphertext,
		WrappedKeySender:    outgoing.WrappedKeySender,
		WrappedKeyRecipient: outgoing.WrappedKeyRecipient,
		IV:                  outgoing.IV,
		AuthTag:             outgoing.AuthTag,
		CreatedAt:           r.options.Now(),
	}
	r.completeSend(epoch, localID, serverID, wire)

	return localID, nil
}

// completeSend applies a send outcome to the optimistic entry, unless the
// open conversation changed while the send was in flight.
func (r *Reconciler) completeSend(epoch uint64, localID, serverID string, wire models.Message) {
	r.mu.Lock()
	if r.epoch != epoch {
		r.mu.Unlock()
		log.Printf("timeline: dropping stale send completion for %s", localID)
		return
	}

	for i := range r.entries {
		if r.entries[i].LocalID != localID {
			continue
		}
		if serverID == "" {
			r.entries[i].Status = models.StatusFailed
		} else {
			r.entries[i].Status = models.StatusSent
			r.entries[i].ServerID = serverID
			r.entries[i].Ciphertext = wire.Ciphertext
			r.entries[i].WrappedKeySender = wire.WrappedKeySender
			r.entries[i].WrappedKeyRecipient = wire.WrappedKeyRecipient
			r.entries[i].IV = wire.IV
			r.entries[i].AuthTag = wire.AuthTag
		}
		break
	}
	r.mu.Unlock()
	r.notifyChange()

	// Push the delivered message so the peer's open session sees it
	// without polling. Best-effort only: a down channel never fails the
	// already-acknowledged message.
	if serverID != "" {
		r.options.Notifier.Emit(realtime.EventSendMessage, wire)
	}
}

// HandleIncoming applies one push-channel message echo. Messages for other
// conversations are ignored here; the conversation list refresh is their
// path. Rule order matters: the exact server-id match runs before the fuzzy
// content heuristic so two distinct messages that collide on the window are
// never merged.
func (r *Reconciler) HandleIncoming(incoming models.Message) {
	r.mu.Lock()

	if incoming.ConversationID == "" || incoming.ConversationID != r.conversationID {
		r.mu.Unlock()
		return
	}

	// The server assigns every stored message an ID before echoing it; an
	// entry may carry a ServerID only while sent, so an id-less push cannot
	// be admitted to the timeline.
	if incoming.ServerID == "" {
		r.mu.Unlock()
		log.Printf("timeline: dropping push without a server ID in conversation %s", incoming.ConversationID)
		return
	}

	// A push must never lack a visible timestamp.
	if incoming.CreatedAt.IsZero() {
		incoming.CreatedAt = r.options.Now()
	}
	incoming.Status = models.StatusSent
	incoming.Plaintext = r.decryptProjection(incoming)

	// Rule 1: already rendered under its server ID.
	for i := range r.entries {
		if r.entries[i].ServerID == incoming.ServerID {
			r.mu.Unlock()
			return
		}
	}

	// Rule 2: a failed-looking send the server actually delivered; the
	// echo confirms it landed, so replace the entry's contents in place.
	for i := range r.entries {
		if r.entries[i].Status == models.StatusFailed && r.echoMatches(r.entries[i], incoming) {
			localID := r.entries[i].LocalID
			r.entries[i] = incoming
			r.entries[i].LocalID = localID
			r.mu.Unlock()
			r.notifyChange()
			return
		}
	}

	// Rule 3: a pending optimistic entry already shows this message; the
	// echo arrived before the request/response acknowledgment.
	for i := range r.entries {
		if r.entries[i].Status == models.StatusSending && r.echoMatches(r.entries[i], incoming) {
			r.mu.Unlock()
			return
		}
	}

	// Rule 4: genuinely new.
	incoming.LocalID = uuid.NewString()
	r.entries = append(r.entries, incoming)
	r.mu.Unlock()
	r.notifyChange()
}

// echoMatches is the content/sender heuristic: same sender, identical
// ciphertext or identical decrypted plaintext, within the match window.
func (r *Reconciler) echoMatches(existing, incoming models.Message) bool {
	if existing.SenderID != incoming.SenderID {
		return false
	}

	sameContent := false
	if existing.Ciphertext != "" && existing.Ciphertext == incoming.Ciphertext {
		sameContent = true
	} else if existing.Plaintext != "" && existing.Plaintext == incoming.Plaintext {
		sameContent = true
	}
	if !sameContent {
		return false
	}

	delta := existing.CreatedAt.Sub(incoming.CreatedAt)
	if delta < 0 {
		delta = -delta
	}
	return delta < echoMatchWindow
}

// decryptProjection derives the display plaintext for the viewer's role.
// Failures map to a placeholder; they never propagate.
func (r *Reconciler) decryptProjection(message models.Message) string {
	// Ciphertext may legitimately be empty (an empty message); the wrapped
	// key, nonce, and tag may not.
	wrappedKey := message.WrappedKeyFor(r.options.ViewerID)
	if wrappedKey == "" || message.IV == "" || message.AuthTag == "" {
		return UnavailablePlaintext
	}

	ciphertext, err := base64.StdEncoding.DecodeString(message.Ciphertext)
	if err != nil {
		return UnavailablePlaintext
	}
	key, err := base64.StdEncoding.DecodeString(wrappedKey)
	if err != nil {
		return UnavailablePlaintext
	}
	iv, err := base64.StdEncoding.DecodeString(message.IV)
	if err != nil {
		return UnavailablePlaintext
	}
	tag, err := base64.StdEncoding.DecodeString(message.AuthTag)
	if err != nil {
		return UnavailablePlaintext
	}

	plaintext, err := crypto.Decrypt(ciphertext, key, iv, tag, r.options.PrivateKey)
	if err != nil {
		log.Printf("timeline: decrypt failed for message %s: %v", message.ServerID, err)
		return UnavailablePlaintext
	}
	return string(plaintext)
}

// Run consumes a realtime subscription until its channel closes.
func (r *Reconciler) Run(sub *realtime.Subscription) {
	for event := range sub.Events() {
		if message, ok := event.(realtime.MessageEvent); ok {
			r.HandleIncoming(message.Message)
		}
	}
}

func (r *Reconciler) notifyChange() {
	if r.options.OnChange != nil {
		r.options.OnChange()
	}
}
