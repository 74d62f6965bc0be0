package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSendSubmitsCiphertextAndReturnsServerID(t *testing.T) {
	var got OutgoingMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/send" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer token-1" {
			t.Errorf("unexpected Authorization header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(SendResult{ID: "42"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "token-1")
	id, err := client.Send(context.Background(), OutgoingMessage{
		Ciphertext:          "b64-ciphertext",
		WrappedKeySender:    "b64-sender-key",
		WrappedKeyRecipient: "b64-recipient-key",
		IV:                  "b64-iv",
		AuthTag:             "b64-tag",
		RecipientID:         "2",
		ConversationID:      "7",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if id != "42" {
		t.Fatalf("expected server ID 42, got %q", id)
	}
	if got.Ciphertext != "b64-ciphertext" || got.ConversationID != "7" {
		t.Fatalf("server received unexpected payload: %+v", got)
	}
}

func TestSendSurfacesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"broken pipe to database"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "token-1")
	_, err := client.Send(context.Background(), OutgoingMessage{
		Ciphertext:     "x",
		ConversationID: "7",
	})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Status != http.StatusInternalServerError {
		t.Fatalf("unexpected status %d", apiErr.Status)
	}
	if apiErr.Message != "broken pipe to database" {
		t.Fatalf("unexpected message %q", apiErr.Message)
	}
}

func TestUnauthorizedMapsToSentinel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(server.URL, "expired")
	_, err := client.Conversations(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestMessagesPassesConversationIDQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("conversationId"); got != "7" {
			t.Errorf("unexpected conversationId %q", got)
		}
		_, _ = w.Write([]byte(`{"messages":[{"id":"42","conversationId":"7","senderId":"1"}],"recipient":{"id":"2","name":"Bea","publicKey":"pem"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "token-1")
	history, err := client.Messages(context.Background(), "7")
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(history.Messages) != 1 || history.Messages[0].ServerID != "42" {
		t.Fatalf("unexpected messages: %+v", history.Messages)
	}
	if history.Recipient.ID != "2" || history.Recipient.PublicKey != "pem" {
		t.Fatalf("unexpected recipient: %+v", history.Recipient)
	}
}

func TestOpenConversationRequiresRecipient(t *testing.T) {
	client := NewClient("http://example.invalid", "token-1")
	if _, err := client.OpenConversation(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty recipient ID")
	}
}
