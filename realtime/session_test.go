package realtime

import (
	"sync"
	"testing"
	"time"

	"cipherchat/models"
)

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	emitted   []emittedFrame

	events chan TransportEvent
}

type emittedFrame struct {
	Event   string
	Payload any
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan TransportEvent, 16)}
}

func (f *fakeTransport) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	f.emitted = append(f.emitted, emittedFrame{Event: event, Payload: payload})
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Events() <-chan TransportEvent { return f.events }

func (f *fakeTransport) Close() error {
	close(f.events)
	return nil
}

func (f *fakeTransport) setConnected(connected bool) {
	f.mu.Lock()
	f.connected = connected
	f.mu.Unlock()

	if connected {
		f.events <- TransportEvent{Type: TransportConnected}
	} else {
		f.events <- TransportEvent{Type: TransportDisconnected}
	}
}

func (f *fakeTransport) emittedFrames() []emittedFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emittedFrame(nil), f.emitted...)
}

func waitForFrames(t *testing.T, transport *fakeTransport, want int) []emittedFrame {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frames := transport.emittedFrames()
		if len(frames) >= want {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d emitted frames, have %d", want, len(transport.emittedFrames()))
	return nil
}

func TestSessionJoinsRoomsOnEveryConnect(t *testing.T) {
	transport := newFakeTransport()
	session := NewSession(transport, "1")
	session.Start()
	defer session.Stop()

	transport.setConnected(true)
	frames := waitForFrames(t, transport, 1)
	if frames[0].Event != EventJoinUserRoom || frames[0].Payload != "1" {
		t.Fatalf("expected joinUserRoom for user 1, got %+v", frames[0])
	}

	session.JoinConversation("7")
	frames = waitForFrames(t, transport, 2)
	if frames[1].Event != EventJoinChat {
		t.Fatalf("expected joinChat, got %+v", frames[1])
	}

	// Room membership does not survive a reconnect; both rooms must be
	// re-joined on the new connection.
	transport.setConnected(false)
	transport.setConnected(true)

	frames = waitForFrames(t, transport, 4)
	if frames[2].Event != EventJoinUserRoom {
		t.Fatalf("expected joinUserRoom after reconnect, got %+v", frames[2])
	}
	if frames[3].Event != EventJoinChat {
		t.Fatalf("expected joinChat after reconnect, got %+v", frames[3])
	}
}

func TestSessionEmitIsBestEffortWhenDisconnected(t *testing.T) {
	transport := newFakeTransport()
	session := NewSession(transport, "1")
	session.Start()
	defer session.Stop()

	if ok := session.Emit(EventSendMessage, map[string]string{"id": "42"}); ok {
		t.Fatalf("expected Emit to report failure while disconnected")
	}
	if frames := transport.emittedFrames(); len(frames) != 0 {
		t.Fatalf("expected no frames, got %+v", frames)
	}
}

func TestSessionDispatchesToMatchingSubscribers(t *testing.T) {
	transport := newFakeTransport()
	session := NewSession(transport, "1")
	session.Start()
	defer session.Stop()

	messages := session.Subscribe(KindMessage)
	defer messages.Close()
	statuses := session.Subscribe(KindStatus)
	defer statuses.Close()

	transport.events <- TransportEvent{Type: TransportPush, Event: MessageEvent{
		Message: models.Message{ServerID: "42", ConversationID: "7"},
	}}

	select {
	case event := <-messages.Events():
		if event.(MessageEvent).Message.ServerID != "42" {
			t.Fatalf("unexpected message event: %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message event")
	}

	select {
	case event := <-statuses.Events():
		t.Fatalf("status subscriber received foreign event %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	transport := newFakeTransport()
	session := NewSession(transport, "1")
	session.Start()

	sub := session.Subscribe()
	sub.Close()
	sub.Close()

	// Stop closes remaining subscriptions; the already-closed one must not
	// panic on double close.
	session.Stop()
}

func TestSubscriptionCloseRacesDispatchSafely(t *testing.T) {
	transport := newFakeTransport()
	session := NewSession(transport, "1")
	session.Start()
	defer session.Stop()

	// Flood the session with pushes while subscribers churn; a Close landing
	// mid-dispatch must never panic the session loop.
	stop := make(chan struct{})
	var flood sync.WaitGroup
	flood.Add(1)
	go func() {
		defer flood.Done()
		for {
			select {
			case <-stop:
				return
			case transport.events <- TransportEvent{Type: TransportPush, Event: MessageEvent{
				Message: models.Message{ServerID: "42", ConversationID: "7"},
			}}:
			}
		}
	}()

	var churn sync.WaitGroup
	for i := 0; i < 8; i++ {
		churn.Add(1)
		go func() {
			defer churn.Done()
			for j := 0; j < 200; j++ {
				sub := session.Subscribe(KindMessage)
				select {
				case <-sub.Events():
				default:
				}
				sub.Close()
			}
		}()
	}

	churn.Wait()
	close(stop)
	flood.Wait()
}

func TestSessionJoinsRoomsWhenTransportAlreadyConnected(t *testing.T) {
	transport := newFakeTransport()
	transport.mu.Lock()
	transport.connected = true
	transport.mu.Unlock()

	session := NewSession(transport, "9")
	session.Start()
	defer session.Stop()

	frames := waitForFrames(t, transport, 1)
	if frames[0].Event != EventJoinUserRoom || frames[0].Payload != "9" {
		t.Fatalf("expected immediate joinUserRoom, got %+v", frames[0])
	}
}
