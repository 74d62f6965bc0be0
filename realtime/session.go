package realtime

import (
	"log"
	"sync"
)

// Session binds one logical user to a push-channel transport. It joins the
// per-user room on every successful (re)connect, re-joins the open
// conversation room too (room membership does not survive a reconnect), and
// fans decoded push events out to subscribers.
type Session struct {
	transport Transport
	userID    string

	mu                 sync.Mutex
	openConversationID string
	subscribers        map[*Subscription]struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Subscription is an explicit handle for one push-event consumer. Closing it
// is safe on every exit path and more than once.
type Subscription struct {
	session *Session
	kinds   map[Kind]struct{}
	events  chan Event

	closeOnce sync.Once
}

// Events delivers matching push events in arrival order.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close detaches the subscription and closes its event channel.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.session.unsubscribe(s)
		close(s.events)
	})
}

func (s *Subscription) wants(kind Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// NewSession creates a session for one logical user over a transport.
func NewSession(transport Transport, userID string) *Session {
	return &Session{
		transport:   transport,
		userID:      userID,
		subscribers: make(map[*Subscription]struct{}),
		done:        make(chan struct{}),
	}
}

// Start begins consuming the transport's event stream.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		// The transport may already be connected by the time the session
		// attaches; rooms must be joined for that connection too.
		if s.transport.Connected() {
			s.joinRooms()
		}

		s.wg.Add(1)
		go s.loop()
	})
}

// Stop detaches from the transport stream and closes all subscriptions.
// It does not close the transport itself; the transport outlives the login
// session only if its owner wants it to.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		s.mu.Lock()
		subscribers := make([]*Subscription, 0, len(s.subscribers))
		for sub := range s.subscribers {
			subscribers = append(subscribers, sub)
		}
		s.mu.Unlock()

		for _, sub := range subscribers {
			sub.Close()
		}
	})
}

// Subscribe returns a handle delivering events of the given kinds; with no
// kinds it delivers everything.
func (s *Session) Subscribe(kinds ...Kind) *Subscription {
	sub := &Subscription{
		session: s,
		kinds:   make(map[Kind]struct{}, len(kinds)),
		events:  make(chan Event, 64),
	}
	for _, kind := range kinds {
		sub.kinds[kind] = struct{}{}
	}

	s.mu.Lock()
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	return sub
}

// JoinConversation marks a conversation as open and joins its room when the
// channel is up. The room is re-joined automatically on every reconnect.
func (s *Session) JoinConversation(conversationID string) {
	s.mu.Lock()
	s.openConversationID = conversationID
	s.mu.Unlock()

	if conversationID != "" {
		s.Emit(EventJoinChat, map[string]string{"conversationId": conversationID})
	}
}

// LeaveConversation clears the open conversation.
func (s *Session) LeaveConversation() {
	s.mu.Lock()
	s.openConversationID = ""
	s.mu.Unlock()
}

// Emit sends one event best-effort. It returns false, without escalating,
// when the channel is down; callers never block the authoritative send path
// on realtime delivery.
func (s *Session) Emit(event string, payload any) bool {
	if err := s.transport.Emit(event, payload); err != nil {
		log.Printf("realtime: emit %q skipped: %v", event, err)
		return false
	}
	return true
}

func (s *Session) loop() {
	defer s.wg.Done()

	events := s.transport.Events()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			s.handleTransportEvent(event)
		case <-s.done:
			return
		}
	}
}

func (s *Session) handleTransportEvent(event TransportEvent) {
	switch event.Type {
	case TransportConnected:
		s.joinRooms()
	case TransportDisconnected:
		// Reconnection is the transport's responsibility.
	case TransportPush:
		if event.Event == nil {
			return
		}
		s.dispatch(event.Event)
	}
}

func (s *Session) joinRooms() {
	s.Emit(EventJoinUserRoom, s.userID)

	s.mu.Lock()
	conversationID := s.openConversationID
	s.mu.Unlock()
	if conversationID != "" {
		s.Emit(EventJoinChat, map[string]string{"conversationId": conversationID})
	}
}

// dispatch delivers one event to every matching subscriber. Sends happen
// under mu: Close removes the subscription under the same lock before closing
// its channel, so a send can never race a concurrent Close.
func (s *Session) dispatch(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sub := range s.subscribers {
		if !sub.wants(event.EventKind()) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			log.Printf("realtime: dropping %s event for slow subscriber", event.EventKind())
		}
	}
}

func (s *Session) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	delete(s.subscribers, sub)
	s.mu.Unlock()
}
