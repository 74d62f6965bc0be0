// Package conversations keeps the conversation list fresh without hammering
// the server: bursts of refresh triggers coalesce into one debounced fetch,
// and fetches are spaced out from each other. Correctness comes from
// re-fetching the whole list, not from patching it.
package conversations

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"cipherchat/models"
)

const (
	// DefaultDebounceDelay coalesces a burst of triggers into one fetch.
	DefaultDebounceDelay = 500 * time.Millisecond
	// DefaultMinFetchSpacing is measured from the last initiated fetch; a
	// trigger arriving sooner is dropped rather than re-scheduled.
	DefaultMinFetchSpacing = time.Second
)

// Fetcher fetches the full conversation list from the server.
type Fetcher func(ctx context.Context) ([]models.Conversation, error)

// Options configures a Sync.
type Options struct {
	Fetch Fetcher

	DebounceDelay   time.Duration
	MinFetchSpacing time.Duration

	// Clock is injectable for tests; nil uses the wall clock.
	Clock Clock

	// OnChange is called after the list or the error state changes.
	OnChange func()
}

func (o Options) withDefaults() Options {
	out := o
	if out.DebounceDelay <= 0 {
		out.DebounceDelay = DefaultDebounceDelay
	}
	if out.MinFetchSpacing <= 0 {
		out.MinFetchSpacing = DefaultMinFetchSpacing
	}
	if out.Clock == nil {
		out.Clock = SystemClock()
	}
	return out
}

// Sync owns the conversation list. Each successful fetch replaces the list
// wholesale; a fetch failure keeps the last-known-good list and surfaces a
// non-blocking error state.
type Sync struct {
	options Options

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	conversations  []models.Conversation
	lastErr        error
	inFlight       bool
	lastFetchStart time.Time
	debounce       Timer
}

// NewSync creates a Sync; Close releases its scheduler.
func NewSync(options Options) (*Sync, error) {
	if options.Fetch == nil {
		return nil, errors.New("conversations: fetch function is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Sync{
		options: options.withDefaults(),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Close cancels any scheduled fetch.
func (s *Sync) Close() {
	s.cancel()

	s.mu.Lock()
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	s.mu.Unlock()
}

// RequestRefresh schedules a debounced fetch. Triggers inside the minimum
// spacing window of the last initiated fetch are dropped; a trigger that
// finds a fetch already in flight when its timer fires is skipped, not
// queued — the next trigger reschedules.
func (s *Sync) RequestRefresh(reason string) {
	now := s.options.Clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastFetchStart.IsZero() && now.Sub(s.lastFetchStart) < s.options.MinFetchSpacing {
		log.Printf("conversations: refresh (%s) dropped, too soon after last fetch", reason)
		return
	}

	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = s.options.Clock.AfterFunc(s.options.DebounceDelay, s.debounceFired)
}

// RefreshNow fetches immediately, bypassing the debounce but still counting
// as an initiated fetch for the spacing rule. Used for the initial load.
func (s *Sync) RefreshNow(ctx context.Context) error {
	if !s.beginFetch() {
		return nil
	}
	return s.fetch(ctx)
}

// Conversations returns the current list snapshot.
func (s *Sync) Conversations() []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Conversation(nil), s.conversations...)
}

// Err returns the error state of the most recent fetch, nil after success.
// A failed fetch never clears the last-known-good list.
func (s *Sync) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Search filters the already-fetched list by participant name or email,
// case-insensitively. It never triggers a fetch.
func (s *Sync) Search(query string) []models.Conversation {
	all := s.Conversations()

	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return all
	}

	out := make([]models.Conversation, 0, len(all))
	for _, conversation := range all {
		name := strings.ToLower(conversation.Participant.Name)
		email := strings.ToLower(conversation.Participant.Email)
		if strings.Contains(name, needle) || strings.Contains(email, needle) {
			out = append(out, conversation)
		}
	}
	return out
}

func (s *Sync) debounceFired() {
	if !s.beginFetch() {
		return
	}
	if err := s.fetch(s.ctx); err != nil {
		log.Printf("conversations: refresh failed: %v", err)
	}
}

// beginFetch applies the in-flight guard and stamps the initiation time.
func (s *Sync) beginFetch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight {
		return false
	}
	s.inFlight = true
	s.lastFetchStart = s.options.Clock.Now()
	return true
}

func (s *Sync) fetch(ctx context.Context) error {
	list, err := s.options.Fetch(ctx)

	s.mu.Lock()
	s.inFlight = false
	if err != nil {
		s.lastErr = err
	} else {
		s.lastErr = nil
		s.conversations = list
	}
	s.mu.Unlock()

	if s.options.OnChange != nil {
		s.options.OnChange()
	}
	return err
}
