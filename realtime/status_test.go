package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"board-api/domain"
)

type statusRecorder struct {
	mu      sync.Mutex
	updates map[string]domain.UserStatus
	err     error
	block   chan struct{}
}

func newStatusRecorder() *statusRecorder {
	return &statusRecorder{updates: map[string]domain.UserStatus{}}
}

func (s *statusRecorder) SetUserStatus(ctx context.Context, userID string, status domain.UserStatus) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[userID] = status
	return s.err
}

func (s *statusRecorder) get(userID string) domain.UserStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates[userID]
}

func TestStatusSenderAppliesUpdates(t *testing.T) {
	logger, _ := test.NewNullLogger()
	store := newStatusRecorder()
	s := NewStatusSender(store, StatusOptions{Workers: 2, Buffer: 8}, logger)
	if !s.Submit("alice", domain.StatusActive) {
		t.Fatalf("submit rejected")
	}
	s.Close()
	if got := store.get("alice"); got != domain.StatusActive {
		t.Fatalf("status = %q", got)
	}
	if s.Submit("alice", domain.StatusOffline) {
		t.Fatalf("submit after close accepted")
	}
}

func TestStatusSenderSwallowsStoreErrors(t *testing.T) {
	logger, hook := test.NewNullLogger()
	store := newStatusRecorder()
	store.err = errors.New("profile store down")
	s := NewStatusSender(store, StatusOptions{Workers: 1, Buffer: 1}, logger)
	s.Submit("alice", domain.StatusOffline)
	s.Close()
	if e := hook.LastEntry(); e == nil || e.Level != logrus.WarnLevel {
		t.Fatalf("expected warning, got %+v", e)
	}
}

func TestStatusSenderDropsWhenSaturated(t *testing.T) {
	logger, _ := test.NewNullLogger()
	store := newStatusRecorder()
	store.block = make(chan struct{})
	s := NewStatusSender(store, StatusOptions{Workers: 1, Buffer: 1, Handoff: time.Millisecond}, logger)

	accepted := 0
	for i := 0; i < 5; i++ {
		if s.Submit("alice", domain.StatusActive) {
			accepted++
		}
	}
	close(store.block)
	s.Close()
	if accepted < 1 || accepted > 2 {
		t.Fatalf("accepted %d updates with one worker and a one slot queue", accepted)
	}
}

func TestNilStatusSenderIsInert(t *testing.T) {
	s := NewStatusSender(nil, StatusOptions{}, nil)
	if s.Submit("alice", domain.StatusActive) {
		t.Fatalf("nil sender accepted")
	}
	s.Close()
}
