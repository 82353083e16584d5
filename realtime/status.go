package realtime

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"board-api/domain"
)

// StatusStore records the coarse online status of a user.
type StatusStore interface {
	SetUserStatus(ctx context.Context, userID string, status domain.UserStatus) error
}

type statusJob struct {
	userID string
	status domain.UserStatus
}

// StatusSender updates user status in the background. Updates are best
// effort: a saturated queue drops them and store failures are only logged.
type StatusSender struct {
	store   StatusStore
	log     *log.Logger
	jobs    chan statusJob
	timeout time.Duration
	handoff time.Duration
	wg      sync.WaitGroup
	once    sync.Once
}

// StatusOptions sizes the sender.
type StatusOptions struct {
	Workers int
	Buffer  int
	Timeout time.Duration
	Handoff time.Duration
}

// NewStatusSender starts the workers. A nil store yields a nil sender whose
// methods do nothing.
func NewStatusSender(store StatusStore, opts StatusOptions, logger *log.Logger) *StatusSender {
	if store == nil {
		return nil
	}
	if logger == nil {
		panic("Logger is not initialized")
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	s := &StatusSender{
		store:   store,
		log:     logger,
		jobs:    make(chan statusJob, opts.Buffer),
		timeout: opts.Timeout,
		handoff: opts.Handoff,
	}
	for i := 0; i < opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	logger.Infof("status sender started, workers: %d, buffer: %d, timeout: %v", opts.Workers, opts.Buffer, opts.Timeout)
	return s
}

func (s *StatusSender) worker(id int) {
	defer s.wg.Done()
	for j := range s.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := s.store.SetUserStatus(ctx, j.userID, j.status)
		cancel()
		if err != nil {
			s.log.Warnf("status update failed, err: %v, user: %s, status: %s, worker: %d", err, j.userID, j.status, id)
		}
	}
}

// Submit queues a status update and reports whether it was accepted.
func (s *StatusSender) Submit(userID string, status domain.UserStatus) bool {
	if s == nil || userID == "" {
		return false
	}
	job := statusJob{userID: userID, status: status}
	if ok, closed := s.trySend(job, nil); ok || closed {
		return ok
	}
	if s.handoff > 0 {
		timer := time.NewTimer(s.handoff)
		defer timer.Stop()
		if ok, _ := s.trySend(job, timer.C); ok {
			return true
		}
	}
	s.log.Warnf("status queue saturated; dropping update for user %s", userID)
	return false
}

// trySend sends without blocking when timer is nil, otherwise until timer
// fires. Sending on a closed queue reports closed instead of panicking.
func (s *StatusSender) trySend(job statusJob, timer <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()
	if timer == nil {
		select {
		case s.jobs <- job:
			return true, false
		default:
			return false, false
		}
	}
	select {
	case s.jobs <- job:
		return true, false
	case <-timer:
		return false, false
	}
}

// Close stops accepting updates and waits for queued ones to finish.
func (s *StatusSender) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() { close(s.jobs) })
	s.wg.Wait()
}
