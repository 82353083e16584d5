package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// recorder is a Sender that keeps every frame it accepts.
type recorder struct {
	mu     sync.Mutex
	frames [][]byte
	full   bool
}

func (r *recorder) Send(frame []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return false
	}
	r.frames = append(r.frames, frame)
	return true
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

type fakeRelay struct {
	mu   sync.Mutex
	msgs []RoomMessage
	err  error
}

func (f *fakeRelay) Publish(_ context.Context, msg RoomMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return f.err
}

func TestHubDeliverExcludesAndSkipsOtherRooms(t *testing.T) {
	logger, _ := test.NewNullLogger()
	h := NewHub(nil, logger)
	a, b, other := &recorder{}, &recorder{}, &recorder{}
	h.Attach("ws", "a", a)
	h.Attach("ws", "b", b)
	h.Attach("elsewhere", "c", other)

	if n := h.Deliver("ws", "a", []byte("x")); n != 1 {
		t.Fatalf("delivered to %d", n)
	}
	if a.count() != 0 || b.count() != 1 || other.count() != 0 {
		t.Fatalf("a=%d b=%d other=%d", a.count(), b.count(), other.count())
	}

	h.Detach("ws", "b")
	if h.Size("ws") != 1 {
		t.Fatalf("size = %d", h.Size("ws"))
	}
}

func TestHubLogsSlowConnection(t *testing.T) {
	logger, hook := test.NewNullLogger()
	h := NewHub(nil, logger)
	h.Attach("ws", "slow", &recorder{full: true})
	if n := h.Deliver("ws", "", []byte("x")); n != 0 {
		t.Fatalf("delivered to %d", n)
	}
	if e := hook.LastEntry(); e == nil || e.Level != logrus.WarnLevel {
		t.Fatalf("expected warning, got %+v", e)
	}
}

func TestHubBroadcastRelays(t *testing.T) {
	logger, hook := test.NewNullLogger()
	relay := &fakeRelay{err: errors.New("redis down")}
	h := NewHub(relay, logger)
	local := &recorder{}
	h.Attach("ws", "a", local)

	h.Broadcast(context.Background(), "ws", "b", []byte("frame"))
	if local.count() != 1 {
		t.Fatalf("local delivery missing")
	}
	if len(relay.msgs) != 1 || relay.msgs[0].WorkspaceID != "ws" || relay.msgs[0].Exclude != "b" {
		t.Fatalf("relay got %+v", relay.msgs)
	}
	if e := hook.LastEntry(); e == nil || e.Level != logrus.ErrorLevel {
		t.Fatalf("relay failure not logged")
	}
}

func TestRedisFanoutRelaysBetweenInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	logger, _ := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const channel = "board:test"
	newInstance := func() (*RedisFanout, *Hub, *recorder) {
		rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rc.Close() })
		f := NewRedisFanout(rc, channel, logger)
		h := NewHub(f, logger)
		r := &recorder{}
		h.Attach("ws", "conn-"+f.instance, r)
		go f.Run(ctx, func(ws, exclude string, frame []byte) { h.Deliver(ws, exclude, frame) })
		return f, h, r
	}
	_, hubA, localA := newInstance()
	_, _, remoteB := newInstance()

	deadline := time.Now().Add(2 * time.Second)
	for mr.PubSubNumSub(channel)[channel] < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers did not attach")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hubA.Broadcast(ctx, "ws", "", []byte(`{"event":"card:moved"}`))

	for remoteB.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("frame was not relayed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if localA.count() != 1 {
		t.Fatalf("origin instance delivered %d frames, want 1", localA.count())
	}
	if string(remoteB.frames[0]) != `{"event":"card:moved"}` {
		t.Fatalf("frame = %s", remoteB.frames[0])
	}
}
