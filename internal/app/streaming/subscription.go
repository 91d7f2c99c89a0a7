package streaming

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ahrav/scanline/internal/domain/scanning"
)

// Subscription is one viewer's stream of snapshots for a job. Snapshots
// arrive on C() in strictly increasing revision order and the channel is
// closed right after the terminal snapshot, on Close, or when the broker
// shuts down.
type Subscription struct {
	jobID  uuid.UUID
	broker *Broker
	out    chan scanning.Snapshot

	mu      sync.Mutex
	queue   []scanning.Snapshot
	size    int
	lastRev int64
	ended   bool // a terminal snapshot was queued

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	stopCtx   func() bool
}

func newSubscription(b *Broker, jobID uuid.UUID, size int) *Subscription {
	return &Subscription{
		jobID:  jobID,
		broker: b,
		out:    make(chan scanning.Snapshot),
		queue:  make([]scanning.Snapshot, 0, size),
		size:   size,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// closeWith ends the subscription when ctx is done.
func (s *Subscription) closeWith(ctx context.Context) {
	stop := context.AfterFunc(ctx, s.Close)
	s.mu.Lock()
	s.stopCtx = stop
	s.mu.Unlock()

	select {
	case <-s.done:
		stop()
	default:
	}
}

// JobID returns the job this subscription follows.
func (s *Subscription) JobID() uuid.UUID { return s.jobID }

// C returns the delivery channel.
func (s *Subscription) C() <-chan scanning.Snapshot { return s.out }

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		stop := s.stopCtx
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
		s.broker.remove(s)
	})
}

// enqueue adds snap unless it is not newer than the last queued revision
// or the stream already ended. A full queue drops its oldest entry, which
// is never terminal since nothing is queued after a terminal snapshot.
func (s *Subscription) enqueue(ctx context.Context, snap scanning.Snapshot) {
	s.mu.Lock()
	if s.ended || snap.Revision <= s.lastRev {
		s.mu.Unlock()
		return
	}

	dropped := false
	if len(s.queue) >= s.size {
		s.queue = append(s.queue[:0], s.queue[1:]...)
		dropped = true
	}
	s.queue = append(s.queue, snap)
	s.lastRev = snap.Revision
	s.ended = snap.IsTerminal()
	s.mu.Unlock()

	if dropped {
		s.broker.metrics.IncDropped(ctx)
	}

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() (scanning.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return scanning.Snapshot{}, false
	}
	snap := s.queue[0]
	s.queue = append(s.queue[:0], s.queue[1:]...)
	return snap, true
}

// deliver is the subscription's delivery goroutine. It is the only writer
// to out and the only one that closes it.
func (s *Subscription) deliver() {
	defer s.broker.wg.Done()
	defer close(s.out)

	for {
		snap, ok := s.next()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- snap:
			if snap.IsTerminal() {
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}
