package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dbsmedya/goscrape/internal/types"
)

// ErrFrontierClosed is returned by frontier calls made after Close.
var ErrFrontierClosed = errors.New("frontier closed")

// FrontierStats is a point-in-time view of a frontier.
type FrontierStats struct {
	Queued    int // keys waiting to be handed out
	Active    int // keys handed out and not yet completed
	Completed int // keys completed
	Enqueued  int // keys ever enqueued, seeds included
	Records   int // records collected
}

// Frontier is the shared work queue of a discovery stage.
//
// A single goroutine owns the queue, the active counter and the collected
// records. Workers talk to it over channels, so handing out a key and
// counting it active happen in one step, as do enqueuing the keys a worker
// discovered and releasing it. The frontier is drained when the queue is
// empty and no key is active; from then on Next reports done.
type Frontier struct {
	poll time.Duration

	nextCh     chan *nextRequest
	withdrawCh chan *nextRequest
	completeCh chan completeRequest
	releaseCh  chan string
	statsCh    chan chan FrontierStats
	recordsCh  chan chan []types.Record
	quit       chan struct{}
	stopped    chan struct{}
	closeOnce  sync.Once
}

type nextResponse struct {
	key       string
	ok        bool // a key was handed out
	withdrawn bool
}

type nextRequest struct {
	reply chan nextResponse
}

type completeRequest struct {
	next    []string
	records []types.Record
	ack     chan struct{}
}

// frontierState is owned by the actor goroutine.
type frontierState struct {
	queue     []string
	waiters   []*nextRequest
	records   []types.Record
	active    int
	completed int
	enqueued  int
}

// NewFrontier starts a frontier seeded with keys. Seeds must already be
// claimed in the run's VisitedSet. pollInterval bounds how long Next waits
// before re-checking its context; zero means 100ms.
func NewFrontier(seeds []string, pollInterval time.Duration) *Frontier {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	f := &Frontier{
		poll:       pollInterval,
		nextCh:     make(chan *nextRequest),
		withdrawCh: make(chan *nextRequest),
		completeCh: make(chan completeRequest),
		releaseCh:  make(chan string),
		statsCh:    make(chan chan FrontierStats),
		recordsCh:  make(chan chan []types.Record),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}

	st := &frontierState{}
	st.queue = append(st.queue, seeds...)
	st.enqueued = len(seeds)

	go f.loop(st)
	return f
}

func (f *Frontier) loop(st *frontierState) {
	defer close(f.stopped)

	for {
		select {
		case req := <-f.nextCh:
			st.waiters = append(st.waiters, req)

		case req := <-f.withdrawCh:
			for i, w := range st.waiters {
				if w == req {
					st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
					req.reply <- nextResponse{withdrawn: true}
					break
				}
			}
			// Otherwise the request was already answered and its reply is buffered.

		case c := <-f.completeCh:
			st.queue = append(st.queue, c.next...)
			st.enqueued += len(c.next)
			st.records = append(st.records, c.records...)
			st.active--
			st.completed++
			close(c.ack)

		case key := <-f.releaseCh:
			st.queue = append([]string{key}, st.queue...)
			st.active--

		case reply := <-f.statsCh:
			reply <- FrontierStats{
				Queued:    len(st.queue),
				Active:    st.active,
				Completed: st.completed,
				Enqueued:  st.enqueued,
				Records:   len(st.records),
			}

		case reply := <-f.recordsCh:
			out := make([]types.Record, len(st.records))
			copy(out, st.records)
			reply <- out

		case <-f.quit:
			for _, w := range st.waiters {
				w.reply <- nextResponse{}
			}
			return
		}

		st.serve()
	}
}

// serve hands queued keys to parked requests, or releases them all once drained.
func (st *frontierState) serve() {
	for len(st.waiters) > 0 && len(st.queue) > 0 {
		w := st.waiters[0]
		st.waiters = st.waiters[1:]
		key := st.queue[0]
		st.queue = st.queue[1:]
		st.active++
		w.reply <- nextResponse{key: key, ok: true}
	}
	if len(st.queue) == 0 && st.active == 0 {
		for _, w := range st.waiters {
			w.reply <- nextResponse{}
		}
		st.waiters = nil
	}
}

// Next hands out the next key and counts it active. It blocks while the
// queue is empty but other keys are still active, and returns ok=false once
// the frontier is drained. A key handed out to a cancelled caller is put back.
func (f *Frontier) Next(ctx context.Context) (key string, ok bool, err error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}

		req := &nextRequest{reply: make(chan nextResponse, 1)}
		select {
		case f.nextCh <- req:
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-f.stopped:
			return "", false, ErrFrontierClosed
		}

		timer := time.NewTimer(f.poll)
		select {
		case resp := <-req.reply:
			timer.Stop()
			return f.settle(ctx, resp)
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}

		select {
		case f.withdrawCh <- req:
		case <-f.stopped:
			return "", false, ErrFrontierClosed
		}
		if resp := <-req.reply; !resp.withdrawn {
			return f.settle(ctx, resp)
		}
	}
}

func (f *Frontier) settle(ctx context.Context, resp nextResponse) (string, bool, error) {
	if !resp.ok {
		return "", false, nil
	}
	if err := ctx.Err(); err != nil {
		f.release(resp.key)
		return "", false, err
	}
	return resp.key, true, nil
}

func (f *Frontier) release(key string) {
	select {
	case f.releaseCh <- key:
	case <-f.stopped:
	}
}

// Complete enqueues the keys discovered from an active key, stores its
// records and stops counting it active. next must already be claimed.
func (f *Frontier) Complete(next []string, records []types.Record) error {
	req := completeRequest{next: next, records: records, ack: make(chan struct{})}
	select {
	case f.completeCh <- req:
	case <-f.stopped:
		return ErrFrontierClosed
	}
	<-req.ack
	return nil
}

// Stats returns the current counters.
func (f *Frontier) Stats() FrontierStats {
	reply := make(chan FrontierStats, 1)
	select {
	case f.statsCh <- reply:
		return <-reply
	case <-f.stopped:
		return FrontierStats{}
	}
}

// Records returns a copy of the records collected so far.
func (f *Frontier) Records() []types.Record {
	reply := make(chan []types.Record, 1)
	select {
	case f.recordsCh <- reply:
		return <-reply
	case <-f.stopped:
		return nil
	}
}

// Close stops the frontier goroutine. Parked callers see done.
func (f *Frontier) Close() {
	f.closeOnce.Do(func() { close(f.quit) })
	<-f.stopped
}
