package kepaxos

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// RecoveryJob asks for the committed (ballot, seq) of one key, pulled
// from the peer that was driving the stalled command.
type RecoveryJob struct {
	Peer     string
	Key      []byte
	Seq      uint64
	Ballot   uint64
	Deadline time.Time
}

// Fetch pulls the authoritative pair for a job's key from the named
// peer. The harness implements it over whatever side channel it has; on
// success the recoverer feeds the pair back through Replica.Recovered.
type Fetch func(job RecoveryJob) (ballot uint64, seq uint64, err error)

// Recoverer is a first-party consumer for the recover callback: jobs are
// queued earliest deadline first, deduplicated by key, and worked off by
// a single background goroutine.
type Recoverer struct {
	replica *Replica
	fetch   Fetch
	jobs    Queue[RecoveryJob]

	lock    sync.Mutex
	pending map[string]struct{}

	quit atomic.Bool
	done sync.WaitGroup
}

func MakeRecoverer(replica *Replica, fetch Fetch) *Recoverer {
	var recoverer = &Recoverer{
		replica: replica,
		fetch:   fetch,
		jobs: NewPriorityBlockingQueue[RecoveryJob](func(a, b RecoveryJob) bool {
			return a.Deadline.Before(b.Deadline)
		}),
		pending: make(map[string]struct{}),
	}
	recoverer.done.Add(1)
	go recoverer.run()
	return recoverer
}

// Recover matches the Callbacks.Recover signature.
func (recoverer *Recoverer) Recover(peer string, key []byte, seq, ballot uint64) error {
	recoverer.lock.Lock()
	if _, queued := recoverer.pending[string(key)]; queued {
		recoverer.lock.Unlock()
		return nil
	}
	recoverer.pending[string(key)] = struct{}{}
	recoverer.lock.Unlock()
	recoverer.jobs.Offer(RecoveryJob{
		Peer:     peer,
		Key:      append([]byte(nil), key...),
		Seq:      seq,
		Ballot:   ballot,
		Deadline: time.Now(),
	})
	return nil
}

func (recoverer *Recoverer) run() {
	defer recoverer.done.Done()
	for !recoverer.quit.Load() {
		job, present := recoverer.jobs.Poll(100 * time.Millisecond)
		if !present {
			continue
		}
		recoverer.lock.Lock()
		delete(recoverer.pending, string(job.Key))
		recoverer.lock.Unlock()
		ballot, seq, reason := recoverer.fetch(job)
		if reason != nil {
			recoverer.replica.info("recovery of %q from %s failed: %v", job.Key, job.Peer, reason)
			continue
		}
		recoverer.replica.Recovered(job.Key, ballot, seq)
	}
}

func (recoverer *Recoverer) Close() {
	recoverer.quit.Store(true)
	recoverer.done.Wait()
}
