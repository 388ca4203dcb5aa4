package kepaxos

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRecovererPullsAndApplies(t *testing.T) {
	replica, reason := MakeReplica(Config{
		DBFile:  filepath.Join(t.TempDir(), "kepaxos.db"),
		Peers:   []string{"node1", "node2"},
		Index:   0,
		Timeout: time.Second,
		Logger:  func(string, ...interface{}) {},
	}, Callbacks{
		Send:   func([]string, []byte) error { return nil },
		Commit: func(uint8, []byte, []byte, bool) error { return nil },
	})
	if reason != nil {
		t.Fatal(reason)
	}
	defer replica.Close()

	var asked = make(chan RecoveryJob, 1)
	var recoverer = MakeRecoverer(replica, func(job RecoveryJob) (uint64, uint64, error) {
		asked <- job
		return MakeBallot(5, 1), 9, nil
	})
	defer recoverer.Close()

	recoverer.Recover("node2", []byte("behind"), 9, MakeBallot(5, 1))
	select {
	case job := <-asked:
		if job.Peer != "node2" || string(job.Key) != "behind" {
			t.Fatalf("fetched %q from %s", job.Key, job.Peer)
		}
	case <-time.After(time.Second):
		t.Fatal("recoverer never fetched")
	}
	var deadline = time.Now().Add(time.Second)
	for replica.Seq([]byte("behind")) != 9 {
		if time.Now().After(deadline) {
			t.Fatalf("recovered pair never reached the log, seq is %d", replica.Seq([]byte("behind")))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecovererDedupesPendingKeys(t *testing.T) {
	replica, reason := MakeReplica(Config{
		DBFile:  filepath.Join(t.TempDir(), "kepaxos.db"),
		Peers:   []string{"node1", "node2"},
		Index:   0,
		Timeout: time.Second,
		Logger:  func(string, ...interface{}) {},
	}, Callbacks{
		Send:   func([]string, []byte) error { return nil },
		Commit: func(uint8, []byte, []byte, bool) error { return nil },
	})
	if reason != nil {
		t.Fatal(reason)
	}
	defer replica.Close()

	var gate = make(chan struct{})
	var fetches = make(chan struct{}, 8)
	var recoverer = MakeRecoverer(replica, func(job RecoveryJob) (uint64, uint64, error) {
		fetches <- struct{}{}
		<-gate
		return 0, 0, ErrStaleMessage
	})
	defer recoverer.Close()

	recoverer.Recover("node2", []byte("dup"), 1, MakeBallot(1, 1))
	<-fetches
	// while the first fetch is in flight the key is no longer pending,
	// so a second report queues exactly one more job
	recoverer.Recover("node2", []byte("dup"), 1, MakeBallot(1, 1))
	recoverer.Recover("node2", []byte("dup"), 1, MakeBallot(1, 1))
	close(gate)
	<-fetches
	select {
	case <-fetches:
		t.Fatal("duplicate report queued a third fetch")
	case <-time.After(200 * time.Millisecond):
	}
}
