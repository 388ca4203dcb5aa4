package kepaxos

import (
	"fmt"
	"path/filepath"
	"testing"
)

func TestLogSurvivesReopen(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "log.db")
	log, reason := makeCommitLog(path)
	if reason != nil {
		t.Fatal(reason)
	}
	if reason = log.SetLastSeq([]byte("durable"), MakeBallot(2, 1), 5); reason != nil {
		t.Fatal(reason)
	}
	if reason = log.Close(); reason != nil {
		t.Fatal(reason)
	}

	reopened, reason := makeCommitLog(path)
	if reason != nil {
		t.Fatal(reason)
	}
	defer reopened.Close()
	seq, ballot := reopened.LastSeq([]byte("durable"))
	if seq != 5 || ballot != MakeBallot(2, 1) {
		t.Fatalf("reopened log holds (%d, %d)", ballot, seq)
	}
	if reopened.MaxBallot() != MakeBallot(2, 1) {
		t.Fatalf("max ballot lost across reopen: %d", reopened.MaxBallot())
	}
}

func TestLogMissingKey(t *testing.T) {
	log, reason := makeCommitLog(filepath.Join(t.TempDir(), "log.db"))
	if reason != nil {
		t.Fatal(reason)
	}
	defer log.Close()
	seq, ballot := log.LastSeq([]byte("never_committed"))
	if seq != 0 || ballot != 0 {
		t.Fatalf("absent key answered (%d, %d)", ballot, seq)
	}
	if log.MaxBallot() != 0 {
		t.Fatalf("empty log has max ballot %d", log.MaxBallot())
	}
	if entries := log.Diff(0); len(entries) != 0 {
		t.Fatalf("empty log diff has %d entries", len(entries))
	}
}

func TestLogOverwriteKeepsKeysApart(t *testing.T) {
	log, reason := makeCommitLog(filepath.Join(t.TempDir(), "log.db"))
	if reason != nil {
		t.Fatal(reason)
	}
	defer log.Close()
	log.SetLastSeq([]byte("a"), MakeBallot(1, 0), 1)
	log.SetLastSeq([]byte("b"), MakeBallot(2, 0), 1)
	log.SetLastSeq([]byte("a"), MakeBallot(3, 0), 2)

	if seq, _ := log.LastSeq([]byte("a")); seq != 2 {
		t.Fatalf("a is at seq %d", seq)
	}
	if seq, _ := log.LastSeq([]byte("b")); seq != 1 {
		t.Fatalf("b is at seq %d", seq)
	}
	// the overwritten pair must be gone from the ballot index too
	var entries = log.Diff(0)
	if len(entries) != 2 {
		t.Fatalf("diff sees %d entries after an overwrite", len(entries))
	}
	if string(entries[0].Key) != "a" || entries[0].Ballot != MakeBallot(3, 0) {
		t.Fatalf("newest entry is %q at ballot %d", entries[0].Key, entries[0].Ballot)
	}
}

func TestLogDiffThresholdIsStrict(t *testing.T) {
	log, reason := makeCommitLog(filepath.Join(t.TempDir(), "log.db"))
	if reason != nil {
		t.Fatal(reason)
	}
	defer log.Close()
	for i := 1; i <= 4; i++ {
		log.SetLastSeq([]byte(fmt.Sprintf("key%d", i)), MakeBallot(uint64(i), 1), uint64(i))
	}
	var entries = log.Diff(MakeBallot(2, 1))
	if len(entries) != 2 {
		t.Fatalf("expected entries above counter 2, got %d", len(entries))
	}
	for _, entry := range entries {
		if BallotValue(entry.Ballot) <= 2 {
			t.Fatalf("entry %q at counter %d leaked through", entry.Key, BallotValue(entry.Ballot))
		}
	}
	// the replica index inside the threshold ballot is irrelevant
	if len(log.Diff(MakeBallot(2, 255))) != 2 {
		t.Fatal("threshold should compare counters, not whole ballots")
	}
}
