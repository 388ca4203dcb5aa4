package kepaxos

import (
	"testing"
	"time"
)

func TestCommandTableReplaceEvicts(t *testing.T) {
	var table = makeCommandTable()
	var key = []byte("k")
	var first = makeCommand(0x00, key, nil, time.Second)
	if previous := table.Replace(key, first); previous != nil {
		t.Fatal("fresh key evicted something")
	}
	var second = makeCommand(0x00, key, nil, time.Second)
	var previous = table.Replace(key, second)
	if previous != first {
		t.Fatal("replace did not hand back the evicted command")
	}
	previous.destroy()
	select {
	case <-first.done:
	default:
		t.Fatal("evicted command's waiter was not woken")
	}
	current, present := table.Get(key)
	if !present || current != second {
		t.Fatal("table does not hold the new command")
	}
}

func TestCommandTableRemoveIsConditional(t *testing.T) {
	var table = makeCommandTable()
	var key = []byte("k")
	var installed = makeCommand(0x00, key, nil, time.Second)
	table.Set(key, installed)

	var stranger = makeCommand(0x00, key, nil, time.Second)
	if table.Remove(key, stranger) {
		t.Fatal("removed an entry it did not own")
	}
	if !table.Remove(key, installed) {
		t.Fatal("owner could not remove its entry")
	}
	if table.Remove(key, installed) {
		t.Fatal("double remove succeeded")
	}
}

func TestCommandDestroyIsIdempotent(t *testing.T) {
	var cmd = makeCommand(0x00, []byte("k"), nil, time.Second)
	cmd.destroy()
	cmd.destroy()
	select {
	case <-cmd.done:
	default:
		t.Fatal("done channel still open")
	}
}

func TestCommandExpiry(t *testing.T) {
	var cmd = makeCommand(0x00, []byte("k"), nil, 100*time.Millisecond)
	if cmd.expired(time.Now()) {
		t.Fatal("expired at birth")
	}
	if !cmd.expired(time.Now().Add(200 * time.Millisecond)) {
		t.Fatal("not expired past the timeout")
	}
	// zero timeout disables expiry
	var pinned = makeCommand(0x00, []byte("k"), nil, 0)
	if pinned.expired(time.Now().Add(time.Hour)) {
		t.Fatal("zero timeout should never expire")
	}
}
