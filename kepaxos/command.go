package kepaxos

import (
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

type commandStatus uint8

const (
	statusNone commandStatus = iota
	statusPreAccepted
	statusAccepted
	statusCommitted
)

type ballotVote struct {
	peer   string
	seq    uint64
	ballot uint64
}

// command is the in-flight agreement state for one key. The table owns
// the command; removal hands ownership to whoever removed it. A blocked
// submitter holds the done channel, closed exactly once when the command
// is destroyed, instead of the mutex/condition pair the protocol was
// first written with.
type command struct {
	mutex sync.Mutex

	ctype  uint8
	key    []byte
	data   []byte
	status commandStatus
	seq    uint64
	ballot uint64

	votes           []ballotVote
	maxSeq          uint64
	maxVoter        string
	maxSeqCommitted bool

	timestamp time.Time
	timeout   time.Duration
	waiting   bool

	done chan struct{}
	once sync.Once
}

func makeCommand(ctype uint8, key, data []byte, timeout time.Duration) *command {
	return &command{
		ctype:     ctype,
		key:       append([]byte(nil), key...),
		data:      append([]byte(nil), data...),
		timestamp: time.Now(),
		timeout:   timeout,
		done:      make(chan struct{}),
	}
}

func (cmd *command) destroy() {
	cmd.once.Do(func() {
		close(cmd.done)
	})
}

func (cmd *command) expired(now time.Time) bool {
	cmd.mutex.Lock()
	defer cmd.mutex.Unlock()
	return cmd.timeout > 0 && now.After(cmd.timestamp.Add(cmd.timeout))
}

// commandTable maps keys to their single active command. The map is
// sharded and internally synchronized, so single-entry operations do not
// need the replica lock.
type commandTable struct {
	entries cmap.ConcurrentMap[string, *command]
}

func makeCommandTable() *commandTable {
	return &commandTable{entries: cmap.New[*command]()}
}

func (table *commandTable) Get(key []byte) (*command, bool) {
	return table.entries.Get(string(key))
}

func (table *commandTable) Set(key []byte, cmd *command) {
	table.entries.Set(string(key), cmd)
}

// Replace installs cmd for key and returns the command it evicted, if
// any. The swap is atomic: no interleaved reader observes the key empty.
func (table *commandTable) Replace(key []byte, cmd *command) *command {
	var previous *command
	table.entries.Upsert(string(key), cmd, func(exists bool, current, incoming *command) *command {
		if exists {
			previous = current
		}
		return incoming
	})
	return previous
}

// Remove deletes the entry only if it still holds cmd, and reports
// whether the caller now owns it.
func (table *commandTable) Remove(key []byte, cmd *command) bool {
	return table.entries.RemoveCb(string(key), func(_ string, current *command, exists bool) bool {
		return exists && current == cmd
	})
}

func (table *commandTable) Each(block func(key string, cmd *command)) {
	for item := range table.entries.IterBuffered() {
		block(item.Key, item.Val)
	}
}
