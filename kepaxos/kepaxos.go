package kepaxos

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

const defaultTimeout = 30 * time.Second
const sweepInterval = 50 * time.Millisecond

var ErrTooManyPeers = errors.New("kepaxos: replica groups are capped at 256 peers")
var ErrBadIndex = errors.New("kepaxos: replica index out of range")
var ErrNotCommitted = errors.New("kepaxos: command was not committed")
var ErrBallotExhausted = errors.New("kepaxos: ballot counter exhausted")
var ErrStaleMessage = errors.New("kepaxos: stale ballot or status")
var ErrSuperseded = errors.New("kepaxos: command superseded before commit")

// Callbacks are supplied by the embedder. Send delivers an opaque payload
// to each named recipient, best effort. Commit applies a mutation locally
// and returns nil on success. Recover asynchronously pulls state for a key
// from the named peer; on completion the embedder calls Replica.Recovered.
type Callbacks struct {
	Send    func(recipients []string, payload []byte) error
	Commit  func(ctype uint8, key, data []byte, leader bool) error
	Recover func(peer string, key []byte, seq, ballot uint64) error
}

// CommitErrorPolicy picks what happens when the leader's commit callback
// fails after a quorum was reached.
type CommitErrorPolicy uint8

const (
	// AbortInstance destroys the command without updating the log or
	// broadcasting COMMIT. Peers never learn of the round; the client
	// observes a failure and may retry.
	AbortInstance CommitErrorPolicy = iota
	// BroadcastAnyway records and broadcasts the commit even though the
	// local apply failed, keeping the group's logs aligned at the cost
	// of a locally missed mutation.
	BroadcastAnyway
)

type Config struct {
	DBFile        string
	Peers         []string
	Index         int
	Timeout       time.Duration // zero means 30s
	OnCommitError CommitErrorPolicy
	Logger        func(format string, a ...interface{})
}

// Replica drives key-based egalitarian paxos for one member of a fixed
// peer group. For every key all live members apply the same sequence of
// mutations; ordering across different keys is not coordinated.
type Replica struct {
	peers    []string
	index    int
	clock    *ballotClock
	log      *commitLog
	commands *commandTable
	timeout  time.Duration

	callbacks Callbacks
	policy    CommitErrorPolicy

	mutex sync.Mutex
	quit  atomic.Bool
	swept sync.WaitGroup

	info func(format string, a ...interface{})
}

func MakeReplica(config Config, callbacks Callbacks) (*Replica, error) {
	if len(config.Peers) > 256 {
		return nil, ErrTooManyPeers
	}
	if config.Index < 0 || config.Index >= len(config.Peers) {
		return nil, ErrBadIndex
	}
	commits, reason := makeCommitLog(config.DBFile)
	if reason != nil {
		return nil, fmt.Errorf("opening log %s: %w", config.DBFile, reason)
	}
	var timeout = config.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	var info = config.Logger
	if info == nil {
		info = log.Printf
	}
	var replica = &Replica{
		peers:     config.Peers,
		index:     config.Index,
		clock:     makeBallotClock(uint8(config.Index)),
		log:       commits,
		commands:  makeCommandTable(),
		timeout:   timeout,
		callbacks: callbacks,
		policy:    config.OnCommitError,
		info:      info,
	}
	// a restarted replica resumes above everything it ever committed
	replica.clock.Observe(commits.MaxBallot())
	replica.swept.Add(1)
	go replica.sweep()
	return replica, nil
}

func (replica *Replica) Close() error {
	replica.quit.Store(true)
	replica.swept.Wait()
	var reasons = replica.log.Close()
	replica.commands.Each(func(_ string, cmd *command) {
		cmd.destroy()
	})
	return reasons
}

func (replica *Replica) name() string {
	return replica.peers[replica.index]
}

func (replica *Replica) mine(ballot uint64) bool {
	return int(BallotIndex(ballot)) == replica.index
}

func (replica *Replica) leaderOf(ballot uint64) (string, bool) {
	var index = int(BallotIndex(ballot))
	if index >= len(replica.peers) {
		return "", false
	}
	return replica.peers[index], true
}

// Ballot returns the replica's current ballot.
func (replica *Replica) Ballot() uint64 {
	return replica.clock.Current()
}

// Seq returns the committed sequence number for a key.
func (replica *Replica) Seq(key []byte) uint64 {
	seq, _ := replica.log.LastSeq(key)
	return seq
}

// Last returns the committed (ballot, seq) pair for a key, zeroes if the
// key never committed. Recovery helpers serve this to lagging peers.
func (replica *Replica) Last(key []byte) (uint64, uint64) {
	seq, ballot := replica.log.LastSeq(key)
	return ballot, seq
}

// Diff returns the committed entries whose ballot counter exceeds the
// given one, for catch-up helpers.
func (replica *Replica) Diff(since uint64) []DiffEntry {
	return replica.log.Diff(since)
}

func (replica *Replica) broadcast(msg *message) error {
	var recipients = make([]string, 0, len(replica.peers)-1)
	for index, peer := range replica.peers {
		if index != replica.index {
			recipients = append(recipients, peer)
		}
	}
	return replica.callbacks.Send(recipients, msg.marshal())
}

// Submit proposes a mutation for a key and blocks until it commits, a
// newer command for the key supersedes it, or the timeout passes. It
// returns nil exactly when the key's committed seq caught up with the
// proposal.
func (replica *Replica) Submit(ctype uint8, key, data []byte) error {
	if replica.clock.Exhausted() {
		return ErrBallotExhausted
	}
	replica.mutex.Lock()
	previous, _ := replica.log.LastSeq(key)
	var cmd = makeCommand(ctype, key, data, replica.timeout)
	cmd.status = statusPreAccepted
	cmd.seq = previous + 1
	cmd.ballot = replica.clock.Current()
	if evicted := replica.commands.Replace(key, cmd); evicted != nil {
		// the loser fails silently at its client; our proposal has to
		// clear the seq it was still driving
		evicted.mutex.Lock()
		var interfering = evicted.seq
		evicted.mutex.Unlock()
		if interfering+1 > cmd.seq {
			cmd.seq = interfering + 1
		}
		evicted.destroy()
	}
	var seq = cmd.seq
	var ballot = cmd.ballot
	replica.mutex.Unlock()

	var reason = replica.broadcast(&message{
		peer:   replica.name(),
		ballot: ballot,
		seq:    seq,
		mtype:  msgPreAccept,
		key:    key,
	})
	if reason == nil {
		if current, present := replica.commands.Get(key); present && current == cmd {
			cmd.mutex.Lock()
			cmd.waiting = true
			cmd.mutex.Unlock()
			var deadline = time.NewTimer(replica.timeout)
			select {
			case <-cmd.done:
			case <-deadline.C:
				// the sweeper retires the expired command on its next
				// tick; wait for that so a retry for this key does not
				// meet it as interference
				select {
				case <-cmd.done:
				case <-time.After(2 * sweepInterval):
				}
			}
			deadline.Stop()
		}
	}
	current, _ := replica.log.LastSeq(key)
	if current >= seq {
		return nil
	}
	return ErrNotCommitted
}

// ReceivedCommand feeds a serialized PRE_ACCEPT, ACCEPT or COMMIT frame
// into the replica and returns the response frame to ship back to the
// sender, if the protocol calls for one.
func (replica *Replica) ReceivedCommand(payload []byte) ([]byte, error) {
	msg, reason := parseMessage(payload)
	if reason != nil {
		return nil, reason
	}
	replica.clock.Observe(msg.ballot)
	switch msg.mtype {
	case msgPreAccept:
		return replica.handlePreAccept(msg)
	case msgAccept:
		return replica.handleAccept(msg)
	case msgCommit:
		return nil, replica.handleCommit(msg)
	}
	return nil, ErrMalformedMessage
}

// ReceivedResponse feeds a serialized PRE_ACCEPT_RESPONSE or
// ACCEPT_RESPONSE frame into the replica.
func (replica *Replica) ReceivedResponse(payload []byte) error {
	msg, reason := parseMessage(payload)
	if reason != nil {
		return reason
	}
	replica.clock.Observe(msg.ballot)
	switch msg.mtype {
	case msgPreAcceptResponse:
		return replica.handlePreAcceptResponse(msg)
	case msgAcceptResponse:
		return replica.handleAcceptResponse(msg)
	}
	return ErrMalformedMessage
}

func (replica *Replica) handlePreAccept(msg *message) ([]byte, error) {
	replica.mutex.Lock()
	localSeq, localBallot := replica.log.LastSeq(msg.key)
	if localSeq == msg.seq && localBallot == msg.ballot {
		// already committed, nothing to answer
		replica.mutex.Unlock()
		return nil, ErrStaleMessage
	}
	var interfering = uint64(0)
	cmd, present := replica.commands.Get(msg.key)
	if present {
		// raw 64-bit comparison: at equal counter the higher replica
		// index wins deterministically
		if msg.ballot < cmd.ballot {
			replica.mutex.Unlock()
			return nil, ErrStaleMessage
		}
		cmd.mutex.Lock()
		if msg.ballot > cmd.ballot {
			cmd.ballot = msg.ballot
		}
		interfering = cmd.seq
		cmd.mutex.Unlock()
	} else {
		cmd = makeCommand(msg.ctype, msg.key, nil, replica.timeout)
		cmd.status = statusPreAccepted
		cmd.seq = msg.seq
		cmd.ballot = msg.ballot
		replica.commands.Set(msg.key, cmd)
	}
	if localSeq > interfering {
		interfering = localSeq
	}
	var maxSeq = msg.seq
	if interfering > maxSeq {
		maxSeq = interfering
	}
	var recoverPeer string
	var recoverSeq, recoverBallot uint64
	if msg.seq >= interfering {
		cmd.mutex.Lock()
		if cmd.status == statusAccepted && !replica.mine(cmd.ballot) {
			// our uncommitted ACCEPT may be stale, pull state from the
			// replica whose ballot drives it
			if peer, known := replica.leaderOf(cmd.ballot); known {
				recoverPeer = peer
				recoverSeq = cmd.seq
				recoverBallot = cmd.ballot
			}
		}
		cmd.status = statusPreAccepted
		cmd.seq = interfering
		cmd.mutex.Unlock()
	}
	cmd.mutex.Lock()
	var ballot = cmd.ballot
	cmd.mutex.Unlock()
	replica.mutex.Unlock()

	if recoverPeer != "" && replica.callbacks.Recover != nil {
		replica.callbacks.Recover(recoverPeer, msg.key, recoverSeq, recoverBallot)
	}
	var response = &message{
		peer:      replica.name(),
		ballot:    ballot,
		seq:       maxSeq,
		mtype:     msgPreAcceptResponse,
		committed: maxSeq == localSeq,
		key:       msg.key,
	}
	return response.marshal(), nil
}

func (replica *Replica) handlePreAcceptResponse(msg *message) error {
	replica.mutex.Lock()
	cmd, present := replica.commands.Get(msg.key)
	if !present {
		replica.mutex.Unlock()
		return nil
	}
	if msg.ballot < cmd.ballot || cmd.status != statusPreAccepted {
		replica.mutex.Unlock()
		return ErrStaleMessage
	}
	cmd.mutex.Lock()
	cmd.votes = append(cmd.votes, ballotVote{peer: msg.peer, seq: msg.seq, ballot: msg.ballot})
	if msg.seq > cmd.maxSeq {
		cmd.maxSeq = msg.seq
		cmd.maxSeqCommitted = msg.committed
	} else if msg.seq == cmd.maxSeq && msg.committed {
		cmd.maxSeqCommitted = true
	}
	if cmd.maxSeq == msg.seq {
		cmd.maxVoter = msg.peer
	}
	var votes = len(cmd.votes)
	var agreed = cmd.seq > cmd.maxSeq || (cmd.seq == cmd.maxSeq && !cmd.maxSeqCommitted)
	cmd.mutex.Unlock()

	// quorum counts responses; the proposer's own vote is implicit, so
	// floor(N/2) answers make a strict majority
	if votes < len(replica.peers)/2 {
		replica.mutex.Unlock()
		return nil
	}
	if agreed {
		// fast path: one round trip, everyone took our seq as proposed
		if !replica.commands.Remove(msg.key, cmd) {
			replica.mutex.Unlock()
			return ErrSuperseded
		}
		replica.mutex.Unlock()
		return replica.commit(cmd)
	}
	// slow path: somebody answered with a higher seq, adopt max+1 and
	// run the accept round
	cmd.mutex.Lock()
	cmd.votes = nil
	cmd.seq = cmd.maxSeq + 1
	cmd.maxSeq = 0
	cmd.maxVoter = ""
	cmd.ballot = replica.clock.Current()
	cmd.status = statusAccepted
	var seq = cmd.seq
	var ballot = cmd.ballot
	cmd.mutex.Unlock()
	replica.mutex.Unlock()
	return replica.broadcast(&message{
		peer:   replica.name(),
		ballot: ballot,
		seq:    seq,
		mtype:  msgAccept,
		key:    msg.key,
	})
}

func (replica *Replica) handleAccept(msg *message) ([]byte, error) {
	replica.mutex.Lock()
	localSeq, _ := replica.log.LastSeq(msg.key)
	var acceptedBallot = msg.ballot
	var acceptedSeq = msg.seq
	cmd, present := replica.commands.Get(msg.key)
	if present {
		if msg.ballot < cmd.ballot {
			replica.mutex.Unlock()
			return nil, ErrStaleMessage
		}
		if msg.seq < cmd.seq {
			// we hold a newer proposal, answer with the pair we accepted
			acceptedBallot = cmd.ballot
			acceptedSeq = cmd.seq
		}
	} else {
		cmd = makeCommand(msg.ctype, msg.key, nil, replica.timeout)
		replica.commands.Set(msg.key, cmd)
	}
	if msg.seq >= cmd.seq {
		cmd.mutex.Lock()
		cmd.seq = msg.seq
		cmd.ballot = msg.ballot
		cmd.status = statusAccepted
		cmd.timestamp = time.Now()
		cmd.mutex.Unlock()
		acceptedBallot = msg.ballot
		acceptedSeq = msg.seq
	}
	replica.mutex.Unlock()
	var response = &message{
		peer:      replica.name(),
		ballot:    acceptedBallot,
		seq:       acceptedSeq,
		mtype:     msgAcceptResponse,
		committed: acceptedSeq == localSeq,
		key:       msg.key,
	}
	return response.marshal(), nil
}

func (replica *Replica) handleAcceptResponse(msg *message) error {
	replica.mutex.Lock()
	cmd, present := replica.commands.Get(msg.key)
	if !present {
		replica.mutex.Unlock()
		return nil
	}
	if msg.ballot < cmd.ballot || cmd.status != statusAccepted {
		replica.mutex.Unlock()
		return ErrStaleMessage
	}
	if msg.seq == cmd.seq && msg.committed {
		// some replica already committed this seq under another command
		// for the key; bump past it and try again
		cmd.mutex.Lock()
		cmd.seq++
		cmd.ballot = replica.clock.Current()
		cmd.votes = nil
		cmd.maxSeq = 0
		cmd.maxVoter = ""
		var seq = cmd.seq
		var ballot = cmd.ballot
		cmd.mutex.Unlock()
		replica.mutex.Unlock()
		return replica.broadcast(&message{
			peer:   replica.name(),
			ballot: ballot,
			seq:    seq,
			mtype:  msgAccept,
			key:    msg.key,
		})
	}
	cmd.mutex.Lock()
	cmd.votes = append(cmd.votes, ballotVote{peer: msg.peer, seq: msg.seq, ballot: msg.ballot})
	if msg.seq > cmd.maxSeq {
		cmd.maxSeq = msg.seq
	}
	if cmd.maxSeq == msg.seq {
		cmd.maxVoter = msg.peer
	}
	var agreeing = 0
	for _, vote := range cmd.votes {
		if vote.seq == msg.seq && vote.ballot == msg.ballot {
			agreeing++
		}
	}
	var votes = len(cmd.votes)
	// same quorum as the pre-accept round: floor(N/2) responses, the
	// proposer's own vote implicit
	var quorum = len(replica.peers) / 2
	if agreeing < quorum {
		if votes >= quorum {
			// a full round answered without agreeing on our pair; raise
			// the seq if it was beaten and rerun the accept round
			if cmd.seq <= cmd.maxSeq {
				cmd.seq++
			}
			cmd.ballot = replica.clock.Current()
			cmd.votes = nil
			cmd.maxSeq = 0
			cmd.maxVoter = ""
			var seq = cmd.seq
			var ballot = cmd.ballot
			cmd.mutex.Unlock()
			replica.mutex.Unlock()
			return replica.broadcast(&message{
				peer:   replica.name(),
				ballot: ballot,
				seq:    seq,
				mtype:  msgAccept,
				key:    msg.key,
			})
		}
		cmd.mutex.Unlock()
		replica.mutex.Unlock()
		return nil
	}
	cmd.mutex.Unlock()
	if !replica.commands.Remove(msg.key, cmd) {
		replica.mutex.Unlock()
		return ErrSuperseded
	}
	replica.mutex.Unlock()
	return replica.commit(cmd)
}

// commit finishes an instance the quorum agreed on: apply locally, make
// the log update durable, then let the peers know. The log write has to
// land before any peer can observe the COMMIT broadcast.
func (replica *Replica) commit(cmd *command) error {
	defer cmd.destroy()
	var reason error
	if replica.callbacks.Commit != nil {
		reason = replica.callbacks.Commit(cmd.ctype, cmd.key, cmd.data, true)
	}
	if reason != nil && replica.policy == AbortInstance {
		replica.info("commit callback failed, aborting instance: %v", reason)
		return reason
	}
	replica.mutex.Lock()
	var stored = replica.log.SetLastSeq(cmd.key, cmd.ballot, cmd.seq)
	replica.mutex.Unlock()
	if stored != nil {
		return multierr.Append(reason, stored)
	}
	var sent = replica.broadcast(&message{
		peer:      replica.name(),
		ballot:    cmd.ballot,
		seq:       cmd.seq,
		mtype:     msgCommit,
		ctype:     cmd.ctype,
		committed: true,
		key:       cmd.key,
		data:      cmd.data,
	})
	return multierr.Append(reason, sent)
}

func (replica *Replica) handleCommit(msg *message) error {
	replica.mutex.Lock()
	cmd, present := replica.commands.Get(msg.key)
	if present && cmd.seq == msg.seq && cmd.ballot > msg.ballot {
		replica.mutex.Unlock()
		return ErrStaleMessage
	}
	lastSeq, _ := replica.log.LastSeq(msg.key)
	if msg.seq < lastSeq {
		replica.mutex.Unlock()
		return nil
	}
	if replica.callbacks.Commit != nil {
		replica.callbacks.Commit(msg.ctype, msg.key, msg.data, false)
	}
	var reason = replica.log.SetLastSeq(msg.key, msg.ballot, msg.seq)
	if present && cmd.seq <= msg.seq {
		replica.commands.Remove(msg.key, cmd)
		cmd.destroy()
	}
	replica.mutex.Unlock()
	return reason
}

// Recovered is called by the recovery helper once it pulled authoritative
// state for a key from a peer. Older pairs than what the log already
// holds are dropped.
func (replica *Replica) Recovered(key []byte, ballot, seq uint64) error {
	replica.mutex.Lock()
	defer replica.mutex.Unlock()
	lastSeq, lastBallot := replica.log.LastSeq(key)
	if seq >= lastSeq && ballot >= lastBallot {
		return replica.log.SetLastSeq(key, ballot, seq)
	}
	return ErrStaleMessage
}

// sweep expires stalled commands. A command that sat past its timeout is
// removed and its waiter woken; if it was still in flight under another
// replica's ballot the embedder is asked to recover from that replica.
func (replica *Replica) sweep() {
	defer replica.swept.Done()
	var ticker = time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for !replica.quit.Load() {
		<-ticker.C
		var now = time.Now()
		replica.commands.Each(func(key string, cmd *command) {
			if !cmd.expired(now) {
				return
			}
			if !replica.commands.Remove([]byte(key), cmd) {
				return
			}
			cmd.mutex.Lock()
			var status = cmd.status
			var ballot = cmd.ballot
			var seq = cmd.seq
			cmd.mutex.Unlock()
			if (status == statusPreAccepted || status == statusAccepted) &&
				!replica.mine(ballot) && replica.callbacks.Recover != nil {
				if peer, known := replica.leaderOf(ballot); known {
					replica.callbacks.Recover(peer, []byte(key), seq, ballot)
				}
			}
			cmd.destroy()
		})
	}
}
