package kepaxos

import (
	"go.uber.org/atomic"
)

// A ballot is a 64 bit ordering token: the low 8 bits carry the replica
// index, the high 56 bits carry a counter shared across all keys of a
// replica. Numeric comparison on the whole word orders first by counter
// and breaks counter ties by replica index.
const ballotIndexBits = 8
const ballotIndexMask = uint64(0xFF)
const ballotValueMax = uint64(1)<<(64-ballotIndexBits) - 1

func BallotValue(ballot uint64) uint64 {
	return ballot >> ballotIndexBits
}

func BallotIndex(ballot uint64) uint8 {
	return uint8(ballot & ballotIndexMask)
}

func MakeBallot(value uint64, index uint8) uint64 {
	return value<<ballotIndexBits | uint64(index)
}

type ballotClock struct {
	word      atomic.Uint64
	index     uint8
	exhausted atomic.Bool
}

func makeBallotClock(index uint8) *ballotClock {
	var clock = &ballotClock{index: index}
	clock.word.Store(MakeBallot(1, index))
	return clock
}

func (clock *ballotClock) Current() uint64 {
	return clock.word.Load()
}

// Observe raises our ballot above one seen on the wire. Every inbound
// message passes through here, so the local ballot tracks the network
// maximum. When the counter is used up we latch instead of wrapping;
// a wrapped counter would order below everything already committed,
// so the replica refuses further proposals (see Replica.Submit).
func (clock *ballotClock) Observe(external uint64) uint64 {
	var next = BallotValue(external) + 1
	if next > ballotValueMax {
		clock.exhausted.Store(true)
		return clock.word.Load()
	}
	var proposed = MakeBallot(next, clock.index)
	for {
		var current = clock.word.Load()
		if proposed <= current || clock.word.CompareAndSwap(current, proposed) {
			return clock.word.Load()
		}
	}
}

func (clock *ballotClock) Exhausted() bool {
	return clock.exhausted.Load()
}
