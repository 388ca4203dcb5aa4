package kepaxos

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"
)

var bucketLog = []byte("kepaxos")

var errCorruptLog = errors.New("kepaxos: corrupt log record")

// DiffEntry is one committed (key, ballot, seq) triple, as returned by
// Replica.Diff for catch-up helpers.
type DiffEntry struct {
	Key    []byte
	Ballot uint64
	Seq    uint64
}

type logRecord struct {
	hash   [sha256.Size]byte
	key    []byte
	ballot uint64
	seq    uint64
}

// commitLog stores the latest committed (ballot, seq) per key. Records
// live in a single bolt bucket keyed by the key's sha256, so a write is
// durable and atomic per key once Update returns. A btree ordered by
// (ballot, key hash) mirrors the bucket to answer diff and
// max-ballot queries without a full scan; it is rebuilt from the bucket
// on open and updated on every write under the single-writer discipline
// the replica lock already provides.
type commitLog struct {
	db    *bbolt.DB
	mutex sync.RWMutex
	index *btree.BTreeG[logRecord]
	bySum map[[sha256.Size]byte]logRecord
}

func lessByBallot(a, b logRecord) bool {
	if a.ballot != b.ballot {
		return a.ballot < b.ballot
	}
	return bytes.Compare(a.hash[:], b.hash[:]) < 0
}

func makeCommitLog(path string) (*commitLog, error) {
	db, reason := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if reason != nil {
		return nil, reason
	}
	var log = &commitLog{
		db:    db,
		index: btree.NewG[logRecord](8, lessByBallot),
		bySum: make(map[[sha256.Size]byte]logRecord),
	}
	reason = db.Update(func(tx *bbolt.Tx) error {
		bucket, reason := tx.CreateBucketIfNotExists(bucketLog)
		if reason != nil {
			return reason
		}
		return bucket.ForEach(func(sum, value []byte) error {
			record, reason := decodeLogRecord(sum, value)
			if reason != nil {
				return reason
			}
			log.index.ReplaceOrInsert(record)
			log.bySum[record.hash] = record
			return nil
		})
	})
	if reason != nil {
		db.Close()
		return nil, reason
	}
	return log, nil
}

func (log *commitLog) Close() error {
	return log.db.Close()
}

func encodeLogRecord(record logRecord) []byte {
	var value = make([]byte, 0, 8+8+4+len(record.key))
	value = binary.BigEndian.AppendUint64(value, record.ballot)
	value = binary.BigEndian.AppendUint64(value, record.seq)
	value = binary.BigEndian.AppendUint32(value, uint32(len(record.key)))
	return append(value, record.key...)
}

func decodeLogRecord(sum, value []byte) (logRecord, error) {
	if len(sum) != sha256.Size || len(value) < 20 {
		return logRecord{}, errCorruptLog
	}
	var record logRecord
	copy(record.hash[:], sum)
	record.ballot = binary.BigEndian.Uint64(value)
	record.seq = binary.BigEndian.Uint64(value[8:])
	var length = int(binary.BigEndian.Uint32(value[16:]))
	if len(value) < 20+length {
		return logRecord{}, errCorruptLog
	}
	record.key = append([]byte(nil), value[20:20+length]...)
	return record, nil
}

// LastSeq returns the committed (seq, ballot) for a key, zeroes if the
// key never committed.
func (log *commitLog) LastSeq(key []byte) (uint64, uint64) {
	var sum = sha256.Sum256(key)
	log.mutex.RLock()
	record, present := log.bySum[sum]
	log.mutex.RUnlock()
	if !present {
		return 0, 0
	}
	return record.seq, record.ballot
}

// SetLastSeq records the committed pair for a key. The caller ensures
// seq never goes backwards; last write wins.
func (log *commitLog) SetLastSeq(key []byte, ballot, seq uint64) error {
	var record = logRecord{
		hash:   sha256.Sum256(key),
		key:    append([]byte(nil), key...),
		ballot: ballot,
		seq:    seq,
	}
	var reason = log.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLog).Put(record.hash[:], encodeLogRecord(record))
	})
	if reason != nil {
		return reason
	}
	log.mutex.Lock()
	if previous, present := log.bySum[record.hash]; present {
		log.index.Delete(previous)
	}
	log.index.ReplaceOrInsert(record)
	log.bySum[record.hash] = record
	log.mutex.Unlock()
	return nil
}

// MaxBallot returns the highest ballot across all committed keys.
func (log *commitLog) MaxBallot() uint64 {
	log.mutex.RLock()
	defer log.mutex.RUnlock()
	record, present := log.index.Max()
	if !present {
		return 0
	}
	return record.ballot
}

// Diff returns every entry whose ballot counter strictly exceeds the
// given ballot's counter, highest first.
func (log *commitLog) Diff(since uint64) []DiffEntry {
	var entries []DiffEntry
	log.mutex.RLock()
	log.index.Descend(func(record logRecord) bool {
		if BallotValue(record.ballot) <= BallotValue(since) {
			return false
		}
		entries = append(entries, DiffEntry{
			Key:    append([]byte(nil), record.key...),
			Ballot: record.ballot,
			Seq:    record.seq,
		})
		return true
	})
	log.mutex.RUnlock()
	return entries
}
