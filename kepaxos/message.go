package kepaxos

import (
	"encoding/binary"
	"errors"
)

type messageType uint8

const (
	msgPreAccept messageType = iota + 1
	msgPreAcceptResponse
	msgAccept
	msgAcceptResponse
	msgCommit
)

// Frames are big endian throughout:
//
//	u16 sender length (terminating NUL included)
//	sender (NUL terminated)
//	ballot as two u32, high then low
//	seq as two u32, high then low
//	u8 message type, u8 command type, u8 committed
//	u32 key length, key
//	u32 data length, data
const messageLengthMin = 3 + 6*4 + 2

var ErrMalformedMessage = errors.New("kepaxos: malformed message")

type message struct {
	peer      string
	ballot    uint64
	seq       uint64
	mtype     messageType
	ctype     uint8
	committed bool
	key       []byte
	data      []byte
}

func appendSplitUint64(buffer []byte, value uint64) []byte {
	buffer = binary.BigEndian.AppendUint32(buffer, uint32(value>>32))
	return binary.BigEndian.AppendUint32(buffer, uint32(value))
}

func readSplitUint64(buffer []byte) uint64 {
	var high = binary.BigEndian.Uint32(buffer)
	var low = binary.BigEndian.Uint32(buffer[4:])
	return uint64(high)<<32 | uint64(low)
}

func (m *message) marshal() []byte {
	var committed = byte(0)
	if m.committed {
		committed = 1
	}
	var buffer = make([]byte, 0, messageLengthMin+len(m.peer)+1+len(m.key)+len(m.data))
	buffer = binary.BigEndian.AppendUint16(buffer, uint16(len(m.peer)+1))
	buffer = append(buffer, m.peer...)
	buffer = append(buffer, 0)
	buffer = appendSplitUint64(buffer, m.ballot)
	buffer = appendSplitUint64(buffer, m.seq)
	buffer = append(buffer, byte(m.mtype), m.ctype, committed)
	buffer = binary.BigEndian.AppendUint32(buffer, uint32(len(m.key)))
	buffer = append(buffer, m.key...)
	buffer = binary.BigEndian.AppendUint32(buffer, uint32(len(m.data)))
	buffer = append(buffer, m.data...)
	return buffer
}

func parseMessage(buffer []byte) (*message, error) {
	var expected = messageLengthMin
	if len(buffer) < expected {
		return nil, ErrMalformedMessage
	}
	var senderLength = int(binary.BigEndian.Uint16(buffer))
	expected += senderLength
	if len(buffer) < expected {
		return nil, ErrMalformedMessage
	}
	var offset = 2
	var sender = buffer[offset : offset+senderLength]
	// the length field counts the terminating NUL
	if senderLength > 0 && sender[senderLength-1] == 0 {
		sender = sender[:senderLength-1]
	}
	offset += senderLength

	var parsed = &message{peer: string(sender)}
	parsed.ballot = readSplitUint64(buffer[offset:])
	offset += 8
	parsed.seq = readSplitUint64(buffer[offset:])
	offset += 8
	parsed.mtype = messageType(buffer[offset])
	parsed.ctype = buffer[offset+1]
	parsed.committed = buffer[offset+2] != 0
	offset += 3

	var keyLength = int(binary.BigEndian.Uint32(buffer[offset:]))
	offset += 4
	expected += keyLength
	if len(buffer) < expected {
		return nil, ErrMalformedMessage
	}
	if keyLength > 0 {
		parsed.key = buffer[offset : offset+keyLength]
		offset += keyLength
	}

	var dataLength = int(binary.BigEndian.Uint32(buffer[offset:]))
	offset += 4
	expected += dataLength
	if len(buffer) < expected {
		return nil, ErrMalformedMessage
	}
	if dataLength > 0 {
		parsed.data = buffer[offset : offset+dataLength]
	}
	return parsed, nil
}
