package editlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Kind distinguishes segment markers from namespace mutations.
type Kind uint8

const (
	KindBegin    Kind = 1
	KindEnd      Kind = 2
	KindMutation Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindBegin:
		return "BEGIN"
	case KindEnd:
		return "END"
	case KindMutation:
		return "MUTATION"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Record is one framed entry of a segment. BEGIN carries the first txid of
// its segment and END carries the last; neither consumes a txid.
type Record struct {
	Kind    Kind
	TxID    uint64
	Payload []byte
}

// Frame layout: KIND(1) TXID(8) LEN(4) CRC32(4) PAYLOAD(LEN).
// The CRC covers kind, txid and payload.
const (
	RecordHeaderSize = 1 + 8 + 4 + 4
	MaxPayloadSize   = 64 << 20
)

var (
	errShortRecord = errors.New("short record")
	errBadChecksum = errors.New("record checksum mismatch")
	errBadKind     = errors.New("unknown record kind")
	errOversized   = errors.New("record length exceeds limit")
)

// Encode returns the framed form of r.
func (r Record) Encode() []byte {
	buf := make([]byte, RecordHeaderSize+len(r.Payload))
	buf[0] = byte(r.Kind)
	binary.BigEndian.PutUint64(buf[1:9], r.TxID)
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(r.Payload)))
	binary.BigEndian.PutUint32(buf[13:17], checksum(r.Kind, r.TxID, r.Payload))
	copy(buf[RecordHeaderSize:], r.Payload)
	return buf
}

// decodeRecord parses one record from the front of buf and returns it with
// the number of bytes consumed. Any error means the bytes at the front of
// buf are not a complete valid record.
func decodeRecord(buf []byte) (Record, int, error) {
	if len(buf) < RecordHeaderSize {
		return Record{}, 0, errShortRecord
	}
	kind := Kind(buf[0])
	if kind < KindBegin || kind > KindMutation {
		return Record{}, 0, errBadKind
	}
	txid := binary.BigEndian.Uint64(buf[1:9])
	n := binary.BigEndian.Uint32(buf[9:13])
	if n > MaxPayloadSize {
		return Record{}, 0, errOversized
	}
	end := RecordHeaderSize + int(n)
	if len(buf) < end {
		return Record{}, 0, errShortRecord
	}
	payload := buf[RecordHeaderSize:end]
	if checksum(kind, txid, payload) != binary.BigEndian.Uint32(buf[13:17]) {
		return Record{}, 0, errBadChecksum
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return Record{Kind: kind, TxID: txid, Payload: out}, end, nil
}

func checksum(kind Kind, txid uint64, payload []byte) uint32 {
	var hdr [9]byte
	hdr[0] = byte(kind)
	binary.BigEndian.PutUint64(hdr[1:], txid)
	h := crc32.NewIEEE()
	h.Write(hdr[:])
	h.Write(payload)
	return h.Sum32()
}
