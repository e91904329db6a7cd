package main

import (
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// messageEncoder builds the canonical byte encoding used for message hashing.
// Every variable-length field is prefixed with its big-endian uint32 length.
type messageEncoder struct {
	buf []byte
}

func (e *messageEncoder) uint8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *messageEncoder) uint16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *messageEncoder) uint64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

func (e *messageEncoder) bytes(b []byte) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *messageEncoder) string(s string) {
	e.bytes([]byte(s))
}

// canonicalBytes encodes every message field in a fixed order
func (m Message) canonicalBytes() []byte {
	enc := &messageEncoder{buf: make([]byte, 0, 128+len(m.Data))}
	enc.uint64(m.ID)
	enc.string(m.FromChain)
	enc.string(m.Sender)
	enc.string(m.Signer)
	enc.buf = binary.BigEndian.AppendUint32(enc.buf, uint32(len(m.SQoS)))
	for _, s := range m.SQoS {
		enc.string(string(s.Type))
		enc.string(s.Value)
	}
	enc.string(m.Contract)
	enc.buf = append(enc.buf, m.Action[:]...)
	enc.bytes(m.Data)
	enc.uint64(m.Session.ID)
	enc.uint8(m.Session.Type)
	enc.bytes(m.Session.Callback)
	enc.bytes(m.Session.Commitment)
	enc.bytes(m.Session.Answer)
	if m.ErrorCode != nil {
		enc.uint8(1)
		enc.uint16(*m.ErrorCode)
	} else {
		enc.uint8(0)
	}
	return enc.buf
}

// Hash returns the content digest used to group identical submissions
func (m Message) Hash() Hash32 {
	return sha256.Sum256(m.canonicalBytes())
}

// CommitmentHash binds the message content to the revealing router
func (m Message) CommitmentHash(router RouterID) Hash32 {
	data := m.canonicalBytes()
	data = append(data, []byte(router)...)
	return sha256.Sum256(data)
}

// RandomSource produces the random stream consumed by router selection
type RandomSource interface {
	Random(seed []byte) [32]byte
}

// HashRandom derives randomness by hashing the seed with SHA-256
type HashRandom struct{}

// Random implements RandomSource
func (HashRandom) Random(seed []byte) [32]byte {
	return sha256.Sum256(seed)
}

// selectionSeed is the 8-byte big-endian timestamp followed by a sequence byte
func selectionSeed(now time.Time, index uint8) []byte {
	seed := binary.BigEndian.AppendUint64(make([]byte, 0, 9), uint64(now.UnixMilli()))
	return append(seed, index)
}
