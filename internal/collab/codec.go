package collab

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
)

// Frame type tags, first varint of every message.
const (
	MsgSync     = 0
	MsgPresence = 1
)

// Sync sub-message tags.
const (
	SyncStep1  = 0 // state-vector advertisement
	SyncStep2  = 1 // diff reply
	SyncUpdate = 2 // incremental update
	SyncAck    = 3 // server vector after apply
)

// ErrMalformedFrame indicates a frame that could not be decoded. Fatal to
// the offending connection, never to the room.
var ErrMalformedFrame = errors.New("collab: malformed frame")

// Frame is the tagged union decoded once at the connection boundary. Exactly
// one of Sync and Presence is set, matching Type.
type Frame struct {
	Type     int
	Sync     *SyncFrame
	Presence *PresenceFrame
}

// SyncFrame carries one document-sync sub-message. Vector is set for step1
// and ack, Updates for step2 and update.
type SyncFrame struct {
	Step    int
	Vector  StateVector
	Updates []Update
}

// PresenceFrame carries a batch of ephemeral-entry updates.
type PresenceFrame struct {
	Entries []PresenceEntry
}

// PresenceEntry is one ephemeral state assertion. An empty State retracts
// the entry.
type PresenceEntry struct {
	ID    uint64
	Clock uint64
	State []byte
}

// Retraction reports whether the entry clears the id instead of setting it.
func (e PresenceEntry) Retraction() bool { return len(e.State) == 0 }

// DecodeFrame parses a wire message into the tagged union. Truncated input,
// trailing bytes, unknown tags and implausible counts all fail with
// ErrMalformedFrame.
func DecodeFrame(data []byte) (Frame, error) {
	r := &frameReader{buf: data}
	tag, err := r.uvarint()
	if err != nil {
		return Frame{}, err
	}
	switch tag {
	case MsgSync:
		sf, err := decodeSync(r)
		if err != nil {
			return Frame{}, err
		}
		if err := r.expectEOF(); err != nil {
			return Frame{}, err
		}
		return Frame{Type: MsgSync, Sync: sf}, nil
	case MsgPresence:
		pf, err := decodePresence(r)
		if err != nil {
			return Frame{}, err
		}
		if err := r.expectEOF(); err != nil {
			return Frame{}, err
		}
		return Frame{Type: MsgPresence, Presence: pf}, nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown message type %d", ErrMalformedFrame, tag)
	}
}

func decodeSync(r *frameReader) (*SyncFrame, error) {
	step, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	switch step {
	case SyncStep1, SyncAck:
		sv, err := decodeVector(r)
		if err != nil {
			return nil, err
		}
		return &SyncFrame{Step: int(step), Vector: sv}, nil
	case SyncStep2, SyncUpdate:
		updates, err := decodeUpdates(r)
		if err != nil {
			return nil, err
		}
		return &SyncFrame{Step: int(step), Updates: updates}, nil
	default:
		return nil, fmt.Errorf("%w: unknown sync sub-message %d", ErrMalformedFrame, step)
	}
}

func decodeVector(r *frameReader) (StateVector, error) {
	count, err := r.count()
	if err != nil {
		return nil, err
	}
	sv := make(StateVector, count)
	for i := uint64(0); i < count; i++ {
		client, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		clock, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		sv[client] = clock
	}
	return sv, nil
}

func decodeUpdates(r *frameReader) ([]Update, error) {
	count, err := r.count()
	if err != nil {
		return nil, err
	}
	updates := make([]Update, 0, count)
	for i := uint64(0); i < count; i++ {
		client, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		clock, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		payload, err := r.lengthPrefixed()
		if err != nil {
			return nil, err
		}
		updates = append(updates, Update{Client: client, Clock: clock, Payload: payload})
	}
	return updates, nil
}

func decodePresence(r *frameReader) (*PresenceFrame, error) {
	count, err := r.count()
	if err != nil {
		return nil, err
	}
	entries := make([]PresenceEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		id, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		clock, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		state, err := r.lengthPrefixed()
		if err != nil {
			return nil, err
		}
		entries = append(entries, PresenceEntry{ID: id, Clock: clock, State: state})
	}
	return &PresenceFrame{Entries: entries}, nil
}

// EncodeSyncStep1 encodes a state-vector advertisement.
func EncodeSyncStep1(sv StateVector) []byte { return encodeVectorFrame(SyncStep1, sv) }

// EncodeSyncAck encodes the post-apply server vector.
func EncodeSyncAck(sv StateVector) []byte { return encodeVectorFrame(SyncAck, sv) }

// EncodeSyncStep2 encodes a diff reply.
func EncodeSyncStep2(updates []Update) []byte { return encodeUpdateFrame(SyncStep2, updates) }

// EncodeSyncUpdate encodes an incremental update.
func EncodeSyncUpdate(updates []Update) []byte { return encodeUpdateFrame(SyncUpdate, updates) }

func encodeVectorFrame(step int, sv StateVector) []byte {
	buf := binary.AppendUvarint(nil, MsgSync)
	buf = binary.AppendUvarint(buf, uint64(step))
	buf = binary.AppendUvarint(buf, uint64(len(sv)))

	clients := make([]uint64, 0, len(sv))
	for client := range sv {
		clients = append(clients, client)
	}
	slices.Sort(clients)
	for _, client := range clients {
		buf = binary.AppendUvarint(buf, client)
		buf = binary.AppendUvarint(buf, sv[client])
	}
	return buf
}

func encodeUpdateFrame(step int, updates []Update) []byte {
	buf := binary.AppendUvarint(nil, MsgSync)
	buf = binary.AppendUvarint(buf, uint64(step))
	buf = binary.AppendUvarint(buf, uint64(len(updates)))
	for _, u := range updates {
		buf = binary.AppendUvarint(buf, u.Client)
		buf = binary.AppendUvarint(buf, u.Clock)
		buf = binary.AppendUvarint(buf, uint64(len(u.Payload)))
		buf = append(buf, u.Payload...)
	}
	return buf
}

// EncodePresence encodes a batch of ephemeral entries.
func EncodePresence(entries []PresenceEntry) []byte {
	buf := binary.AppendUvarint(nil, MsgPresence)
	buf = binary.AppendUvarint(buf, uint64(len(entries)))
	for _, e := range entries {
		buf = binary.AppendUvarint(buf, e.ID)
		buf = binary.AppendUvarint(buf, e.Clock)
		buf = binary.AppendUvarint(buf, uint64(len(e.State)))
		buf = append(buf, e.State...)
	}
	return buf
}

// frameReader walks a frame buffer with bounds checking.
type frameReader struct {
	buf []byte
	off int
}

func (r *frameReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: truncated varint", ErrMalformedFrame)
	}
	r.off += n
	return v, nil
}

// count reads an element count and sanity-checks it against the remaining
// bytes, so a hostile count cannot force a huge allocation.
func (r *frameReader) count() (uint64, error) {
	count, err := r.uvarint()
	if err != nil {
		return 0, err
	}
	if count > uint64(len(r.buf)-r.off) {
		return 0, fmt.Errorf("%w: count exceeds frame size", ErrMalformedFrame)
	}
	return count, nil
}

func (r *frameReader) lengthPrefixed() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(r.buf)-r.off) {
		return nil, fmt.Errorf("%w: truncated payload", ErrMalformedFrame)
	}
	out := slices.Clone(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return out, nil
}

func (r *frameReader) expectEOF() error {
	if r.off != len(r.buf) {
		return fmt.Errorf("%w: trailing bytes", ErrMalformedFrame)
	}
	return nil
}
