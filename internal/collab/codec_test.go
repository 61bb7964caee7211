package collab

import (
	"bytes"
	"errors"
	"testing"
)

func TestSyncUpdateRoundTrip(t *testing.T) {
	updates := []Update{
		{Client: 1, Clock: 2, Payload: []byte("hello")},
		{Client: 9, Clock: 1, Payload: nil},
	}
	frame, err := DecodeFrame(EncodeSyncUpdate(updates))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if frame.Type != MsgSync || frame.Sync == nil || frame.Sync.Step != SyncUpdate {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if len(frame.Sync.Updates) != 2 {
		t.Fatalf("unexpected updates: %+v", frame.Sync.Updates)
	}
	if !bytes.Equal(frame.Sync.Updates[0].Payload, []byte("hello")) {
		t.Fatalf("payload corrupted: %q", frame.Sync.Updates[0].Payload)
	}
}

func TestStateVectorRoundTrip(t *testing.T) {
	sv := StateVector{1: 10, 200: 3, 5: 0}
	frame, err := DecodeFrame(EncodeSyncStep1(sv))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if frame.Sync == nil || frame.Sync.Step != SyncStep1 {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if len(frame.Sync.Vector) != 3 || frame.Sync.Vector[200] != 3 {
		t.Fatalf("vector corrupted: %+v", frame.Sync.Vector)
	}
}

func TestPresenceRoundTrip(t *testing.T) {
	entries := []PresenceEntry{
		{ID: 42, Clock: 7, State: []byte(`{"cursor":3}`)},
		{ID: 43, Clock: 8, State: nil}, // retraction
	}
	frame, err := DecodeFrame(EncodePresence(entries))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if frame.Type != MsgPresence || frame.Presence == nil {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	got := frame.Presence.Entries
	if len(got) != 2 {
		t.Fatalf("unexpected entries: %+v", got)
	}
	if got[0].Retraction() {
		t.Fatalf("non-empty state decoded as retraction")
	}
	if !got[1].Retraction() {
		t.Fatalf("empty state not decoded as retraction")
	}
}

func TestDecodeMalformedFrames(t *testing.T) {
	cases := map[string][]byte{
		"empty":             {},
		"unknown type":      {0x7f},
		"unknown sync step": {0x00, 0x7f},
		"truncated vector":  {0x00, 0x00, 0x02, 0x01},
		"hostile count":     {0x01, 0xff, 0xff, 0xff, 0xff, 0x0f},
		"truncated payload": {0x01, 0x01, 0x01, 0x01, 0x05, 0x61},
		"trailing bytes":    append(EncodeSyncStep1(nil), 0xde, 0xad),
	}
	for name, data := range cases {
		if _, err := DecodeFrame(data); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("%s: expected ErrMalformedFrame, got %v", name, err)
		}
	}
}
