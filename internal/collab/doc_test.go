package collab

import (
	"bytes"
	"testing"
)

func TestDocumentApplyDedupes(t *testing.T) {
	d := NewDocument()

	fresh := d.Apply([]Update{
		{Client: 1, Clock: 1, Payload: []byte("a")},
		{Client: 1, Clock: 2, Payload: []byte("b")},
	})
	if len(fresh) != 2 {
		t.Fatalf("expected 2 fresh updates, got %d", len(fresh))
	}

	fresh = d.Apply([]Update{
		{Client: 1, Clock: 2, Payload: []byte("b")},
		{Client: 2, Clock: 1, Payload: []byte("c")},
	})
	if len(fresh) != 1 || fresh[0].Client != 2 {
		t.Fatalf("expected only the unseen update, got %+v", fresh)
	}
	if d.Len() != 3 {
		t.Fatalf("expected 3 stored updates, got %d", d.Len())
	}
}

func TestDocumentMergeIsOrderIndependent(t *testing.T) {
	updates := []Update{
		{Client: 1, Clock: 1, Payload: []byte("a")},
		{Client: 1, Clock: 2, Payload: []byte("b")},
		{Client: 2, Clock: 1, Payload: []byte("c")},
		{Client: 3, Clock: 5, Payload: []byte("d")},
	}

	forward := NewDocument()
	forward.Apply(updates)

	reversed := NewDocument()
	for i := len(updates) - 1; i >= 0; i-- {
		reversed.Apply(updates[i : i+1])
	}

	a, b := forward.Diff(nil), reversed.Diff(nil)
	if len(a) != len(b) {
		t.Fatalf("diverged lengths: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Client != b[i].Client || a[i].Clock != b[i].Clock || !bytes.Equal(a[i].Payload, b[i].Payload) {
			t.Fatalf("diverged at %d: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestDocumentDiffAgainstVector(t *testing.T) {
	d := NewDocument()
	d.Apply([]Update{
		{Client: 1, Clock: 1, Payload: []byte("a")},
		{Client: 1, Clock: 2, Payload: []byte("b")},
		{Client: 2, Clock: 4, Payload: []byte("c")},
	})

	missing := d.Diff(StateVector{1: 1})
	if len(missing) != 2 {
		t.Fatalf("expected 2 missing updates, got %+v", missing)
	}
	for _, u := range missing {
		if u.Client == 1 && u.Clock <= 1 {
			t.Fatalf("already-seen update in diff: %+v", u)
		}
	}

	if got := d.Diff(d.StateVector()); len(got) != 0 {
		t.Fatalf("diff against own vector should be empty, got %+v", got)
	}
}

func TestDocumentStateVector(t *testing.T) {
	d := NewDocument()
	d.Apply([]Update{
		{Client: 7, Clock: 3, Payload: []byte("x")},
		{Client: 7, Clock: 9, Payload: []byte("y")},
	})
	sv := d.StateVector()
	if sv[7] != 9 {
		t.Fatalf("expected clock 9 for client 7, got %d", sv[7])
	}
}

func TestDocumentCopiesPayloads(t *testing.T) {
	d := NewDocument()
	payload := []byte("mutable")
	d.Apply([]Update{{Client: 1, Clock: 1, Payload: payload}})
	payload[0] = 'X'

	got := d.Diff(nil)
	if string(got[0].Payload) != "mutable" {
		t.Fatalf("document shared the caller's buffer: %q", got[0].Payload)
	}
}
