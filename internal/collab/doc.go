// Package collab implements the per-tournament collaboration plane: the
// mergeable document, the binary sync/presence codec, the room protocol and
// the room manager.
package collab

import (
	"slices"
	"sort"
)

// Update is one opaque change produced by a client editor. Updates merge
// order-independently: the document keeps at most one payload per
// (client, clock) pair, so replaying or reordering a batch cannot change the
// converged state.
type Update struct {
	Client  uint64
	Clock   uint64
	Payload []byte
}

// StateVector maps a client id to the highest clock observed for it. A peer
// advertises its vector to receive only the updates it lacks.
type StateVector map[uint64]uint64

// Document is the process-lifetime mergeable document a room serves. It is
// not safe for concurrent use; the owning room serializes access.
type Document struct {
	updates map[uint64][]Update // per client, ascending by clock
}

// NewDocument creates an empty document.
func NewDocument() *Document {
	return &Document{updates: make(map[uint64][]Update)}
}

// Apply merges a batch into the document and returns the updates that were
// previously unseen, in the order they were applied. Duplicates are ignored.
func (d *Document) Apply(batch []Update) []Update {
	var fresh []Update
	for _, u := range batch {
		list := d.updates[u.Client]
		idx := sort.Search(len(list), func(i int) bool { return list[i].Clock >= u.Clock })
		if idx < len(list) && list[idx].Clock == u.Clock {
			continue
		}
		stored := Update{Client: u.Client, Clock: u.Clock, Payload: slices.Clone(u.Payload)}
		list = slices.Insert(list, idx, stored)
		d.updates[u.Client] = list
		fresh = append(fresh, stored)
	}
	return fresh
}

// StateVector returns the document's current vector.
func (d *Document) StateVector() StateVector {
	sv := make(StateVector, len(d.updates))
	for client, list := range d.updates {
		if len(list) > 0 {
			sv[client] = list[len(list)-1].Clock
		}
	}
	return sv
}

// Diff returns every update the remote vector has not observed. A nil vector
// yields the full document.
func (d *Document) Diff(remote StateVector) []Update {
	clients := make([]uint64, 0, len(d.updates))
	for client := range d.updates {
		clients = append(clients, client)
	}
	slices.Sort(clients)

	var missing []Update
	for _, client := range clients {
		have := remote[client]
		for _, u := range d.updates[client] {
			if u.Clock > have {
				missing = append(missing, u)
			}
		}
	}
	return missing
}

// Len reports the number of stored updates.
func (d *Document) Len() int {
	n := 0
	for _, list := range d.updates {
		n += len(list)
	}
	return n
}
