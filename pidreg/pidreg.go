/*
NAME
  pidreg.go

DESCRIPTION
  pidreg is the PID registry: a mapping from 13-bit PID to a PidInfo
  descriptor carrying the stream's type and a small per-client slot table
  of "private data" extension state. Several independent passes over the
  same file (analyze, random-access I-frame fetch, write) run against the
  same Registry and must not see each other's reassembly state; each pass
  registers its own client id and addresses its slot through that id, the
  same generalisation spec.md §4.2/§9 describes as "polymorphic extension
  state".

AUTHOR
  tscut authors

LICENSE
  Copyright (C) 2024 tscut authors. Released under the MIT license.
*/

// Package pidreg implements the PID registry used by the transport
// analyzer and the snipper core to track per-elementary-stream state.
package pidreg

import (
	"sync"

	"github.com/tidewaveav/tscut/tsval"
)

// ClientID identifies one of the independent consumers of per-PID private
// state (the analyzer pass, the random-access fetch pass, the writer pass).
type ClientID uint32

// privateSlot holds one client's opaque extension data for a PID, plus the
// function to invoke when that data is cleared or the PidInfo is destroyed.
type privateSlot struct {
	data interface{}
	free func(interface{})
}

// PidInfo describes one PID: its assigned stream type and, per client, any
// private extension data that client has attached to it (e.g. a PES
// reassembler for the analyzer client).
type PidInfo struct {
	PID  uint16
	Type tsval.StreamType

	mu    sync.Mutex
	slots map[ClientID]privateSlot
}

// SetPrivate attaches data to client's slot for this PID, installing free to
// be called when the slot is cleared (by ClearPrivate, ClearAllForClient, or
// Registry teardown). A previous occupant's free function, if any, is
// invoked first.
func (pi *PidInfo) SetPrivate(client ClientID, data interface{}, free func(interface{})) {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	if pi.slots == nil {
		pi.slots = make(map[ClientID]privateSlot)
	}
	if old, ok := pi.slots[client]; ok && old.free != nil {
		old.free(old.data)
	}
	pi.slots[client] = privateSlot{data: data, free: free}
}

// GetPrivate returns client's private data for this PID, if any.
func (pi *PidInfo) GetPrivate(client ClientID) (interface{}, bool) {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	s, ok := pi.slots[client]
	if !ok {
		return nil, false
	}
	return s.data, true
}

// ClearPrivate invokes client's free callback, if any, and removes its slot.
func (pi *PidInfo) ClearPrivate(client ClientID) {
	pi.mu.Lock()
	s, ok := pi.slots[client]
	delete(pi.slots, client)
	pi.mu.Unlock()
	if ok && s.free != nil {
		s.free(s.data)
	}
}

// clearAll invokes every client's free callback and drops all slots. Used
// when a PidInfo is destroyed outright.
func (pi *PidInfo) clearAll() {
	pi.mu.Lock()
	slots := pi.slots
	pi.slots = nil
	pi.mu.Unlock()
	for _, s := range slots {
		if s.free != nil {
			s.free(s.data)
		}
	}
}

// Registry maps PID to PidInfo and allocates stable client ids. A Registry
// is safe for concurrent use: the writer pass and a foreground status
// reader may both touch it while a worker owns the Snipper (spec.md §5).
type Registry struct {
	mu      sync.Mutex
	pids    map[uint16]*PidInfo
	nextCli ClientID
}

// NewRegistry returns an empty PID registry.
func NewRegistry() *Registry {
	return &Registry{pids: make(map[uint16]*PidInfo)}
}

// RegisterClient allocates a new, stable client id, distinct from every
// previously registered client of this registry.
func (r *Registry) RegisterClient() ClientID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextCli
	r.nextCli++
	return id
}

// GetOrCreate returns the PidInfo for pid, creating an untyped one (Type ==
// tsval.StreamUnknown) if this is the first time pid has been seen.
func (r *Registry) GetOrCreate(pid uint16) *PidInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	pi, ok := r.pids[pid]
	if !ok {
		pi = &PidInfo{PID: pid}
		r.pids[pid] = pi
	}
	return pi
}

// Get returns the PidInfo for pid without creating one.
func (r *Registry) Get(pid uint16) (*PidInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pi, ok := r.pids[pid]
	return pi, ok
}

// SetType assigns a stream type to pid the first time it is seen; later
// calls (e.g. a PMT version update re-describing the same PID) are no-ops,
// per spec.md §4.3's "first-seen wins, later updates retain prior client
// private data" rule.
func (r *Registry) SetType(pid uint16, t tsval.StreamType) {
	pi := r.GetOrCreate(pid)
	pi.mu.Lock()
	defer pi.mu.Unlock()
	if pi.Type == tsval.StreamUnknown {
		pi.Type = t
	}
}

// PidCount returns the number of distinct PIDs observed so far.
func (r *Registry) PidCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pids)
}

// ClearAllForClient clears client's private slot on every known PID,
// running each slot's free callback. Used when a pass (analyze,
// random-access fetch, write) finishes or is restarted.
func (r *Registry) ClearAllForClient(client ClientID) {
	r.mu.Lock()
	pids := make([]*PidInfo, 0, len(r.pids))
	for _, pi := range r.pids {
		pids = append(pids, pi)
	}
	r.mu.Unlock()
	for _, pi := range pids {
		pi.ClearPrivate(client)
	}
}

// Each calls f for every known PidInfo. f must not mutate the registry.
func (r *Registry) Each(f func(*PidInfo)) {
	r.mu.Lock()
	pids := make([]*PidInfo, 0, len(r.pids))
	for _, pi := range r.pids {
		pids = append(pids, pi)
	}
	r.mu.Unlock()
	for _, pi := range pids {
		f(pi)
	}
}

// Close destroys every PidInfo, invoking all pending private-data drop
// callbacks for every client.
func (r *Registry) Close() {
	r.mu.Lock()
	pids := r.pids
	r.pids = make(map[uint16]*PidInfo)
	r.mu.Unlock()
	for _, pi := range pids {
		pi.clearAll()
	}
}
