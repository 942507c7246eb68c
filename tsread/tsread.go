/*
NAME
  tsread.go

DESCRIPTION
  tsread is the push-driven transport analyzer: it takes arbitrary chunks
  of MPEG-TS bytes via PushBuffer, resynchronises to the 0x47 sync byte
  whenever alignment is lost, parses PAT/PMT to populate a pidreg.Registry,
  and invokes a caller-supplied handler for every aligned 188-byte packet
  together with its byte offset in the overall stream. This is the same
  "callback-heavy control flow" spec.md §9 describes, re-expressible as a
  visitor with a continue? return -- which is what Handler does, so that
  the random-access I-frame fetch (snipper.GetIFrame) can short-circuit
  without reading the rest of the file.

  PAT/PMT parsing follows the same Comcast/gots calls the teacher's
  container/mts/mpegts.go Programs/Streams functions use, but driven packet
  by packet off a live byte offset rather than off a whole in-memory clip,
  since the analyzer must report offsets for the I-frame indexer and must
  not require the whole file to be resident.

AUTHOR
  tscut authors

LICENSE
  Copyright (C) 2024 tscut authors. Released under the MIT license.
*/

// Package tsread implements a push-driven MPEG-TS demultiplexer: PAT/PMT
// parsing, PID registry population, and per-packet dispatch.
package tsread

import (
	gotspsi "github.com/Comcast/gots/psi"

	"github.com/tidewaveav/tscut/pidreg"
	"github.com/tidewaveav/tscut/tslog"
	"github.com/tidewaveav/tscut/tspacket"
	"github.com/tidewaveav/tscut/tsval"
)

// PatPID is the fixed PID of the Program Association Table; the PMT's PID
// is learned from the PAT at run time.
const PatPID uint16 = 0x0000

// Handler is invoked once per aligned TS packet. pi is nil only for PIDs
// the registry has not yet been asked to create (never happens in
// practice, since Analyzer always calls GetOrCreate first). Returning
// false stops the analyzer from processing any further packets in the
// current PushBuffer call or any subsequent one.
type Handler func(pi *pidreg.PidInfo, pkt []byte, offset int64) bool

// Analyzer resynchronises an arbitrary byte stream to TS packet boundaries
// and dispatches PAT/PMT-aware packets to a Handler.
type Analyzer struct {
	reg     *pidreg.Registry
	handler Handler
	log     tslog.Logger

	carry  []byte // Bytes held over from a previous PushBuffer call.
	offset int64  // Running byte offset of the next byte to be consumed.

	pmtPID  uint16
	havePMT bool
	stopped bool
}

// Option configures an Analyzer at construction.
type Option func(*Analyzer)

// WithLogger installs a logger; the default is tslog.Discard().
func WithLogger(l tslog.Logger) Option {
	return func(a *Analyzer) { a.log = l }
}

// New returns an Analyzer that populates reg and calls handler for every
// aligned packet.
func New(reg *pidreg.Registry, handler Handler, opts ...Option) *Analyzer {
	a := &Analyzer{reg: reg, handler: handler, log: tslog.Discard()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Stopped reports whether the handler has asked the analyzer to stop.
func (a *Analyzer) Stopped() bool { return a.stopped }

// Offset returns the byte offset of the next byte the analyzer will
// consume, i.e. how much of the stream has been processed so far.
func (a *Analyzer) Offset() int64 { return a.offset }

// PushBuffer feeds the next chunk of stream bytes to the analyzer. It may
// be called repeatedly as more data becomes available. Returns false if
// the handler asked to stop.
func (a *Analyzer) PushBuffer(buf []byte) bool {
	if a.stopped {
		return false
	}

	data := buf
	if len(a.carry) > 0 {
		data = append(a.carry, buf...)
		a.carry = nil
	}

	i := 0
	for {
		if len(data)-i < tspacket.Size {
			break
		}
		if data[i] != tspacket.SyncByte {
			skipped := a.resync(data, i)
			if skipped < 0 {
				// No more sync candidates in this buffer; stash the tail.
				break
			}
			a.log.Warning("resynchronised after losing sync", "skippedBytes", skipped-i)
			a.offset += int64(skipped - i)
			i = skipped
			continue
		}

		pkt := data[i : i+tspacket.Size]
		if !a.dispatch(pkt) {
			a.stopped = true
			return false
		}
		i += tspacket.Size
		a.offset += tspacket.Size
	}

	if i < len(data) {
		a.carry = append(a.carry, data[i:]...)
	}
	return true
}

// resync scans forward from i for a sync byte followed by another sync
// byte exactly 188 bytes later, per spec.md §4.3's "best effort" recovery.
// Returns the index of the recovered sync byte, or -1 if none was found
// in data (the caller should stash the tail and wait for more bytes).
func (a *Analyzer) resync(data []byte, i int) int {
	for j := i; j+2*tspacket.Size <= len(data); j++ {
		if data[j] == tspacket.SyncByte && data[j+tspacket.Size] == tspacket.SyncByte {
			return j
		}
	}
	// Fall back: accept a lone sync byte near the end of the buffer so we
	// don't discard an entire packet's worth of carry unnecessarily.
	for j := i; j+tspacket.Size <= len(data); j++ {
		if data[j] == tspacket.SyncByte {
			return j
		}
	}
	return -1
}

func (a *Analyzer) dispatch(pkt []byte) bool {
	pid := tspacket.PID(pkt)
	pi := a.reg.GetOrCreate(pid)

	switch {
	case pid == PatPID:
		a.reg.SetType(pid, tsval.StreamPAT)
		a.parsePAT(pkt)
	case a.havePMT && pid == a.pmtPID:
		a.reg.SetType(pid, tsval.StreamPMT)
		a.parsePMT(pkt)
	}

	if a.handler == nil {
		return true
	}
	return a.handler(pi, pkt, a.offset)
}

func (a *Analyzer) parsePAT(pkt []byte) {
	if !tspacket.UnitStart(pkt) {
		return
	}
	// gots parses the section (including the pointer_field) straight out of
	// the raw packet, the same way the teacher's Programs() passes a whole
	// found TS packet to gotspsi.NewPAT.
	pat, err := gotspsi.NewPAT(pkt)
	if err != nil {
		a.log.Warning("malformed PAT, skipping", "error", err.Error())
		return
	}
	progs := pat.ProgramMap()
	if len(progs) == 0 {
		a.log.Warning("PAT carries no programs")
		return
	}
	// Non-goal: only the first program encountered is honoured.
	for _, pmtPID := range progs {
		a.pmtPID = uint16(pmtPID)
		a.havePMT = true
		break
	}
}

func (a *Analyzer) parsePMT(pkt []byte) {
	if !tspacket.UnitStart(pkt) {
		return
	}
	// As with Streams() in the teacher: strip the TS header/adaptation
	// field down to the MTS payload before handing it to gots.
	payload := pkt[tspacket.PayloadOffset(pkt):]
	if len(payload) == 0 {
		return
	}
	pmt, err := gotspsi.NewPMT(payload)
	if err != nil {
		a.log.Warning("malformed PMT, skipping", "error", err.Error())
		return
	}
	for _, es := range pmt.ElementaryStreams() {
		pid := uint16(es.ElementaryPid())
		st := tsval.StreamTypeFromPMT(es.StreamType())
		a.reg.SetType(pid, st)
	}
}
