/*
NAME
  rewrite.go

DESCRIPTION
  rewrite.go is the rewriting engine: the second streaming pass that
  walks the slice list alongside the byte stream, decides per packet
  whether to keep, drop, or keep-until-the-next-unit-boundary, rewrites
  PCR/PTS/DTS by subtracting the time removed so far, and patches each
  PID's continuity counter. This is deliberately packet-granular rather
  than PES-unit-granular: unlike analyze's indexer, the writer never
  needs a reassembled unit, only the handful of header fields a single
  packet carries, so there is no pesunit.Reassembler here at all.

AUTHOR
  tscut authors

LICENSE
  Copyright (C) 2024 tscut authors. Released under the MIT license.
*/

package snipper

import (
	"io"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/tidewaveav/tscut/pidreg"
	"github.com/tidewaveav/tscut/slice"
	"github.com/tidewaveav/tscut/tspacket"
	"github.com/tidewaveav/tscut/tsread"
	"github.com/tidewaveav/tscut/tsval"
)

// writerAction is a per-PID state in the rewriting engine's small state
// machine (spec.md §4.7).
type writerAction int

const (
	actionIgnoreUntilUnitStart writerAction = iota
	actionWrite
	actionWriteUntilUnitStart
	actionIgnore
)

// stuffingPID is the reserved null-packet PID: passed through outside a
// slice (unless explicitly disabled) and dropped inside one.
const stuffingPID uint16 = 0x1FFF

// pidWriterState is the per-PID state the rewriting engine threads
// across packets: the keep/drop action, the output continuity counter,
// and the last PTS seen (for the drift heuristic).
type pidWriterState struct {
	action     writerAction
	cc         byte
	ccInit     bool
	ptsLast    uint64
	havePTSLast bool
}

// Sink receives successive chunks of rewritten output; a multiple of 188
// bytes except for the final call. Returning false aborts the write.
type Sink func([]byte) bool

// writeEngine holds all state for one write() call.
type writeEngine struct {
	s *Snipper

	disabled map[uint16]bool
	videoPID uint16

	pidState map[uint16]*pidWriterState

	slices     []slice.Slice
	activeIdx  int
	wasInSlice bool

	pcrDelta            uint64
	pcrDeltaAccumulator uint64
	ptsCut              uint64
	havePTSCut          bool
	ptsDeltaTolerance   int64
	ptsBegin            uint64

	havePAT, havePMT bool
	pmtPID           uint16
	havePMTPID       bool

	out       []byte
	sink      Sink
	sinkFailed bool
}

// ErrSinkFailure is returned when the caller-supplied sink rejects output.
var ErrSinkFailure = errors.New("snipper: sink rejected output")

// Write streams the source a second time, applying the current slice
// list, and hands successive output chunks to sink. Permitted only in
// StateReady; transitions Ready -> Writing -> Ready regardless of
// outcome.
func (s *Snipper) Write(sink Sink, resume func() bool) error {
	s.stateMu.Lock()
	if s.state != StateReady {
		s.stateMu.Unlock()
		return ErrStateViolation
	}
	s.state = StateWriting
	s.stateMu.Unlock()

	defer func() {
		s.stateMu.Lock()
		s.state = StateReady
		s.stateMu.Unlock()
	}()

	s.dataMu.Lock()
	slices := s.slices.Slices()
	disabled := make(map[uint16]bool, len(s.disabled))
	for pid := range s.disabled {
		disabled[pid] = true
	}
	videoPID := s.videoPID
	s.dataMu.Unlock()

	e := &writeEngine{
		s:        s,
		disabled: disabled,
		videoPID: videoPID,
		pidState: make(map[uint16]*pidWriterState),
		slices:   slices,
		sink:     sink,
		out:      make([]byte, 0, readChunk),
	}

	s.reg.ClearAllForClient(s.clientWrite)
	atomic.StoreInt64(&s.writeRead, 0)
	atomic.StoreInt64(&s.writeTotal, s.size)

	return e.run(resume)
}

func (e *writeEngine) run(resume func() bool) error {
	s := e.s
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "snipper: seek")
	}

	an := tsread.New(s.reg, func(pi *pidreg.PidInfo, pkt []byte, offset int64) bool {
		return e.handlePacket(pi, pkt, offset)
	}, tsread.WithLogger(s.log))

	buf := make([]byte, readChunk)
	for {
		n, rerr := s.f.Read(buf)
		if n > 0 {
			if !an.PushBuffer(buf[:n]) {
				break
			}
			atomic.AddInt64(&s.writeRead, int64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return errors.Wrap(rerr, "snipper: read")
		}
		if resume != nil && !resume() {
			return ErrCancelled
		}
	}
	if e.sinkFailed {
		return ErrSinkFailure
	}
	return e.flush(true)
}

func (e *writeEngine) handlePacket(pi *pidreg.PidInfo, pkt []byte, offset int64) bool {
	if e.sinkFailed {
		return false
	}

	inSlice, activeSlice := e.advance(offset)
	if !e.wasInSlice && inSlice {
		e.enterSlice(activeSlice)
	} else if e.wasInSlice && !inSlice {
		e.leaveSlice()
	}
	e.wasInSlice = inSlice

	pid := pi.PID
	e.recordPMTPID()
	write := e.shouldWrite(pid, pkt, inSlice, activeSlice)

	if pid == 0x0000 && !e.havePAT {
		write = true
		e.havePAT = true
	}
	if e.havePMTPID && pid == e.pmtPID && !e.havePMT {
		write = true
		e.havePMT = true
	}

	st := e.stateFor(pid, inSlice)
	if pts, ok := packetPTS(pkt); ok {
		st.ptsLast, st.havePTSLast = pts, true
	}

	if !write {
		return !e.sinkFailed
	}

	out := append([]byte(nil), pkt...)
	rewriteClocks(out, e.pcrDelta)
	advanceCC(out, st)

	e.out = append(e.out, out...)
	if len(e.out) >= readChunk {
		if err := e.flush(false); err != nil {
			e.sinkFailed = true
			return false
		}
	}
	return true
}

// recordPMTPID discovers the PMT's PID once tsread.Analyzer has parsed it
// from the PAT and registered the PMT's own PID, so forced PMT keep
// (spec.md §4.7 step 4) can recognise it on sight. Called on every packet,
// since the registry only learns the PMT's type when the PMT's own packet
// is dispatched -- one packet after the PAT that named its PID.
func (e *writeEngine) recordPMTPID() {
	if e.havePMTPID {
		return
	}
	e.s.reg.Each(func(info *pidreg.PidInfo) {
		if info.Type == tsval.StreamPMT {
			e.pmtPID = info.PID
			e.havePMTPID = true
		}
	})
}

// advance moves the active-slice cursor past every slice whose End is at
// or before offset, and reports whether offset falls within the new
// active slice.
func (e *writeEngine) advance(offset int64) (bool, slice.Slice) {
	for e.activeIdx < len(e.slices) && e.slices[e.activeIdx].End <= offset {
		e.activeIdx++
	}
	if e.activeIdx >= len(e.slices) {
		return false, slice.Slice{}
	}
	cur := e.slices[e.activeIdx]
	return cur.Begin <= offset && offset < cur.End, cur
}

func (e *writeEngine) enterSlice(active slice.Slice) {
	for _, st := range e.pidState {
		st.action = actionWriteUntilUnitStart
	}

	pcrBegin := e.s.firstPCR
	if active.HavePCRBegin {
		pcrBegin = active.PCRBegin
	}
	ptsBegin := e.s.firstPTS
	if active.HavePTSBegin {
		ptsBegin = active.PTSBegin
	}
	e.ptsBegin = ptsBegin

	e.ptsCut = active.PTSEnd
	e.havePTSCut = active.HavePTSEnd

	if active.PCREnd >= pcrBegin {
		e.pcrDeltaAccumulator = active.PCREnd - pcrBegin
	} else {
		e.pcrDeltaAccumulator = 0
	}
	e.ptsDeltaTolerance = int64(active.PTSEnd-ptsBegin) - int64(e.pcrDeltaAccumulator)/300
}

func (e *writeEngine) leaveSlice() {
	for _, st := range e.pidState {
		st.action = actionIgnoreUntilUnitStart
	}
	e.pcrDelta += e.pcrDeltaAccumulator
	e.pcrDeltaAccumulator = 0
}

// stateFor returns pid's writer state, creating it if this is the first
// packet seen for pid. A brand-new PID's initial action mirrors whatever
// enterSlice/leaveSlice would have set had it existed already, so a PID
// that first appears mid-slice starts WriteUntilUnitStart rather than
// wrongly defaulting to the outside-slice Ignore state.
func (e *writeEngine) stateFor(pid uint16, inSlice bool) *pidWriterState {
	st, ok := e.pidState[pid]
	if !ok {
		action := actionIgnoreUntilUnitStart
		if inSlice {
			action = actionWriteUntilUnitStart
		}
		st = &pidWriterState{action: action}
		e.pidState[pid] = st
	}
	return st
}

// shouldWrite implements spec.md §4.7 step 3.
func (e *writeEngine) shouldWrite(pid uint16, pkt []byte, inSlice bool, active slice.Slice) bool {
	if e.disabled[pid] {
		return false
	}

	st := e.stateFor(pid, inSlice)
	unitStart := tspacket.UnitStart(pkt)
	pts, havePTS := packetPTS(pkt)
	isVideo := pid == e.videoPID

	if !inSlice {
		if st.action == actionIgnoreUntilUnitStart && unitStart {
			st.action = actionWrite
		}
		if havePTS && e.havePTSCut {
			behind := ptsBehind(pts, e.ptsCut)
			if isVideo {
				if behind > 0 {
					st.action = actionIgnoreUntilUnitStart
				}
			} else if behind > e.ptsDeltaTolerance {
				st.action = actionIgnoreUntilUnitStart
			}
		}
		return st.action == actionWrite || pid == stuffingPID
	}

	if st.action == actionWriteUntilUnitStart && unitStart {
		st.action = actionIgnore
	}
	if havePTS && !isVideo {
		if pts < e.ptsBegin || pts >= active.PTSEnd {
			st.action = actionWriteUntilUnitStart
		}
	}
	return st.action != actionIgnore && pid != stuffingPID
}

// ptsBehind returns how far pts trails cut, treating PTS as a 33-bit
// wrapping clock; a positive result means pts is behind cut.
func ptsBehind(pts, cut uint64) int64 {
	const mod = int64(1) << 33
	d := (int64(cut) - int64(pts)) % mod
	if d < -mod/2 {
		d += mod
	} else if d > mod/2 {
		d -= mod
	}
	return d
}

func packetPTS(pkt []byte) (uint64, bool) {
	if !tspacket.UnitStart(pkt) {
		return 0, false
	}
	off := tspacket.PayloadOffset(pkt)
	if off >= tspacket.Size {
		return 0, false
	}
	pes := pkt[off:]
	if !tspacket.LooksLikePES(pes) || !tspacket.PESHasPTS(pes) {
		return 0, false
	}
	return tspacket.PESPTS(pes), true
}

// rewriteClocks subtracts delta (27MHz units) from any PCR in the
// adaptation field and delta/300 (90kHz units) from any PTS/DTS in the
// PES header, in place.
func rewriteClocks(pkt []byte, delta uint64) {
	if tspacket.HasPCR(pkt) {
		if v, err := tspacket.PCR(pkt); err == nil && v >= delta {
			tspacket.SetPCR(pkt, v-delta)
		}
	}
	if !tspacket.UnitStart(pkt) {
		return
	}
	off := tspacket.PayloadOffset(pkt)
	if off >= tspacket.Size {
		return
	}
	pes := pkt[off:]
	if !tspacket.LooksLikePES(pes) {
		return
	}
	ptsDelta := delta / 300
	if tspacket.PESHasPTS(pes) {
		if v := tspacket.PESPTS(pes); v >= ptsDelta {
			tspacket.SetPESPTS(pes, v-ptsDelta)
		}
	}
	if tspacket.PESHasDTS(pes) {
		if v := tspacket.PESDTS(pes); v >= ptsDelta {
			tspacket.SetPESDTS(pes, v-ptsDelta)
		}
	}
}

// advanceCC assigns pkt's output continuity counter: the source's own
// value on the first packet written for this PID, then +1 mod 16 on
// every later packet that carries a payload (adaptation-only packets do
// not advance it), per spec.md §8 invariant 2.
func advanceCC(pkt []byte, st *pidWriterState) {
	if !st.ccInit {
		st.cc = tspacket.ContinuityCounter(pkt)
		st.ccInit = true
	} else if tspacket.HasPayload(pkt) {
		st.cc = (st.cc + 1) & 0x0f
	}
	tspacket.SetContinuityCounter(pkt, st.cc)
}

func (e *writeEngine) flush(final bool) error {
	if len(e.out) == 0 {
		return nil
	}
	if !e.sink(e.out) {
		return ErrSinkFailure
	}
	e.out = e.out[:0]
	return nil
}
