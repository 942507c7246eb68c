/*
NAME
  snipper.go

DESCRIPTION
  snipper is the core of the cut editor: it owns the source file, the PID
  registry, the I-frame index, and the slice list, and drives both the
  analyze and write passes through tsread.Analyzer. This file covers the
  lifecycle state machine, the analyze pass (PES reassembly of the video
  PID, I-frame indexing, incremental SHA-1 of the raw input), and the
  slice-list accessors; the rewriting engine lives in rewrite.go and the
  random-access I-frame fetch in iframe.go.

  The three-client-id split (analyze, random-access, writer) against one
  shared pidreg.Registry is this package's central idea: each pass keeps
  its own PES reassembly state on the same PidInfo without the others
  seeing it, which is what spec.md's "polymorphic extension state"
  describes and what pidreg.ClientID exists to isolate.

AUTHOR
  tscut authors

LICENSE
  Copyright (C) 2024 tscut authors. Released under the MIT license.
*/

// Package snipper implements the cut-editor core: analyze/write lifecycle,
// I-frame indexing, slice management, and the TS rewriting engine.
package snipper

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/tidewaveav/tscut/frameidx"
	"github.com/tidewaveav/tscut/pesunit"
	"github.com/tidewaveav/tscut/pidreg"
	"github.com/tidewaveav/tscut/slice"
	"github.com/tidewaveav/tscut/tslog"
	"github.com/tidewaveav/tscut/tspacket"
	"github.com/tidewaveav/tscut/tsread"
	"github.com/tidewaveav/tscut/tsval"
)

// State is one of the Snipper lifecycle states of spec.md §4.5.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateAnalyzing
	StateReady
	StateWriting
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateAnalyzing:
		return "analyzing"
	case StateReady:
		return "ready"
	case StateWriting:
		return "writing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Errors returned by Snipper operations, matching spec.md §7's error kinds.
var (
	ErrStateViolation = errors.New("snipper: operation not permitted in current state")
	ErrCancelled      = errors.New("snipper: pass cancelled by resume predicate")
)

// readChunk is the buffer size used when streaming the source file during
// analyze and write; it need not be a multiple of 188 since tsread.Analyzer
// carries partial packets across PushBuffer calls.
const readChunk = 64 * 1024

// Snipper owns one source TS file's analysis and editing state.
type Snipper struct {
	path string
	f    *os.File
	size int64

	reg                                     *pidreg.Registry
	clientAnalyze, clientRandom, clientWrite pidreg.ClientID

	stateMu sync.Mutex
	state   State

	fileMu sync.Mutex // serialises seeks+reads across passes
	dataMu sync.Mutex // guards index, slices, disabled PIDs

	index *frameidx.Indexer

	videoPID     uint16
	haveVideoPID bool
	videoCodec   tsval.CodecTag

	firstPCR, firstPTS         uint64
	haveFirstPCR, haveFirstPTS bool

	sha1Hex  string
	haveSHA1 bool

	slices   *slice.List
	disabled map[uint16]bool

	analyzeRead, analyzeTotal int64 // atomic
	writeRead, writeTotal     int64 // atomic

	refs int32 // atomic

	log tslog.Logger
}

// Option configures a Snipper at Open time.
type Option func(*Snipper)

// WithLogger installs a logger; the default discards everything.
func WithLogger(l tslog.Logger) Option {
	return func(s *Snipper) { s.log = l }
}

// Open opens path, stats its size, and returns a Snipper in
// StateInitialized with a reference count of one.
func Open(path string, opts ...Option) (*Snipper, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "snipper: open")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "snipper: stat")
	}

	reg := pidreg.NewRegistry()
	s := &Snipper{
		path:     path,
		f:        f,
		size:     fi.Size(),
		reg:      reg,
		state:    StateInitialized,
		slices:   slice.NewList(),
		disabled: make(map[uint16]bool),
		refs:     1,
		log:      tslog.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clientAnalyze = reg.RegisterClient()
	s.clientRandom = reg.RegisterClient()
	s.clientWrite = reg.RegisterClient()
	return s, nil
}

// Ref increments the reference count.
func (s *Snipper) Ref() { atomic.AddInt32(&s.refs, 1) }

// Unref decrements the reference count, closing the underlying file and
// registry once it reaches zero.
func (s *Snipper) Unref() {
	if atomic.AddInt32(&s.refs, -1) == 0 {
		s.close()
	}
}

func (s *Snipper) close() {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	s.reg.Close()
	s.f.Close()
}

// Filename returns the path the Snipper was opened on.
func (s *Snipper) Filename() string { return s.path }

// Size returns the source file's byte length.
func (s *Snipper) Size() int64 { return s.size }

// State returns the Snipper's current lifecycle state.
func (s *Snipper) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// SHA1 returns the hex-encoded SHA-1 of the bytes fed through analyze, if
// analyze has completed at least once.
func (s *Snipper) SHA1() (string, bool) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.sha1Hex, s.haveSHA1
}

// IFrameCount returns the number of I-frames indexed by the most recent
// analyze pass.
func (s *Snipper) IFrameCount() int {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return len(s.index.Frames())
}

// FrameInfo returns the indexed frame with the given id.
func (s *Snipper) FrameInfo(id tsval.FrameID) (frameidx.FrameInfo, bool) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	frames := s.index.Frames()
	if int(id) < 0 || int(id) >= len(frames) {
		return frameidx.FrameInfo{}, false
	}
	return frames[id], true
}

// VideoPID returns the PID of the first video elementary stream
// encountered during analyze.
func (s *Snipper) VideoPID() (uint16, bool) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.videoPID, s.haveVideoPID
}

// DisablePID marks pid to be dropped entirely during write.
func (s *Snipper) DisablePID(pid uint16) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	s.disabled[pid] = true
}

// EnablePID reverses a prior DisablePID.
func (s *Snipper) EnablePID(pid uint16) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	delete(s.disabled, pid)
}

// StatusAnalyze reports analyze progress as (bytes read, bytes total).
func (s *Snipper) StatusAnalyze() (int64, int64) {
	return atomic.LoadInt64(&s.analyzeRead), atomic.LoadInt64(&s.analyzeTotal)
}

// StatusWrite reports write progress as (bytes read, bytes total).
func (s *Snipper) StatusWrite() (int64, int64) {
	return atomic.LoadInt64(&s.writeRead), atomic.LoadInt64(&s.writeTotal)
}

// Analyze performs the single streaming pass that builds the I-frame
// index and content hash. It is idempotent once Ready: calling it again
// re-runs from byte 0 after clearing the frame index. resume, if non-nil,
// is consulted after every buffer read; returning false aborts the pass
// and leaves the Snipper back in StateInitialized. The frames indexed
// before the abort stay in the index until the next Analyze clears it.
func (s *Snipper) Analyze(resume func() bool) error {
	s.stateMu.Lock()
	switch s.state {
	case StateInitialized, StateReady:
		s.state = StateAnalyzing
	default:
		s.stateMu.Unlock()
		return ErrStateViolation
	}
	s.stateMu.Unlock()

	s.dataMu.Lock()
	s.index = frameidx.New(tsval.CodecUnknown)
	s.haveVideoPID = false
	s.videoPID = 0
	s.videoCodec = tsval.CodecUnknown
	s.haveFirstPCR = false
	s.haveFirstPTS = false
	s.haveSHA1 = false
	s.dataMu.Unlock()
	s.reg.ClearAllForClient(s.clientAnalyze)

	atomic.StoreInt64(&s.analyzeRead, 0)
	atomic.StoreInt64(&s.analyzeTotal, s.size)

	err := s.runAnalyzePass(resume)

	s.stateMu.Lock()
	if err != nil {
		s.state = StateInitialized
	} else {
		s.state = StateReady
	}
	s.stateMu.Unlock()
	return err
}

func (s *Snipper) runAnalyzePass(resume func() bool) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "snipper: seek")
	}

	hasher := sha1.New()

	an := tsread.New(s.reg, func(pi *pidreg.PidInfo, pkt []byte, offset int64) bool {
		hasher.Write(pkt)
		s.observeClocks(pkt)

		if pi.Type.IsVideo() {
			s.dataMu.Lock()
			if !s.haveVideoPID {
				s.haveVideoPID = true
				s.videoPID = pi.PID
				s.videoCodec = codecFromStreamType(pi.Type)
				s.index = frameidx.New(s.videoCodec)
			}
			s.dataMu.Unlock()
		}

		if s.haveVideoPID && pi.PID == s.videoPID {
			re, _ := pi.GetPrivate(s.clientAnalyze)
			reassembler, ok := re.(*pesunit.Reassembler)
			if !ok {
				reassembler = pesunit.New()
				pi.SetPrivate(s.clientAnalyze, reassembler, nil)
			}
			reassembler.Feed(pkt, offset, func(u *pesunit.Unit) {
				s.dataMu.Lock()
				s.index.Feed(u.Data, u.Start, u.End, u.PTS, u.DTS, u.PCR, u.HavePTS, u.HaveDTS, u.HavePCR)
				s.dataMu.Unlock()
			})
		}
		return true
	}, tsread.WithLogger(s.log))

	buf := make([]byte, readChunk)
	for {
		n, rerr := s.f.Read(buf)
		if n > 0 {
			if !an.PushBuffer(buf[:n]) {
				break
			}
			atomic.AddInt64(&s.analyzeRead, int64(n))
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

	s.dataMu.Lock()
	s.sha1Hex = hex.EncodeToString(hasher.Sum(nil))
	s.haveSHA1 = true
	s.dataMu.Unlock()
	return nil
}

// observeClocks records the first PCR/PTS seen on any packet, used as the
// "first_pcr_of_stream"/"first_pts_of_stream" fallback in the rewriting
// engine's slice-entry calculations.
func (s *Snipper) observeClocks(pkt []byte) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	if !s.haveFirstPCR && tspacket.HasPCR(pkt) {
		if v, err := tspacket.PCR(pkt); err == nil {
			s.firstPCR, s.haveFirstPCR = v, true
		}
	}
	if !s.haveFirstPTS && tspacket.UnitStart(pkt) {
		off := tspacket.PayloadOffset(pkt)
		if off < tspacket.Size {
			pes := pkt[off:]
			if tspacket.LooksLikePES(pes) && tspacket.PESHasPTS(pes) {
				s.firstPTS, s.haveFirstPTS = tspacket.PESPTS(pes), true
			}
		}
	}
}

func codecFromStreamType(t tsval.StreamType) tsval.CodecTag {
	switch t {
	case tsval.StreamVideoMPEG2:
		return tsval.CodecMPEG2
	case tsval.StreamVideoH264:
		return tsval.CodecH264
	default:
		return tsval.CodecUnknown
	}
}

// frameRefs builds the []slice.FrameRef view of the current frame index
// that the slice list needs to resolve frame ids to byte/clock ranges.
// Caller must hold dataMu.
func (s *Snipper) frameRefs() []slice.FrameRef {
	frames := s.index.Frames()
	out := make([]slice.FrameRef, len(frames))
	for i, f := range frames {
		out[i] = slice.FrameRef{
			Start:          f.Start,
			DanglingBStart: f.DanglingBStart,
			PTS:            f.PTS,
			HavePTS:        f.HavePTS,
			PCR:            f.PCR,
			HavePCR:        f.HavePCR,
		}
	}
	return out
}

// AddSlice inserts a cut region expressed in I-frame coordinates; see
// slice.List.Add for sentinel and merge semantics. Permitted only in
// StateReady.
func (s *Snipper) AddSlice(begin, end tsval.FrameID) tsval.SliceID {
	if s.State() != StateReady {
		return tsval.SliceIDInvalid
	}
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.slices.Add(s.frameRefs(), s.size, begin, end)
}

// DeleteSlice removes the slice with the given id.
func (s *Snipper) DeleteSlice(id tsval.SliceID) bool {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.slices.Delete(id)
}

// FindSliceForFrame returns the slice covering frameID, if any.
func (s *Snipper) FindSliceForFrame(frameID tsval.FrameID, includeEnd bool) (slice.Slice, bool) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.slices.FindByFrame(frameID, includeEnd)
}

// EnumSlices invokes visit for each slice in ascending Begin order. A
// snapshot is taken under dataMu and visit is called without the lock
// held, so visit may itself call other Snipper methods (spec.md §5).
func (s *Snipper) EnumSlices(visit func(slice.Slice) bool) {
	s.dataMu.Lock()
	snapshot := s.slices.Slices()
	s.dataMu.Unlock()
	for _, sl := range snapshot {
		if !visit(sl) {
			return
		}
	}
}
