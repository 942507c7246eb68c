/*
NAME
  slice.go

DESCRIPTION
  slice implements the cut-region model: a sorted, overlap-merging list of
  byte ranges to excise from the source stream, each also carrying the
  I-frame indices and PTS/PCR clocks that produced it so the rewriting
  engine can compute timestamp deltas without re-consulting the frame
  index. Slices are always expressed in I-frame-aligned coordinates;
  List.Add resolves a (begin_frame, end_frame) pair against a frameidx
  index into the actual byte/PTS/PCR span before inserting.

  The merge-on-insert, sorted-list approach mirrors the interval-list
  techniques the teacher's container/mts discontinuity tracker uses to
  fold adjacent gaps together, generalised here from "PID discontinuity
  spans" to "regions of the file the user wants gone".

AUTHOR
  tscut authors

LICENSE
  Copyright (C) 2024 tscut authors. Released under the MIT license.
*/

// Package slice implements the sorted, merging interval list of cut
// regions over a frame-indexed MPEG-TS stream.
package slice

import "github.com/tidewaveav/tscut/tsval"

// FrameRef is the minimal view of a frameidx.FrameInfo the slice model
// needs. Callers build a []FrameRef from their frame index (see
// snipper.frameRefs) before calling Add.
type FrameRef struct {
	Start          int64
	DanglingBStart int64
	PTS            uint64
	HavePTS        bool
	PCR            uint64
	HavePCR        bool
}

// Slice is one cut region: a half-open byte range [Begin, End) to be
// excised, plus the I-frame indices and clocks it was resolved from.
type Slice struct {
	ID tsval.SliceID

	BeginFrame, EndFrame tsval.FrameID // As given to Add; may be FrameIDInvalid.
	Begin, End           int64         // Half-open byte range.

	PTSBegin, PTSEnd     uint64
	HavePTSBegin, HavePTSEnd bool
	PCRBegin, PCREnd     uint64
	HavePCRBegin, HavePCREnd bool
}

// overlaps reports whether b begins at or before a ends, the merge
// trigger condition from spec.md §4.6.
func overlaps(a, b Slice) bool {
	return b.Begin <= a.End
}

// List is a sorted, non-overlapping list of Slices, ordered by Begin.
type List struct {
	items  []Slice
	nextID tsval.SliceID
}

// NewList returns an empty slice list.
func NewList() *List {
	return &List{}
}

// Len returns the number of slices currently in the list.
func (l *List) Len() int { return len(l.items) }

// frameByteStart resolves a frame id to the "begin" byte offset used by
// Add: FrameIDInvalid means the start of the file (offset 0); an id equal
// to len(frames) means "just past the last I-frame", resolved to that
// frame's end offset (or 0 if there are no frames at all); otherwise the
// frame's dangling-B-inclusive start.
func frameByteStart(frames []FrameRef, id tsval.FrameID) int64 {
	switch {
	case id == tsval.FrameIDInvalid:
		return 0
	case int(id) < len(frames):
		return frames[id].DanglingBStart
	case int(id) == len(frames) && len(frames) > 0:
		return frames[len(frames)-1].Start
	default:
		return 0
	}
}

// frameByteEnd resolves a frame id to the "end" byte offset used by Add:
// FrameIDInvalid or an id equal to or greater than the frame count means
// the end of the file (fileSize); otherwise the frame's own start offset, since the
// slice's byte span excludes the frame that begins the retained tail.
func frameByteEnd(frames []FrameRef, id tsval.FrameID, fileSize int64) int64 {
	if id == tsval.FrameIDInvalid || int(id) >= len(frames) {
		return fileSize
	}
	return frames[id].Start
}

// validFrameRef reports whether id names a known I-frame, the "from
// start"/"to end" sentinel, or the one-past-the-last-frame index.
func validFrameRef(id tsval.FrameID, frameCount int) bool {
	return id == tsval.FrameIDInvalid || int(id) <= frameCount
}

func frameClock(frames []FrameRef, id tsval.FrameID) (pts uint64, havePTS bool, pcr uint64, havePCR bool) {
	if int(id) < 0 || int(id) >= len(frames) {
		return 0, false, 0, false
	}
	f := frames[id]
	return f.PTS, f.HavePTS, f.PCR, f.HavePCR
}

// Add resolves (beginFrame, endFrame) against frames and fileSize and
// inserts the resulting Slice, merging it with any overlapping
// neighbours. Returns tsval.SliceIDInvalid if either frame id is not a
// known I-frame index, the one-past-the-last-frame index, or
// tsval.FrameIDInvalid, or if the resolved span is empty or inverted.
func (l *List) Add(frames []FrameRef, fileSize int64, beginFrame, endFrame tsval.FrameID) tsval.SliceID {
	if !validFrameRef(beginFrame, len(frames)) || !validFrameRef(endFrame, len(frames)) {
		return tsval.SliceIDInvalid
	}

	begin := frameByteStart(frames, beginFrame)
	end := frameByteEnd(frames, endFrame, fileSize)
	if begin >= end {
		return tsval.SliceIDInvalid
	}

	ptsBegin, havePTSBegin, pcrBegin, havePCRBegin := frameClock(frames, beginFrame)
	ptsEnd, havePTSEnd, pcrEnd, havePCREnd := frameClock(frames, endFrame)

	s := Slice{
		ID:           l.nextID,
		BeginFrame:   beginFrame,
		EndFrame:     endFrame,
		Begin:        begin,
		End:          end,
		PTSBegin:     ptsBegin,
		HavePTSBegin: havePTSBegin,
		PTSEnd:       ptsEnd,
		HavePTSEnd:   havePTSEnd,
		PCRBegin:     pcrBegin,
		HavePCRBegin: havePCRBegin,
		PCREnd:       pcrEnd,
		HavePCREnd:   havePCREnd,
	}
	l.nextID++
	l.insertAndMerge(s)
	return s.ID
}

// insertAndMerge inserts s in Begin order and folds it into any
// neighbours it overlaps, per spec.md §4.6: the surviving slice (the one
// contributing the larger End) keeps its own id and end-side fields; the
// begin-side fields always come from whichever slice begins first.
func (l *List) insertAndMerge(s Slice) {
	pos := 0
	for pos < len(l.items) && l.items[pos].Begin < s.Begin {
		pos++
	}
	items := make([]Slice, 0, len(l.items)+1)
	items = append(items, l.items[:pos]...)
	items = append(items, s)
	items = append(items, l.items[pos:]...)
	l.items = items

	// Repeatedly fold the inserted slice into its neighbours until no
	// overlap remains on either side.
	i := pos
	for i > 0 && overlaps(l.items[i-1], l.items[i]) {
		l.items[i-1] = merge(l.items[i-1], l.items[i])
		l.items = append(l.items[:i], l.items[i+1:]...)
		i--
	}
	for i+1 < len(l.items) && overlaps(l.items[i], l.items[i+1]) {
		l.items[i] = merge(l.items[i], l.items[i+1])
		l.items = append(l.items[:i+1], l.items[i+2:]...)
	}
}

// merge folds b into a, where a.Begin <= b.Begin. The slice contributing
// the larger End survives with its id and end-side fields; the other's
// begin-side fields are discarded since a's begin always wins.
func merge(a, b Slice) Slice {
	winner := a
	if b.End > a.End {
		winner = b
	}
	return Slice{
		ID:           winner.ID,
		BeginFrame:   a.BeginFrame,
		EndFrame:     winner.EndFrame,
		Begin:        a.Begin,
		End:          winner.End,
		PTSBegin:     a.PTSBegin,
		HavePTSBegin: a.HavePTSBegin,
		PTSEnd:       winner.PTSEnd,
		HavePTSEnd:   winner.HavePTSEnd,
		PCRBegin:     a.PCRBegin,
		HavePCRBegin: a.HavePCRBegin,
		PCREnd:       winner.PCREnd,
		HavePCREnd:   winner.HavePCREnd,
	}
}

// Delete removes the slice with the given id, if present, and reports
// whether it found one.
func (l *List) Delete(id tsval.SliceID) bool {
	for i, s := range l.items {
		if s.ID == id {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return true
		}
	}
	return false
}

// Find returns the slice containing byte offset b, if any.
func (l *List) Find(b int64) (Slice, bool) {
	for _, s := range l.items {
		if b < s.Begin {
			break
		}
		if b < s.End {
			return s, true
		}
	}
	return Slice{}, false
}

// FindByFrame returns the slice covering frame id frameID, as the
// caller's include-end flag directs: when includeEnd is true, a frame
// equal to a slice's EndFrame counts as covered.
func (l *List) FindByFrame(frameID tsval.FrameID, includeEnd bool) (Slice, bool) {
	for _, s := range l.items {
		if s.BeginFrame != tsval.FrameIDInvalid && frameID < s.BeginFrame {
			continue
		}
		upper := s.EndFrame
		if upper == tsval.FrameIDInvalid {
			return s, true
		}
		if includeEnd {
			if frameID <= upper {
				return s, true
			}
		} else if frameID < upper {
			return s, true
		}
	}
	return Slice{}, false
}

// Each calls visit for every slice in ascending Begin order, stopping
// early if visit returns false.
func (l *List) Each(visit func(Slice) bool) {
	for _, s := range l.items {
		if !visit(s) {
			return
		}
	}
}

// Slices returns a copy of the current slice list, in ascending Begin
// order.
func (l *List) Slices() []Slice {
	out := make([]Slice, len(l.items))
	copy(out, l.items)
	return out
}
