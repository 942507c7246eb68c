/*
NAME
  pesunit.go

DESCRIPTION
  pesunit reassembles a PES unit (one coded video frame or audio access
  unit) from the stream of TS packets on a single PID. One Reassembler is
  installed as a PID's per-client private data (see pidreg); it concatenates
  payload bytes across continuation packets and, on the next unit-start
  packet, hands the just-completed unit to a caller-supplied callback before
  resetting its backing buffer for reuse -- spec.md §9 calls out this reuse
  explicitly to avoid allocator thrash across hundreds of thousands of PES
  units, the same problem the teacher's Extract (container/mts/payload.go)
  sidesteps by writing into one backing slice for an entire clip; here the
  backing slice belongs to a single in-flight unit instead, because we
  process one packet at a time rather than a whole clip up front.

AUTHOR
  tscut authors

LICENSE
  Copyright (C) 2024 tscut authors. Released under the MIT license.
*/

// Package pesunit reassembles PES units from a per-PID stream of TS
// packets.
package pesunit

import "github.com/tidewaveav/tscut/tspacket"

// Unit is a PES unit as currently known to a Reassembler: either still
// accumulating (Complete == false) or just finished.
type Unit struct {
	Start, End int64 // Byte offsets of the packet that opened/closed the unit.
	Data       []byte

	PCR     uint64
	HavePCR bool

	PTS     uint64
	DTS     uint64
	HavePTS bool
	HaveDTS bool

	HaveStart bool
	Complete  bool
}

func (u *Unit) reset() {
	u.Start = 0
	u.End = 0
	u.PCR = 0
	u.HavePCR = false
	u.PTS = 0
	u.DTS = 0
	u.HavePTS = false
	u.HaveDTS = false
	u.HaveStart = false
	u.Complete = false
	u.Data = u.Data[:0]
}

// Reassembler accumulates one PID's PES units, one at a time.
type Reassembler struct {
	cur Unit
}

// New returns an empty Reassembler with a modest initial backing buffer,
// matching the teacher's PES packet size constant.
func New() *Reassembler {
	r := &Reassembler{}
	r.cur.Data = make([]byte, 0, 4096)
	return r
}

// OnFinish is called synchronously, before the reassembler clears its
// buffer, with the PES unit that has just completed. The callee must not
// retain u.Data beyond the call: it is about to be truncated and reused.
type OnFinish func(u *Unit)

// Feed processes one TS packet belonging to this PID, at byte offset
// offset. If the packet carries payload_unit_start_indicator, the
// previously accumulating unit (if any) is finished and passed to
// onFinish before a new unit is started.
func (r *Reassembler) Feed(pkt []byte, offset int64, onFinish OnFinish) {
	payloadOff := tspacket.PayloadOffset(pkt)

	var pcr uint64
	var havePCR bool
	if tspacket.HasPCR(pkt) {
		if v, err := tspacket.PCR(pkt); err == nil {
			pcr, havePCR = v, true
		}
	}

	if tspacket.UnitStart(pkt) {
		if r.cur.HaveStart {
			r.cur.Complete = true
			r.cur.End = offset
			if onFinish != nil {
				onFinish(&r.cur)
			}
		}
		r.cur.reset()
		r.cur.Start = offset
		r.cur.HaveStart = true
		if havePCR {
			r.cur.PCR = pcr
			r.cur.HavePCR = true
		}

		pes := pkt[payloadOff:]
		dataStart := payloadOff
		if tspacket.LooksLikePES(pes) {
			if tspacket.PESHasPTS(pes) {
				r.cur.PTS = tspacket.PESPTS(pes)
				r.cur.HavePTS = true
			}
			if tspacket.PESHasDTS(pes) {
				r.cur.DTS = tspacket.PESDTS(pes)
				r.cur.HaveDTS = true
			}
			dataStart = payloadOff + tspacket.PESPayloadOffset(pes)
		}
		if dataStart < tspacket.Size {
			r.cur.Data = append(r.cur.Data, pkt[dataStart:]...)
		}
		return
	}

	if !r.cur.HaveStart {
		// Continuation data with no preceding unit-start: nothing to
		// attach it to, so it is dropped, matching the original's
		// behaviour of only ever appending after have_start is set.
		return
	}
	if payloadOff < tspacket.Size {
		r.cur.Data = append(r.cur.Data, pkt[payloadOff:]...)
	}
}

// Pending reports whether a unit is currently being accumulated.
func (r *Reassembler) Pending() bool {
	return r.cur.HaveStart && !r.cur.Complete
}
