/*
NAME
  frameidx.go

DESCRIPTION
  frameidx is the I-frame indexer: given each PES unit reassembled off the
  program's video PID (see pesunit), it scans for an MPEG-2 picture-start
  code or an H.264 IDR NAL and, on a hit, appends a FrameInfo recording the
  frame's byte range, clocks, and codec tag. It also tracks "dangling B
  frames" transmitted out of display order ahead of the I/P frame they
  depend on, so that a cut removing that I/P also removes the B frames
  that would otherwise reference a frame no longer in the output.

  The byte-scanning approach (walk the reassembled unit looking for a
  start code, then read a handful of bits past it) is the same technique
  the teacher's codec/h264 NAL splitter and codec/jpeg lexer use to find
  structure inside an opaque byte blob, adapted here to look for picture
  boundaries instead of JPEG markers or NAL units destined for a muxer.

AUTHOR
  tscut authors

LICENSE
  Copyright (C) 2024 tscut authors. Released under the MIT license.
*/

// Package frameidx builds the random-access I-frame index consumed by the
// slice model and the rewriting engine.
package frameidx

import "github.com/tidewaveav/tscut/tsval"

// FrameInfo describes one indexed I-frame (MPEG-2) or IDR frame (H.264).
type FrameInfo struct {
	Num   uint32 // Ascending from 0.
	Start int64  // Byte offset of the PES unit's opening packet.
	End   int64  // Byte offset one past the PES unit's last packet.

	// DanglingBStart is Start unless one or more B frames were
	// transmitted immediately before this frame in decode order; in that
	// case it is the Start of the earliest such B frame. A cut beginning
	// at this frame must begin its byte span here, not at Start, so that
	// the dangling B frames are removed along with the I they depend on.
	DanglingBStart int64

	PTS, DTS         uint64
	HavePTS, HaveDTS bool
	PCR              uint64
	HavePCR          bool

	Codec tsval.CodecTag
}

// Indexer accumulates FrameInfo entries for a single video elementary
// stream as its PES units are reassembled.
type Indexer struct {
	codec tsval.CodecTag
	infos []FrameInfo

	danglingStart int64
	haveDangling  bool
}

// New returns an Indexer for a stream of the given codec.
func New(codec tsval.CodecTag) *Indexer {
	return &Indexer{codec: codec}
}

// Frames returns every FrameInfo indexed so far, in ascending Num order.
// The returned slice must not be modified.
func (ix *Indexer) Frames() []FrameInfo { return ix.infos }

// Reset discards all indexed frames and dangling-B state, for re-analysis
// from the start of the file.
func (ix *Indexer) Reset() {
	ix.infos = ix.infos[:0]
	ix.haveDangling = false
	ix.danglingStart = 0
}

// pictureKind classifies one scanned MPEG-2 picture_coding_type.
type pictureKind int

const (
	kindNone pictureKind = iota
	kindI
	kindP
	kindB
)

// Feed scans one reassembled PES unit (data is the elementary-stream
// payload, with start its byte offset and end one past its last packet)
// for a picture/IDR start code, updating the dangling-B marker and
// appending a FrameInfo on a hit.
func (ix *Indexer) Feed(data []byte, start, end int64, pts, dts, pcr uint64, havePTS, haveDTS, havePCR bool) {
	switch ix.codec {
	case tsval.CodecMPEG2:
		ix.feedMPEG2(data, start, end, pts, dts, pcr, havePTS, haveDTS, havePCR)
	case tsval.CodecH264:
		ix.feedH264(data, start, end, pts, dts, pcr, havePTS, haveDTS, havePCR)
	}
}

func (ix *Indexer) feedMPEG2(data []byte, start, end int64, pts, dts, pcr uint64, havePTS, haveDTS, havePCR bool) {
	kind := scanMPEG2PictureType(data)
	switch kind {
	case kindI:
		ix.appendFrame(start, end, pts, dts, pcr, havePTS, haveDTS, havePCR, tsval.CodecMPEG2)
	case kindP:
		ix.haveDangling = false
	case kindB:
		if !ix.haveDangling {
			ix.danglingStart = start
			ix.haveDangling = true
		}
	}
}

func (ix *Indexer) feedH264(data []byte, start, end int64, pts, dts, pcr uint64, havePTS, haveDTS, havePCR bool) {
	if !scanH264IDR(data) {
		return
	}
	ix.appendFrame(start, end, pts, dts, pcr, havePTS, haveDTS, havePCR, tsval.CodecH264)
}

func (ix *Indexer) appendFrame(start, end int64, pts, dts, pcr uint64, havePTS, haveDTS, havePCR bool, codec tsval.CodecTag) {
	dangling := start
	if ix.haveDangling {
		dangling = ix.danglingStart
	}
	ix.infos = append(ix.infos, FrameInfo{
		Num:            uint32(len(ix.infos)),
		Start:          start,
		End:            end,
		DanglingBStart: dangling,
		PTS:            pts,
		DTS:            dts,
		HavePTS:        havePTS,
		HaveDTS:        haveDTS,
		PCR:            pcr,
		HavePCR:        havePCR,
		Codec:          codec,
	})
	// H.264 does not maintain the dangling-B pointer across P/B slices
	// (only IDRs are indexed), so the marker only matters on the MPEG-2
	// path; clearing it here for both codecs is harmless since feedH264
	// never sets it.
	ix.haveDangling = false
}

// scanMPEG2PictureType looks for the ISO/IEC 13818-2 picture_start_code
// 00 00 01 00 and classifies the following picture_coding_type (bits 3-5
// of the next byte): 1 = I, 2 = P, 3 = B.
func scanMPEG2PictureType(data []byte) pictureKind {
	for i := 0; i+5 < len(data); i++ {
		if data[i] == 0x00 && data[i+1] == 0x00 && data[i+2] == 0x01 && data[i+3] == 0x00 {
			codingType := (data[i+5] >> 3) & 0x07
			switch codingType {
			case 1:
				return kindI
			case 2:
				return kindP
			case 3:
				return kindB
			}
			return kindNone
		}
	}
	return kindNone
}

// scanH264IDR looks for a NAL start code 00 00 01 followed by a NAL unit
// whose low 5 bits of nal_unit_type equal 5 (coded slice of an IDR
// picture).
func scanH264IDR(data []byte) bool {
	for i := 0; i+3 < len(data); i++ {
		if data[i] == 0x00 && data[i+1] == 0x00 && data[i+2] == 0x01 {
			if data[i+3]&0x1f == 5 {
				return true
			}
		}
	}
	return false
}
