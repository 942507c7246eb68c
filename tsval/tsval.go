/*
NAME
  tsval.go

DESCRIPTION
  tsval defines the sentinel values and small shared enumerations used
  across the cut-editor packages, so that frameidx, slice, snipper and
  project agree on what "unknown" and "unbounded" mean without importing
  one another.

LICENSE
  Copyright (C) 2024 tscut authors. Released under the MIT license.
*/

// Package tsval holds sentinel values and small value types shared by the
// transport-stream cut editor packages.
package tsval

// FrameID identifies an indexed I-frame/IDR frame by its ascending position
// in the stream (0-based).
type FrameID uint32

// SliceID identifies a cut-region slice. Stable until a merge absorbs it.
type SliceID uint32

// Sentinels. Any field set to one of these means "unknown" or "unbounded".
const (
	// FrameIDInvalid means "unknown frame" or, in add-slice arguments,
	// "from the start of the file" / "to the end of the file" depending on
	// position.
	FrameIDInvalid FrameID = 1<<32 - 1

	// SliceIDInvalid is returned by operations that fail to create or find a
	// slice.
	SliceIDInvalid SliceID = 1<<32 - 1

	// TSInvalid marks a PTS/DTS/PCR field as not present.
	TSInvalid uint64 = 1<<64 - 1
)

// CodecTag identifies which elementary-stream codec produced a FrameInfo.
type CodecTag int

const (
	CodecUnknown CodecTag = iota
	CodecMPEG2
	CodecH264
)

func (c CodecTag) String() string {
	switch c {
	case CodecMPEG2:
		return "MPEG-2"
	case CodecH264:
		return "H.264"
	default:
		return "unknown"
	}
}

// StreamType classifies a PID the way the PMT's stream_type byte (or the
// PAT/PMT PIDs themselves) identify it.
type StreamType int

const (
	StreamUnknown StreamType = iota
	StreamPAT
	StreamPMT
	StreamVideoMPEG2
	StreamVideoH264
	StreamAudioMPEG
	StreamAudioAAC
	StreamTeletext
	StreamOther
)

func (s StreamType) String() string {
	switch s {
	case StreamPAT:
		return "PAT"
	case StreamPMT:
		return "PMT"
	case StreamVideoMPEG2:
		return "video/MPEG-2"
	case StreamVideoH264:
		return "video/H.264"
	case StreamAudioMPEG:
		return "audio/MPEG"
	case StreamAudioAAC:
		return "audio/AAC"
	case StreamTeletext:
		return "teletext"
	case StreamOther:
		return "other"
	default:
		return "unknown"
	}
}

// IsVideo reports whether s is one of the recognised video elementary stream
// types, i.e. a type that the frame indexer watches for I-frames/IDRs.
func (s StreamType) IsVideo() bool {
	return s == StreamVideoMPEG2 || s == StreamVideoH264
}

// StreamTypeFromPMT maps an ISO/IEC 13818-1 Table 2-34 stream_type byte, as
// returned by a PMT elementary stream descriptor, to a StreamType. Unknown
// values map to StreamOther rather than StreamUnknown, since the PID has
// been positively identified by the PMT even if we don't special-case its
// codec.
func StreamTypeFromPMT(streamType uint8) StreamType {
	switch streamType {
	case 0x02: // MPEG-2 video
		return StreamVideoMPEG2
	case 0x1b: // H.264/AVC video
		return StreamVideoH264
	case 0x03, 0x04: // MPEG-1/MPEG-2 audio
		return StreamAudioMPEG
	case 0x0f, 0x11: // AAC (ADTS / LATM)
		return StreamAudioAAC
	case 0x06: // often teletext/subtitles carried as private data; refined by descriptor in a fuller build
		return StreamTeletext
	default:
		return StreamOther
	}
}
