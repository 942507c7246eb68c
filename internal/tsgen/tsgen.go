/*
NAME
  tsgen.go

DESCRIPTION
  tsgen builds small, well-formed MPEG-TS fragments (PAT, PMT, single-packet
  PES units) for use by this module's own tests. It is not part of the
  public API; every package that needs a synthetic stream to analyze,
  index or rewrite imports it from its _test.go files.

AUTHOR
  tscut authors

LICENSE
  Copyright (C) 2024 tscut authors. Released under the MIT license.
*/

// Package tsgen builds synthetic MPEG-TS packets for tests.
package tsgen

import "github.com/tidewaveav/tscut/tspacket"

// crc32MPEG2 computes the CRC-32/MPEG-2 checksum (poly 0x04C11DB7, init
// 0xFFFFFFFF, no reflection, no final XOR) PSI sections are trailed with.
func crc32MPEG2(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b) << 24
		for i := 0; i < 8; i++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func putTSHeader(p []byte, pid uint16, unitStart bool, cc byte) {
	p[0] = tspacket.SyncByte
	p[1] = byte(pid >> 8 & 0x1f)
	if unitStart {
		p[1] |= 0x40
	}
	p[2] = byte(pid)
	p[3] = 0x10 | (cc & 0x0f) // payload only, no adaptation field
}

// section wraps a PSI section body (everything after the section_length
// field, CRC excluded) with its table id, computes section_length and the
// trailing CRC, and packs the whole thing behind a zero pointer_field into
// one TS packet on pid.
func section(pid uint16, tableID byte, body []byte) []byte {
	length := len(body) + 4 // + CRC
	head := []byte{tableID, 0xB0 | byte(length>>8&0x0f), byte(length)}
	withoutCRC := append(append([]byte{}, head...), body...)
	crc := crc32MPEG2(withoutCRC)

	full := append(withoutCRC,
		byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))

	p := make([]byte, tspacket.Size)
	putTSHeader(p, pid, true, 0)
	p[4] = 0x00 // pointer_field
	copy(p[5:], full)
	for i := 5 + len(full); i < tspacket.Size; i++ {
		p[i] = 0xFF // stuffing
	}
	return p
}

// BuildPAT returns a single TS packet on PID 0 naming one program whose
// PMT lives on pmtPID.
func BuildPAT(programNumber uint16, pmtPID uint16) []byte {
	body := []byte{
		byte(programNumber >> 8), byte(programNumber),
		0xC1, // reserved(2)=11, version=0, current_next=1
		0x00, // section_number
		0x00, // last_section_number
		// Program loop entry: program_number, then reserved(3)+PMT PID.
		byte(programNumber >> 8), byte(programNumber),
		0xE0 | byte(pmtPID>>8&0x1f), byte(pmtPID),
	}
	return section(0x0000, 0x00, body)
}

// Stream describes one elementary stream entry for BuildPMT.
type Stream struct {
	PID        uint16
	StreamType byte
}

// BuildPMT returns a single TS packet on pmtPID describing streams, with
// pcrPID as the program's PCR carrier.
func BuildPMT(pmtPID uint16, programNumber uint16, pcrPID uint16, streams []Stream) []byte {
	body := []byte{
		byte(programNumber >> 8), byte(programNumber),
		0xC1, // reserved/version/current_next
		0x00, // section_number
		0x00, // last_section_number
		0xE0 | byte(pcrPID>>8&0x1f), byte(pcrPID),
		0xF0, 0x00, // reserved(4)=1111, program_info_length=0
	}
	for _, s := range streams {
		body = append(body,
			s.StreamType,
			0xE0|byte(s.PID>>8&0x1f), byte(s.PID),
			0xF0, 0x00, // reserved(4)=1111, ES_info_length=0
		)
	}
	return section(pmtPID, 0x02, body)
}

// encodePTSDTS writes a 5-byte marker-preserving timestamp field with the
// given 4-bit prefix, the same layout tspacket uses for decoding.
func encodePTSDTS(dst []byte, prefix byte, v uint64) {
	v &= 1<<33 - 1
	dst[0] = prefix<<4 | byte(v>>30&0x07)<<1 | 1
	dst[1] = byte(v >> 22)
	dst[2] = byte(v>>15&0x7f)<<1 | 1
	dst[3] = byte(v >> 7)
	dst[4] = byte(v&0x7f)<<1 | 1
}

// PESUnitStart builds a single unit-start TS packet on pid carrying a PES
// header with the given PTS (and, if haveDTS, DTS) followed by es, which
// must fit within what remains of the 188-byte packet. withPCR, if true,
// stamps an adaptation-field PCR of pcr alongside the payload.
func PESUnitStart(pid uint16, cc byte, streamID byte, pts uint64, dts uint64, haveDTS bool, withPCR bool, pcr uint64, es []byte) []byte {
	p := make([]byte, tspacket.Size)
	p[0] = tspacket.SyncByte
	p[1] = 0x40 | byte(pid>>8&0x1f)
	p[2] = byte(pid)

	headerOff := 4
	if withPCR {
		p[3] = 0x30 | (cc & 0x0f) // adaptation field + payload
		p[4] = 7                 // adaptation_field_length
		p[5] = 0x10               // PCR_flag only
		base := pcr / 300
		ext := pcr % 300
		p[6] = byte(base >> 25)
		p[7] = byte(base >> 17)
		p[8] = byte(base >> 9)
		p[9] = byte(base >> 1)
		p[10] = byte(base&0x01)<<7 | 0x7e | byte(ext>>8&0x01)
		p[11] = byte(ext)
		headerOff = 12
	} else {
		p[3] = 0x10 | (cc & 0x0f)
	}

	pes := p[headerOff:]
	pes[0], pes[1], pes[2] = 0x00, 0x00, 0x01
	pes[3] = streamID
	flags := byte(0x80)
	prefix := byte(0x2)
	if haveDTS {
		flags |= 0x40
		prefix = 0x3
	}
	pes[6] = 0x80 // marker bits '10', no scrambling/priority flags set
	pes[7] = flags
	hdrLen := 5
	if haveDTS {
		hdrLen = 10
	}
	pes[8] = byte(hdrLen)
	encodePTSDTS(pes[9:14], prefix, pts)
	dataOff := 9 + 5
	if haveDTS {
		encodePTSDTS(pes[14:19], 0x1, dts)
		dataOff = 9 + 10
	}
	n := copy(pes[dataOff:], es)
	_ = n
	return p
}

// Continuation builds a non-unit-start TS packet on pid carrying es as raw
// payload bytes.
func Continuation(pid uint16, cc byte, es []byte) []byte {
	p := make([]byte, tspacket.Size)
	p[0] = tspacket.SyncByte
	p[1] = byte(pid >> 8 & 0x1f)
	p[2] = byte(pid)
	p[3] = 0x10 | (cc & 0x0f)
	copy(p[4:], es)
	return p
}
