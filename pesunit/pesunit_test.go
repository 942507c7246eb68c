package pesunit

import (
	"bytes"
	"testing"

	"github.com/tidewaveav/tscut/tspacket"
)

// buildUnitStartPacket builds a single TS packet carrying a PUSI, a PES
// header with a PTS, and the given elementary-stream payload bytes
// (truncated to fit within one 188-byte packet).
func buildUnitStartPacket(pid uint16, pts uint64, es []byte) []byte {
	p := make([]byte, tspacket.Size)
	p[0] = tspacket.SyncByte
	p[1] = 0x40 | byte(pid>>8&0x1f)
	p[2] = byte(pid)
	p[3] = 0x10 // payload only, cc=0

	pes := p[4:]
	pes[0], pes[1], pes[2] = 0x00, 0x00, 0x01
	pes[3] = 0xE0 // video stream id
	pes[7] = 0x80 // PTS present
	pes[8] = 5    // header data length (PTS field only)
	// Encode PTS with prefix 0x2 (PTS only).
	v := pts & (1<<33 - 1)
	pes[9] = 0x2<<4 | byte(v>>30&0x07)<<1 | 1
	pes[10] = byte(v >> 22)
	pes[11] = byte(v>>15&0x7f)<<1 | 1
	pes[12] = byte(v >> 7)
	pes[13] = byte(v&0x7f)<<1 | 1

	copy(pes[14:], es)
	return p
}

func buildContinuationPacket(pid uint16, es []byte) []byte {
	p := make([]byte, tspacket.Size)
	p[0] = tspacket.SyncByte
	p[1] = byte(pid >> 8 & 0x1f)
	p[2] = byte(pid)
	p[3] = 0x10
	copy(p[4:], es)
	return p
}

func TestReassembleAcrossContinuations(t *testing.T) {
	const pid = 256
	// Each part fills the rest of its packet exactly (18 bytes of TS and PES
	// header before part1, 4 bytes of TS header before part2), since the
	// reassembler keeps every payload byte up to the end of the packet.
	part1 := bytes.Repeat([]byte{0xAA}, tspacket.Size-18)
	part2 := bytes.Repeat([]byte{0xBB}, tspacket.Size-4)

	r := New()
	first := buildUnitStartPacket(pid, 90000, part1)
	r.Feed(first, 0, nil)

	cont := buildContinuationPacket(pid, part2)
	r.Feed(cont, 188, nil)

	var finished *Unit
	second := buildUnitStartPacket(pid, 99000, nil)
	r.Feed(second, 376, func(u *Unit) {
		// Copy out since the buffer is reused right after this call.
		cp := *u
		cp.Data = append([]byte(nil), u.Data...)
		finished = &cp
	})

	if finished == nil {
		t.Fatal("expected a finished unit")
	}
	if !finished.HavePTS || finished.PTS != 90000 {
		t.Errorf("PTS = %d, havePTS = %v, want 90000, true", finished.PTS, finished.HavePTS)
	}
	want := append(append([]byte{}, part1...), part2...)
	if !bytes.Equal(finished.Data, want) {
		t.Errorf("Data length = %d, want %d", len(finished.Data), len(want))
	}
	if finished.Start != 0 || finished.End != 376 {
		t.Errorf("Start/End = %d/%d, want 0/376", finished.Start, finished.End)
	}
}
