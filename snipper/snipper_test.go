package snipper

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"testing"

	"github.com/tidewaveav/tscut/internal/tsgen"
	"github.com/tidewaveav/tscut/slice"
	"github.com/tidewaveav/tscut/tspacket"
	"github.com/tidewaveav/tscut/tsval"
)

const (
	testPMTPID   = 0x1000
	testVideoPID = 0x0101
	testAudioPID = 0x0102
)

func idrES() []byte { return []byte{0x00, 0x00, 0x01, 0x65, 0xAA, 0xBB} }

// buildStream returns a synthetic, standards-shaped TS file: a PAT, a PMT
// naming one H.264 video stream, 10 single-packet IDR "frames" plus one
// trailing IDR packet that only exists to flush the 10th frame out of the
// reassembler (which never finishes a unit until the next one starts), and
// the PTS/PCR values used to build each frame so tests can predict the
// rewriting engine's output.
func buildStream(numFrames int) (data []byte, pts []uint64) {
	var buf bytes.Buffer
	buf.Write(tsgen.BuildPAT(1, testPMTPID))
	buf.Write(tsgen.BuildPMT(testPMTPID, 1, testVideoPID, []tsgen.Stream{
		{PID: testVideoPID, StreamType: 0x1b},
	}))

	pts = make([]uint64, numFrames+1)
	for i := 0; i <= numFrames; i++ {
		p := uint64(i) * 3003
		pts[i] = p
		pcr := p * 300
		buf.Write(tsgen.PESUnitStart(testVideoPID, byte(i), 0xE0, p, 0, false, true, pcr, idrES()))
	}
	return buf.Bytes(), pts
}

// buildInterleavedStream returns a PAT+PMT describing both a video PID and
// an audio PID, with numFrames video IDR "frames" (plus one trailing
// flush-only packet, as in buildStream) and one audio access unit
// interleaved after each real video frame. Three of the audio PTS values
// are deliberately set to disagree with their byte position relative to the
// video frames' I-frame boundaries -- frame 3's audio belongs to frame 2's
// interval and frame 5's to frame 6's, while frame 6's audio is a straggler
// that lands just outside the cut region but is still behind it in PTS --
// so that a slice cut on the video frame boundaries exercises shouldWrite's
// non-video PTS-drift branches (rewrite.go's outside-slice straggler
// suppression and inside-slice early-write-start), the way real
// audio/video interleaving can put an access unit's bytes on one side of a
// cut point while its timestamp belongs on the other.
func buildInterleavedStream(numFrames int) (data []byte, videoPTS []uint64, audioPTS []uint64) {
	var buf bytes.Buffer
	buf.Write(tsgen.BuildPAT(1, testPMTPID))
	buf.Write(tsgen.BuildPMT(testPMTPID, 1, testVideoPID, []tsgen.Stream{
		{PID: testVideoPID, StreamType: 0x1b},
		{PID: testAudioPID, StreamType: 0x0f},
	}))

	videoPTS = make([]uint64, numFrames+1)
	audioPTS = make([]uint64, numFrames)
	for i := 0; i <= numFrames; i++ {
		p := uint64(i) * 3003
		videoPTS[i] = p
		pcr := p * 300
		buf.Write(tsgen.PESUnitStart(testVideoPID, byte(i), 0xE0, p, 0, false, true, pcr, idrES()))

		if i == numFrames {
			continue // the trailing video packet only flushes the reassembler
		}
		ap := p
		switch i {
		case 3:
			ap = 2*3003 + 1500 // belongs to frame 2's interval, arrives late
		case 5:
			ap = 6*3003 + 1500 // belongs to frame 6's interval, arrives early
		case 6:
			ap = 5*3003 + 1500 // a straggler: still behind the cut once outside it
		}
		audioPTS[i] = ap
		buf.Write(tsgen.PESUnitStart(testAudioPID, byte(i), 0xC0, ap, 0, false, false, 0, []byte{0xFF, 0xFC}))
	}
	return buf.Bytes(), videoPTS, audioPTS
}

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "tscut-*.ts")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return f.Name()
}

func openAnalyzed(t *testing.T, data []byte) *Snipper {
	t.Helper()
	path := writeTempFile(t, data)
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Unref)
	if err := s.Analyze(nil); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	return s
}

func TestLifecycleStates(t *testing.T) {
	data, _ := buildStream(10)
	path := writeTempFile(t, data)

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Unref()

	if s.State() != StateInitialized {
		t.Fatalf("State() after Open = %v, want Initialized", s.State())
	}
	if id := s.AddSlice(tsval.FrameIDInvalid, 3); id != tsval.SliceIDInvalid {
		t.Error("AddSlice before Ready should fail")
	}
	if err := s.Write(func([]byte) bool { return true }, nil); err != ErrStateViolation {
		t.Errorf("Write before Ready = %v, want ErrStateViolation", err)
	}

	if err := s.Analyze(nil); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if s.State() != StateReady {
		t.Fatalf("State() after Analyze = %v, want Ready", s.State())
	}
}

func TestAnalyzeCancelled(t *testing.T) {
	data, _ := buildStream(10)
	path := writeTempFile(t, data)
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Unref()

	calls := 0
	err = s.Analyze(func() bool {
		calls++
		return false
	})
	if err != ErrCancelled {
		t.Fatalf("Analyze error = %v, want ErrCancelled", err)
	}
	if s.State() != StateInitialized {
		t.Fatalf("State() after cancelled analyze = %v, want Initialized", s.State())
	}
}

func TestAnalyzeIndexesTenFrames(t *testing.T) {
	data, _ := buildStream(10)
	s := openAnalyzed(t, data)

	if n := s.IFrameCount(); n != 10 {
		t.Fatalf("IFrameCount() = %d, want 10", n)
	}
	sum := sha1.Sum(data)
	want := hex.EncodeToString(sum[:])
	got, ok := s.SHA1()
	if !ok || got != want {
		t.Errorf("SHA1() = %q, %v, want %q, true", got, ok, want)
	}
	pid, ok := s.VideoPID()
	if !ok || pid != testVideoPID {
		t.Errorf("VideoPID() = %#x, %v, want %#x, true", pid, ok, testVideoPID)
	}
}

func TestGetIFrameReturnsOriginalBytes(t *testing.T) {
	data, _ := buildStream(10)
	s := openAnalyzed(t, data)

	got, err := s.GetIFrame(3)
	if err != nil {
		t.Fatalf("GetIFrame: %v", err)
	}
	// Frame 3 is the single video packet after PAT, PMT and frames 0-2; its
	// elementary-stream bytes are everything after the PES header, i.e.
	// idrES() followed by the zero fill up to the end of the packet.
	pkt := packetAt(data, 2+3)
	pesOff := tspacket.PayloadOffset(pkt)
	want := pkt[pesOff+tspacket.PESPayloadOffset(pkt[pesOff:]):]
	if !bytes.HasPrefix(want, idrES()) {
		t.Fatalf("fixture: frame 3 payload does not start with idrES()")
	}
	if !bytes.Equal(got, want) {
		t.Errorf("GetIFrame(3) = %x, want %x", got, want)
	}
}

func TestGetIFrameOutOfRange(t *testing.T) {
	data, _ := buildStream(10)
	s := openAnalyzed(t, data)

	got, err := s.GetIFrame(999)
	if err != nil || got != nil {
		t.Errorf("GetIFrame(999) = %v, %v, want nil, nil", got, err)
	}
}

func TestAddSliceAndDelete(t *testing.T) {
	data, _ := buildStream(10)
	s := openAnalyzed(t, data)

	id := s.AddSlice(3, 6)
	if id == tsval.SliceIDInvalid {
		t.Fatal("AddSlice returned SliceIDInvalid")
	}
	if sl, ok := s.FindSliceForFrame(4, false); !ok || sl.ID != id {
		t.Errorf("FindSliceForFrame(4) = %+v, %v, want id %v", sl, ok, id)
	}
	if !s.DeleteSlice(id) {
		t.Error("DeleteSlice returned false for a known id")
	}
	if _, ok := s.FindSliceForFrame(4, false); ok {
		t.Error("expected no slice covering frame 4 after delete")
	}
}

func TestAddSliceMerge(t *testing.T) {
	data, _ := buildStream(10)
	s := openAnalyzed(t, data)

	s.AddSlice(1, 4)
	s.AddSlice(3, 7)

	var count int
	var merged slice.Slice
	s.EnumSlices(func(sl slice.Slice) bool {
		count++
		merged = sl
		return true
	})
	if count != 1 {
		t.Fatalf("enumerated %d slices, want 1 after overlap merge", count)
	}
	if merged.BeginFrame != 1 || merged.EndFrame != 7 {
		t.Errorf("merged slice = %+v, want BeginFrame 1, EndFrame 7", merged)
	}
}

func writeAll(t *testing.T, s *Snipper) []byte {
	t.Helper()
	var out bytes.Buffer
	if err := s.Write(func(b []byte) bool {
		out.Write(b)
		return true
	}, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return out.Bytes()
}

// packetAt returns the n'th 188-byte packet of buf.
func packetAt(buf []byte, n int) []byte {
	return buf[n*tspacket.Size : (n+1)*tspacket.Size]
}

func TestWriteNoOpRoundTrip(t *testing.T) {
	data, _ := buildStream(10)
	s := openAnalyzed(t, data)

	out := writeAll(t, s)
	if !bytes.Equal(out, data) {
		t.Fatalf("no-op Write output differs from input: got %d bytes, want %d", len(out), len(data))
	}
	if s.State() != StateReady {
		t.Errorf("State() after Write = %v, want Ready", s.State())
	}
}

func TestWriteHeadTrim(t *testing.T) {
	data, pts := buildStream(10)
	s := openAnalyzed(t, data)

	if id := s.AddSlice(tsval.FrameIDInvalid, 3); id == tsval.SliceIDInvalid {
		t.Fatal("AddSlice failed")
	}
	out := writeAll(t, s)

	wantPackets := 2 + (10 - 3) + 1 // forced PAT+PMT, frames 3..9, trailing flush packet
	if len(out) != wantPackets*tspacket.Size {
		t.Fatalf("len(out) = %d packets, want %d", len(out)/tspacket.Size, wantPackets)
	}

	if tspacket.PID(packetAt(out, 0)) != 0x0000 {
		t.Error("first output packet is not the PAT")
	}
	if tspacket.PID(packetAt(out, 1)) != testPMTPID {
		t.Error("second output packet is not the PMT")
	}

	frame3 := packetAt(out, 2)
	if tspacket.PID(frame3) != testVideoPID {
		t.Fatal("third output packet is not video")
	}
	pcr, err := tspacket.PCR(frame3)
	if err != nil {
		t.Fatalf("PCR: %v", err)
	}
	if pcr != 0 {
		t.Errorf("first retained frame's PCR = %d, want 0", pcr)
	}
	pesOff := tspacket.PayloadOffset(frame3)
	gotPTS := tspacket.PESPTS(frame3[pesOff:])
	if gotPTS != 0 {
		t.Errorf("first retained frame's PTS = %d, want 0", gotPTS)
	}

	last := packetAt(out, wantPackets-1)
	lastOff := tspacket.PayloadOffset(last)
	gotLastPTS := tspacket.PESPTS(last[lastOff:])
	wantLastPTS := pts[10] - pts[3]
	if gotLastPTS != wantLastPTS {
		t.Errorf("trailing frame's PTS = %d, want %d", gotLastPTS, wantLastPTS)
	}
}

// TestWriteInteriorCut covers spec.md's S3 scenario (a cut entirely inside
// the stream, with both head and tail retained) on a two-PID fixture, and
// exercises the audio-specific PTS-drift branches of shouldWrite: a
// straggler suppressed just outside the cut (audio frame 6), and two audio
// frames kept despite falling inside the cut's byte range because their PTS
// lies outside the slice's PTS bounds (audio frames 3 and 5).
func TestWriteInteriorCut(t *testing.T) {
	data, _, audioPTS := buildInterleavedStream(10)
	s := openAnalyzed(t, data)

	if id := s.AddSlice(3, 6); id == tsval.SliceIDInvalid {
		t.Fatal("AddSlice failed")
	}
	out := writeAll(t, s)

	var videoCount int
	var writtenAudioPTS []uint64
	for i := 0; i*tspacket.Size < len(out); i++ {
		pkt := packetAt(out, i)
		switch tspacket.PID(pkt) {
		case testVideoPID:
			videoCount++
		case testAudioPID:
			off := tspacket.PayloadOffset(pkt)
			writtenAudioPTS = append(writtenAudioPTS, tspacket.PESPTS(pkt[off:]))
		}
	}

	// Frames 3, 4, 5 are cut; 0, 1, 2, 6, 7, 8, 9 and the trailing flush
	// packet survive -- both the head and the tail of the stream remain.
	if videoCount != 8 {
		t.Fatalf("videoCount = %d, want 8 (10 frames - 3 cut + 1 trailing flush)", videoCount)
	}

	videoPTSBegin := uint64(3) * 3003
	videoPTSEnd := uint64(6) * 3003
	ptsDelta := videoPTSEnd - videoPTSBegin

	// Audio frame 4 falls inside the cut with a PTS inside the slice's own
	// range, so it is dropped. Frame 6 lands physically outside the cut
	// but its PTS is still behind the cut point by more than the
	// tolerance, so the outside-slice straggler check drops it too.
	// Frames 3 and 5 have bytes inside the cut but PTS values outside the
	// slice's PTS bounds, so they are kept despite their byte position;
	// frames 7-9, written after the cut, come out with PTS rewritten by
	// the same delta the retained video frames get.
	wantAudioPTS := []uint64{
		audioPTS[0], audioPTS[1], audioPTS[2],
		audioPTS[3], audioPTS[5],
		audioPTS[7] - ptsDelta, audioPTS[8] - ptsDelta, audioPTS[9] - ptsDelta,
	}
	if len(writtenAudioPTS) != len(wantAudioPTS) {
		t.Fatalf("got %d audio packets %v, want %d %v", len(writtenAudioPTS), writtenAudioPTS, len(wantAudioPTS), wantAudioPTS)
	}
	for i, want := range wantAudioPTS {
		if writtenAudioPTS[i] != want {
			t.Errorf("writtenAudioPTS[%d] = %d, want %d", i, writtenAudioPTS[i], want)
		}
	}
}

func TestWriteDisabledPIDDropsAllItsPackets(t *testing.T) {
	data, _ := buildStream(10)
	s := openAnalyzed(t, data)
	s.DisablePID(testVideoPID)

	out := writeAll(t, s)
	for i := 0; i*tspacket.Size < len(out); i++ {
		if tspacket.PID(packetAt(out, i)) == testVideoPID {
			t.Fatalf("packet %d on disabled PID was written", i)
		}
	}
	// PAT and PMT are still forced through.
	if tspacket.PID(packetAt(out, 0)) != 0x0000 {
		t.Error("PAT missing from output with video PID disabled")
	}
}

func TestWriteSinkFailureReturnsReadyState(t *testing.T) {
	data, _ := buildStream(10)
	s := openAnalyzed(t, data)

	err := s.Write(func([]byte) bool { return false }, nil)
	if err != ErrSinkFailure {
		t.Fatalf("Write error = %v, want ErrSinkFailure", err)
	}
	if s.State() != StateReady {
		t.Errorf("State() after sink failure = %v, want Ready", s.State())
	}
}
