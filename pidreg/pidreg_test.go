package pidreg

import (
	"testing"

	"github.com/tidewaveav/tscut/tsval"
)

func TestPrivateDataIsolationBetweenClients(t *testing.T) {
	r := NewRegistry()
	a := r.RegisterClient()
	b := r.RegisterClient()
	if a == b {
		t.Fatal("expected distinct client ids")
	}

	pi := r.GetOrCreate(256)
	pi.SetPrivate(a, "for-a", nil)
	pi.SetPrivate(b, "for-b", nil)

	gotA, ok := pi.GetPrivate(a)
	if !ok || gotA != "for-a" {
		t.Errorf("client a got %v, %v", gotA, ok)
	}
	gotB, ok := pi.GetPrivate(b)
	if !ok || gotB != "for-b" {
		t.Errorf("client b got %v, %v", gotB, ok)
	}
}

func TestFirstSeenWinsStreamType(t *testing.T) {
	r := NewRegistry()
	r.SetType(256, tsval.StreamVideoH264)
	r.SetType(256, tsval.StreamVideoMPEG2)

	pi, ok := r.Get(256)
	if !ok {
		t.Fatal("expected PID to exist")
	}
	if pi.Type != tsval.StreamVideoH264 {
		t.Errorf("Type = %v, want first-seen %v", pi.Type, tsval.StreamVideoH264)
	}
}

func TestClearPrivateInvokesFree(t *testing.T) {
	r := NewRegistry()
	c := r.RegisterClient()
	pi := r.GetOrCreate(100)

	freed := false
	pi.SetPrivate(c, 42, func(interface{}) { freed = true })
	pi.ClearPrivate(c)

	if !freed {
		t.Error("expected free callback to run")
	}
	if _, ok := pi.GetPrivate(c); ok {
		t.Error("expected private data to be gone after ClearPrivate")
	}
}

func TestClearAllForClient(t *testing.T) {
	r := NewRegistry()
	c := r.RegisterClient()
	var freedCount int
	for _, pid := range []uint16{0, 256, 257} {
		r.GetOrCreate(pid).SetPrivate(c, pid, func(interface{}) { freedCount++ })
	}
	r.ClearAllForClient(c)
	if freedCount != 3 {
		t.Errorf("freedCount = %d, want 3", freedCount)
	}
}

func TestPidCount(t *testing.T) {
	r := NewRegistry()
	r.GetOrCreate(0)
	r.GetOrCreate(256)
	r.GetOrCreate(256) // same PID again
	if r.PidCount() != 2 {
		t.Errorf("PidCount() = %d, want 2", r.PidCount())
	}
}
