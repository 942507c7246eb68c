package main

import (
	"testing"

	"github.com/tidewaveav/tscut/tsval"
)

func TestParseFrameID(t *testing.T) {
	cases := []struct {
		in   string
		want tsval.FrameID
	}{
		{"-", tsval.FrameIDInvalid},
		{"", tsval.FrameIDInvalid},
		{"0", 0},
		{"42", 42},
	}
	for _, c := range cases {
		got, err := parseFrameID(c.in)
		if err != nil {
			t.Errorf("parseFrameID(%q) error = %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("parseFrameID(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseFrameIDRejectsGarbage(t *testing.T) {
	if _, err := parseFrameID("not-a-number"); err == nil {
		t.Error("expected an error for a non-numeric frame id")
	}
}
