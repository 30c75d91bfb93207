package driver

import (
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		driver   string
		pattern  string
		wantName string
		wantErr  bool
	}{
		{"default is claude", "", "", "claude", false},
		{"claude", "claude", "", "claude", false},
		{"generic", "generic", "", "generic", false},
		{"generic with pattern", "generic", `AGENT-READY`, "generic", false},
		{"unknown", "gpt", "", "", true},
		{"bad pattern", "generic", `(`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.driver, tt.pattern)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d.Name() != tt.wantName {
				t.Errorf("expected name '%s', got '%s'", tt.wantName, d.Name())
			}
		})
	}
}

func TestGenericDriver_DetectReady(t *testing.T) {
	testCases := []struct {
		name   string
		chunks []string
		want   bool
	}{
		{"plain marker", []string{"booting\nREADY\n"}, true},
		{"marker with ANSI", []string{"\x1b[32mready\x1b[0m\n"}, true},
		{"no marker", []string{"starting up\n", "loading\n"}, false},
		{"word inside line", []string{"not ready yet\n"}, false},
		{"split across chunks", []string{"boot\nRE", "ADY\n"}, true},
		{"empty input", []string{""}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewGenericDriver()
			got := false
			for _, c := range tc.chunks {
				got = d.DetectReady([]byte(c))
			}
			if got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestGenericDriver_OverridePattern(t *testing.T) {
	d, err := New("generic", `<<AGENT-READY>>`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.DetectReady([]byte("ready\n")) {
		t.Error("built-in marker should be replaced by the override")
	}
	if !d.DetectReady([]byte("<<AGENT-READY>>\n")) {
		t.Error("expected override marker to be detected")
	}
}

func TestGenericDriver_Reset(t *testing.T) {
	d := NewGenericDriver()
	d.DetectReady([]byte("RE"))
	d.Reset()
	if d.DetectReady([]byte("ADY\n")) {
		t.Error("reset should drop the partial marker")
	}
}

func TestWindow_Bounded(t *testing.T) {
	w := newWindow(8)
	w.push([]byte("0123456789"))
	got := string(w.push([]byte("ab")))
	if got != "456789ab" {
		t.Errorf("expected '456789ab', got '%s'", got)
	}
}

func TestStripANSI(t *testing.T) {
	in := "\x1b[1;32mBold Green\x1b[0m \x1b]0;title\x07done\x1b(B"
	if got := string(StripANSI([]byte(in))); got != "Bold Green done" {
		t.Errorf("unexpected output %q", got)
	}
}
