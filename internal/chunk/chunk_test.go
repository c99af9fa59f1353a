package chunk

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
)

func TestSplitShortTextIsSingleChunk(t *testing.T) {
	got := Split("short answer", 4000)
	want := []string{"short answer"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Split mismatch (-want +got):\n%s", diff)
	}
}

func TestSplitPrefersNewlineBoundaries(t *testing.T) {
	text := "first line\nsecond line\nthird line"
	got := Split(text, 14)

	for i, c := range got {
		if len(c) > 14 {
			t.Errorf("chunk %d is %d chars, limit 14", i, len(c))
		}
	}
	// Lines stay intact when they fit.
	if got[0] != "first line\n" {
		t.Errorf("chunk 0 = %q, want the first full line", got[0])
	}
}

func TestSplitHardWrapsOversizedLine(t *testing.T) {
	text := strings.Repeat("x", 25)
	got := Split(text, 10)

	if len(got) != 3 {
		t.Fatalf("got %d chunks, want 3", len(got))
	}
	for i, c := range got {
		if len(c) > 10 {
			t.Errorf("chunk %d is %d chars, limit 10", i, len(c))
		}
	}
}

// The guarantee every transport relies on: joining the chunk bodies
// reproduces the original text byte for byte.
func TestSplitRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		maxSize int
	}{
		{"empty", "", 100},
		{"exact_fit", strings.Repeat("a", 100), 100},
		{"one_over", strings.Repeat("a", 101), 100},
		{"multiline", "alpha\nbeta\ngamma\ndelta\n", 12},
		{"trailing_newlines", "a\n\n\nb\n\n", 3},
		{"long_single_line", strings.Repeat("rule text ", 500), 64},
		{"mixed", "short\n" + strings.Repeat("y", 300) + "\nend", 80},
		{"multibyte_runes", strings.Repeat("é", 30), 25},
		{"multibyte_mixed", "règle: " + strings.Repeat("café ", 40), 32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := Split(tt.text, tt.maxSize)
			joined := strings.Join(chunks, "")
			if diff := cmp.Diff(tt.text, joined); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
			for i, c := range chunks {
				if len(c) > tt.maxSize {
					t.Errorf("chunk %d is %d chars, limit %d", i, len(c), tt.maxSize)
				}
				if !utf8.ValidString(c) {
					t.Errorf("chunk %d is not valid UTF-8: %q", i, c)
				}
			}
		})
	}
}

func TestSplitNeverCutsMidRune(t *testing.T) {
	// A hard wrap landing inside a 2-byte rune must back off to the rune
	// boundary, not emit the lead byte at the end of one chunk and the
	// continuation byte at the start of the next.
	chunks := Split(strings.Repeat("é", 30), 25)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want at least 2", len(chunks))
	}
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d is not valid UTF-8: %q", i, c)
		}
	}
}

func TestDecorateSingleChunkUnmarked(t *testing.T) {
	got := Decorate([]string{"only chunk"})
	if len(got) != 1 || got[0] != "only chunk" {
		t.Errorf("single chunk should carry no marker, got %q", got)
	}
}

func TestDecorateAddsOrderedMarkers(t *testing.T) {
	got := Decorate([]string{"aaa", "bbb", "ccc"})
	want := []string{"[1/3]\naaa", "[2/3]\nbbb", "[3/3]\nccc"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Decorate mismatch (-want +got):\n%s", diff)
	}
}
