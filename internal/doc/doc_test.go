package doc

import (
	"reflect"
	"testing"
)

func TestPositionRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"lf", "class Foo\n  def bar\n    42\n  end\nend\n"},
		{"crlf", "a\r\nb\r\n"},
		{"crlf no trailing newline", "class Foo\r\nend"},
		{"mixed terminators", "a\nb\r\nc"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := New("file:///a.rb", []byte(tc.content), 1)
			for k := 0; k <= len(tc.content); k++ {
				pos := d.OffsetToPosition(k)
				got := d.PositionToOffset(pos)
				if got != k {
					t.Errorf("offset %d -> %+v -> %d", k, pos, got)
				}
			}
		})
	}
}

func TestMultibytePositions(t *testing.T) {
	content := "def 你好\n  puts '世界'\nend\n"
	d := New("file:///u.rb", []byte(content), 1)

	pos := d.OffsetToPosition(7)
	if pos != (Position{Line: 0, Character: 5}) {
		t.Fatalf("OffsetToPosition(7) = %+v, want {0 5}", pos)
	}
	if got := d.PositionToOffset(Position{Line: 0, Character: 5}); got != 7 {
		t.Fatalf("PositionToOffset({0 5}) = %d, want 7", got)
	}
}

func TestUTF16Positions(t *testing.T) {
	// The emoji is one scalar but two UTF-16 code units.
	content := "x = '\U0001F600'\ny = 1\n"
	d := New("file:///e.rb", []byte(content), 1)

	emojiEnd := 5 + 4 // "x = '" plus 4-byte emoji
	scalar := d.OffsetToPosition(emojiEnd)
	if scalar.Character != 6 {
		t.Errorf("scalar character = %d, want 6", scalar.Character)
	}
	u16 := d.OffsetToPositionUTF16(emojiEnd)
	if u16.Character != 7 {
		t.Errorf("utf16 character = %d, want 7", u16.Character)
	}
	if got := d.PositionToOffsetUTF16(u16); got != emojiEnd {
		t.Errorf("utf16 round trip = %d, want %d", got, emojiEnd)
	}
}

func TestClamping(t *testing.T) {
	d := New("file:///c.rb", []byte("ab\ncd"), 1)

	if got := d.OffsetToPosition(999); got != (Position{Line: 1, Character: 2}) {
		t.Errorf("overlong offset = %+v", got)
	}
	if got := d.PositionToOffset(Position{Line: 0, Character: 99}); got != 2 {
		t.Errorf("overlong character = %d, want 2 (before newline)", got)
	}
	if got := d.PositionToOffset(Position{Line: 99, Character: 0}); got != 3 {
		t.Errorf("overlong line = %d, want 3", got)
	}
}

func TestApplyEditIncrementalMatchesRebuild(t *testing.T) {
	cases := []struct {
		name    string
		initial string
		rng     Range
		text    string
		want    string
	}{
		{
			name:    "replace within line",
			initial: "def a\nend\n",
			rng:     Range{Start: Position{0, 4}, End: Position{0, 5}},
			text:    "bc",
			want:    "def bc\nend\n",
		},
		{
			name:    "insert newline",
			initial: "def a\nend\n",
			rng:     Range{Start: Position{0, 5}, End: Position{0, 5}},
			text:    "\n  1",
			want:    "def a\n  1\nend\n",
		},
		{
			name:    "delete across lines",
			initial: "a\nb\nc\n",
			rng:     Range{Start: Position{0, 1}, End: Position{2, 0}},
			text:    "",
			want:    "ac\n",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := New("file:///t.rb", []byte(tc.initial), 1)
			d.ApplyEdit(&tc.rng, tc.text)
			if string(d.Content) != tc.want {
				t.Fatalf("content = %q, want %q", d.Content, tc.want)
			}
			if d.Version != 2 {
				t.Errorf("version = %d, want 2", d.Version)
			}
			rebuilt := computeLineOffsets(d.Content)
			if !reflect.DeepEqual(d.lineOffsets, rebuilt) {
				t.Errorf("lineOffsets = %v, rebuild = %v", d.lineOffsets, rebuilt)
			}
		})
	}
}

func TestApplyEditFull(t *testing.T) {
	d := New("file:///t.rb", []byte("old"), 3)
	d.ApplyEdit(nil, "brand new\ncontent")
	if string(d.Content) != "brand new\ncontent" {
		t.Fatalf("content = %q", d.Content)
	}
	if d.LineCount() != 2 {
		t.Errorf("line count = %d, want 2", d.LineCount())
	}
}

func TestLineOffsetInvariants(t *testing.T) {
	for _, content := range []string{"", "\n", "a", "a\n", "a\nb", "a\nb\n", "\n\n\n"} {
		d := New("file:///i.rb", []byte(content), 1)
		if d.lineOffsets[0] != 0 {
			t.Errorf("%q: first offset = %d", content, d.lineOffsets[0])
		}
		if last := d.lineOffsets[len(d.lineOffsets)-1]; last != len(content) {
			t.Errorf("%q: last offset = %d, want %d", content, last, len(content))
		}
		for i := 1; i < len(d.lineOffsets); i++ {
			if d.lineOffsets[i] < d.lineOffsets[i-1] {
				t.Errorf("%q: offsets not monotone: %v", content, d.lineOffsets)
			}
		}
	}
}
