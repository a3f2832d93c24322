// Package doc holds editor-synchronized buffer contents and converts
// between byte offsets and line/character positions.
package doc

import (
	"sort"
	"unicode/utf8"
)

// Position is a zero-indexed line plus a character offset within the line.
// Character counts Unicode scalars unless the UTF-16 converters are used.
type Position struct {
	Line      int
	Character int
}

// Range is a half-open [Start, End) span in position space.
type Range struct {
	Start Position
	End   Position
}

// ByteRange is a half-open [Start, End) span in byte-offset space.
type ByteRange struct {
	Start int
	End   int
}

// Contains reports whether the byte offset falls inside the range.
func (r ByteRange) Contains(offset int) bool {
	return offset >= r.Start && offset < r.End
}

// Document is one open buffer or on-disk file.
//
// lineOffsets[i] is the byte offset of the first byte of line i. The table
// always carries a final sentinel equal to len(Content), so a byte offset k
// sits on line i when lineOffsets[i] <= k < lineOffsets[i+1].
type Document struct {
	URI     string
	Content []byte
	Version int32

	lineOffsets []int
}

// New builds a document, computing the line-offset table in one pass.
func New(uri string, content []byte, version int32) *Document {
	return &Document{
		URI:         uri,
		Content:     content,
		Version:     version,
		lineOffsets: computeLineOffsets(content),
	}
}

func computeLineOffsets(content []byte) []int {
	offsets := make([]int, 1, 16)
	offsets[0] = 0
	for i, b := range content {
		if b == '\n' {
			offsets = append(offsets, i+1)
		}
	}
	return append(offsets, len(content))
}

// LineCount returns the number of lines, counting a trailing empty line
// after a final newline.
func (d *Document) LineCount() int {
	return len(d.lineOffsets) - 1
}

// LineStart returns the byte offset of the first byte of the line.
func (d *Document) LineStart(line int) int {
	line = clamp(line, 0, d.LineCount()-1)
	return d.lineOffsets[line]
}

// lineEnd returns the byte offset just past the last content byte of the
// line, excluding the line terminator.
func (d *Document) lineEnd(line int) int {
	end := d.lineOffsets[line+1]
	start := d.lineOffsets[line]
	if end > start && d.Content[end-1] == '\n' {
		end--
		if end > start && d.Content[end-1] == '\r' {
			end--
		}
	}
	return end
}

// lineCap returns the byte offset characters on the line may reach when
// converting positions. Only the '\n' is excluded: a CR before it counts
// as a reachable character, so every terminator byte offset survives the
// position round-trip on CRLF content.
func (d *Document) lineCap(line int) int {
	end := d.lineOffsets[line+1]
	if end > d.lineOffsets[line] && d.Content[end-1] == '\n' {
		end--
	}
	return end
}

// lineAt returns the line index containing the byte offset. Offsets at or
// past the end of content land on the last line.
func (d *Document) lineAt(offset int) int {
	n := d.LineCount()
	if offset >= len(d.Content) {
		return n - 1
	}
	return sort.Search(n, func(i int) bool { return d.lineOffsets[i+1] > offset })
}

// OffsetToPosition converts a byte offset to a position, counting Unicode
// scalars within the line. Out-of-range offsets clamp to end of document.
func (d *Document) OffsetToPosition(offset int) Position {
	if offset < 0 {
		offset = 0
	}
	if offset > len(d.Content) {
		offset = len(d.Content)
	}
	line := d.lineAt(offset)
	chars := 0
	for k := d.lineOffsets[line]; k < offset; {
		_, size := utf8.DecodeRune(d.Content[k:])
		k += size
		chars++
	}
	return Position{Line: line, Character: chars}
}

// PositionToOffset converts a position to a byte offset, clamping the
// character to the end of the line and the line to the end of the document.
func (d *Document) PositionToOffset(pos Position) int {
	line := clamp(pos.Line, 0, d.LineCount()-1)
	offset := d.lineOffsets[line]
	end := d.lineCap(line)
	for i := 0; i < pos.Character && offset < end; i++ {
		_, size := utf8.DecodeRune(d.Content[offset:end])
		offset += size
	}
	return offset
}

// OffsetToPositionUTF16 is OffsetToPosition with the character measured in
// UTF-16 code units, for clients that negotiate utf-16 position encoding.
func (d *Document) OffsetToPositionUTF16(offset int) Position {
	if offset < 0 {
		offset = 0
	}
	if offset > len(d.Content) {
		offset = len(d.Content)
	}
	line := d.lineAt(offset)
	units := 0
	for k := d.lineOffsets[line]; k < offset; {
		r, size := utf8.DecodeRune(d.Content[k:])
		k += size
		units += utf16Len(r)
	}
	return Position{Line: line, Character: units}
}

// PositionToOffsetUTF16 is PositionToOffset with the character measured in
// UTF-16 code units.
func (d *Document) PositionToOffsetUTF16(pos Position) int {
	line := clamp(pos.Line, 0, d.LineCount()-1)
	offset := d.lineOffsets[line]
	end := d.lineCap(line)
	for units := 0; units < pos.Character && offset < end; {
		r, size := utf8.DecodeRune(d.Content[offset:end])
		offset += size
		units += utf16Len(r)
	}
	return offset
}

func utf16Len(r rune) int {
	if r >= 0x10000 {
		return 2
	}
	return 1
}

// RangeToByteRange converts a position range to byte offsets.
func (d *Document) RangeToByteRange(r Range) ByteRange {
	return ByteRange{Start: d.PositionToOffset(r.Start), End: d.PositionToOffset(r.End)}
}

// ByteRangeToRange converts byte offsets to a position range.
func (d *Document) ByteRangeToRange(br ByteRange) Range {
	return Range{Start: d.OffsetToPosition(br.Start), End: d.OffsetToPosition(br.End)}
}

// ApplyEdit replaces the byte slice covered by rng with newText, rebuilds
// the line-offset table and bumps the version. A nil rng replaces the whole
// content (FULL sync).
func (d *Document) ApplyEdit(rng *Range, newText string) {
	if rng == nil {
		d.Content = []byte(newText)
	} else {
		start := d.PositionToOffset(rng.Start)
		end := d.PositionToOffset(rng.End)
		if end < start {
			start, end = end, start
		}
		buf := make([]byte, 0, len(d.Content)-(end-start)+len(newText))
		buf = append(buf, d.Content[:start]...)
		buf = append(buf, newText...)
		buf = append(buf, d.Content[end:]...)
		d.Content = buf
	}
	d.lineOffsets = computeLineOffsets(d.Content)
	d.Version++
}

// Text returns the content of the line without its terminator.
func (d *Document) Text(line int) string {
	line = clamp(line, 0, d.LineCount()-1)
	return string(d.Content[d.lineOffsets[line]:d.lineEnd(line)])
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
