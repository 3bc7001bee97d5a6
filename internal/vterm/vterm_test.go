package vterm

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func feed(term *VTerm, chunks ...string) {
	for _, chunk := range chunks {
		_, _ = term.Write([]byte(chunk))
	}
}

func TestNumberedLines(t *testing.T) {
	term := New(80, 24, 0)
	for i := 1; i <= 100; i++ {
		feed(term, fmt.Sprintf("%d\r\n", i))
	}

	assert.Equal(t, 100, term.TrimmedLineCount())
	for _, i := range []int{0, 50, 99} {
		assert.Equal(t, fmt.Sprintf("%d", i+1), term.Line(i))
	}
	// total includes the synthetic empty screen tail
	assert.Equal(t, 77+24, term.LineCount())
}

func TestCarriageReturnOverwrites(t *testing.T) {
	term := New(80, 24, 0)
	feed(term, "10%\r20%\r100%")

	assert.Equal(t, "100%", term.Line(0))
	assert.Equal(t, 1, term.TrimmedLineCount())
}

func TestCursorMovement(t *testing.T) {
	term := New(80, 24, 0)

	// CHA to column 1 then overwrite
	feed(term, "abc\x1b[1Gx")
	assert.Equal(t, "xbc", term.Line(0))

	// CUP addresses row 3 explicitly
	feed(term, "\x1b[3;5Hdeep")
	assert.Equal(t, "    deep", term.Line(2))

	// CUP back to the first row, CUF over existing text
	feed(term, "\x1b[1;1H\x1b[2Cz")
	assert.Equal(t, "xbz", term.Line(0))
}

func TestEraseLine(t *testing.T) {
	term := New(80, 24, 0)
	feed(term, "hello world\x1b[1;6H\x1b[K")
	assert.Equal(t, "hello", term.Line(0))
}

func TestClearScreen(t *testing.T) {
	term := New(80, 24, 0)
	feed(term, "first\r\nsecond\r\nthird")
	feed(term, "\x1b[2J\x1b[H")
	assert.Equal(t, 0, term.TrimmedLineCount())

	feed(term, "fresh")
	assert.Equal(t, "fresh", term.Line(0))
	assert.Equal(t, 1, term.TrimmedLineCount())
}

func TestLineWrap(t *testing.T) {
	term := New(10, 24, 0)
	feed(term, strings.Repeat("a", 10)+"bb")

	assert.Equal(t, strings.Repeat("a", 10), term.Line(0))
	assert.Equal(t, "bb", term.Line(1))
}

func TestScrollbackBound(t *testing.T) {
	term := New(80, 4, 8)
	for i := 0; i < 30; i++ {
		feed(term, fmt.Sprintf("line%d\r\n", i))
	}

	// 8 history lines plus the 4-row screen
	assert.Equal(t, 8+4, term.LineCount())
	// oldest retained history line
	assert.Equal(t, "line19", term.Line(0))
}

func TestSplitEscapeSequence(t *testing.T) {
	term := New(80, 24, 0)
	// the CUP sequence arrives split across two writes
	feed(term, "abc\x1b[", "1;1Hz")
	assert.Equal(t, "zbc", term.Line(0))
}

func TestSGRSerialization(t *testing.T) {
	term := New(80, 24, 0)
	feed(term, "\x1b[31mred\x1b[0m plain")

	assert.Equal(t, "red plain", term.Line(0))

	serialized := term.SerializeANSI(0)
	assert.Contains(t, serialized, "\x1b[31m")
	assert.Contains(t, serialized, "red")
	assert.Contains(t, serialized, "plain")
}

func TestSerializeANSIScrollbackLimit(t *testing.T) {
	term := New(80, 2, 0)
	feed(term, "one\r\ntwo\r\nthree\r\nfour")

	all := term.SerializeANSI(-1)
	assert.Contains(t, all, "one")

	limited := term.SerializeANSI(1)
	assert.NotContains(t, limited, "one")
	assert.Contains(t, limited, "two")
	assert.Contains(t, limited, "four")
}

func TestTabStops(t *testing.T) {
	term := New(80, 24, 0)
	feed(term, "a\tb")
	assert.Equal(t, "a       b", term.Line(0))
}

func TestBackspace(t *testing.T) {
	term := New(80, 24, 0)
	feed(term, "ax\bb")
	assert.Equal(t, "ab", term.Line(0))
}

func TestRangePastEnd(t *testing.T) {
	term := New(80, 24, 0)
	feed(term, "only\r\n")
	assert.Equal(t, "", term.Line(500))
}

func TestOSCSequencesIgnored(t *testing.T) {
	term := New(80, 24, 0)
	feed(term, "\x1b]0;window title\x07visible")
	assert.Equal(t, "visible", term.Line(0))
}
