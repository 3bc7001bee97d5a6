// Package vterm implements a fixed-size virtual terminal buffer.
// Process output is fed through it so that cursor movement, line
// clearing and colour sequences collapse into a final 2-D character
// grid, the way a real terminal displays them, instead of being
// naively split on newlines.
package vterm

import (
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

const (
	DefaultWidth  = 80
	DefaultHeight = 24

	// DefaultScrollback bounds the retained history so a chatty
	// process cannot grow the buffer without limit.
	DefaultScrollback = 128000
)

// Terminal is the capability the process manager depends on. Any
// terminal emulator exposing addressable lines and an ANSI
// serialisation can satisfy it.
type Terminal interface {
	Write(p []byte) (n int, err error)
	LineCount() int
	Line(i int) string
	SerializeANSI(scrollback int) string
}

type cell struct {
	r rune
	// sgr is the rendered SGR sequence active when the cell was
	// written, e.g. "\x1b[1;31m". Empty means default attributes.
	sgr string
}

// VTerm is the in-tree Terminal implementation: a width×height screen
// plus a bounded scrollback of rows that scrolled off the top.
//
// All methods are safe for concurrent use.
type VTerm struct {
	mu sync.Mutex

	width, height int
	maxScrollback int

	screen     [][]cell
	scrollback [][]cell

	cursorX, cursorY int

	// current SGR parameter groups, rendered lazily
	sgrParams []string
	sgr       string

	// incomplete trailing escape sequence retained between writes
	pending []byte
}

// New creates a terminal. Zero arguments fall back to the defaults.
func New(width, height, maxScrollback int) *VTerm {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	if maxScrollback <= 0 {
		maxScrollback = DefaultScrollback
	}
	term := &VTerm{
		width:         width,
		height:        height,
		maxScrollback: maxScrollback,
		screen:        make([][]cell, height),
	}
	for i := range term.screen {
		term.screen[i] = make([]cell, width)
	}
	return term
}

// Write interprets p as terminal input. An escape sequence split
// across writes is stitched back together on the next call.
func (term *VTerm) Write(p []byte) (int, error) {
	term.mu.Lock()
	defer term.mu.Unlock()

	data := p
	if len(term.pending) > 0 {
		data = append(term.pending, p...)
		term.pending = nil
	}

	var state byte
	for len(data) > 0 {
		seq, width, n, newState := ansi.DecodeSequence(data, state, nil)
		if n == 0 {
			break
		}
		if width == 0 && len(seq) == len(data) && incompleteEscape(seq) {
			term.pending = append([]byte(nil), seq...)
			break
		}
		if width > 0 {
			term.print(seq, width)
		} else {
			term.control(seq)
		}
		state = newState
		data = data[n:]
	}
	return len(p), nil
}

// print places one printable grapheme at the cursor and advances it,
// wrapping at the right edge.
func (term *VTerm) print(seq []byte, width int) {
	if term.cursorX+width > term.width {
		term.cursorX = 0
		term.lineFeed()
	}
	for _, r := range string(seq) {
		term.screen[term.cursorY][term.cursorX] = cell{r: r, sgr: term.sgr}
		break // combining marks beyond the base rune are dropped
	}
	// the cursor may rest one past the right edge; the next print
	// call wraps it
	term.cursorX += width
}

func (term *VTerm) control(seq []byte) {
	if len(seq) == 0 {
		return
	}
	switch seq[0] {
	case '\r':
		term.cursorX = 0
	case '\n', '\v', '\f':
		term.lineFeed()
	case '\b':
		if term.cursorX > 0 {
			term.cursorX--
		}
	case '\t':
		next := (term.cursorX/8 + 1) * 8
		if next >= term.width {
			next = term.width - 1
		}
		term.cursorX = next
	case 0x1b:
		if len(seq) >= 2 && seq[1] == '[' {
			term.csi(seq)
		}
		// OSC, DCS and other escape kinds are ignored
	}
}

// csi interprets one control sequence introducer. Unknown or private
// sequences are ignored.
func (term *VTerm) csi(seq []byte) {
	body := seq[2 : len(seq)-1]
	final := seq[len(seq)-1]
	if len(body) > 0 && (body[0] == '?' || body[0] == '>' || body[0] == '<' || body[0] == '=') {
		return
	}
	params := splitParams(body)

	switch final {
	case 'A':
		term.cursorY = clamp(term.cursorY-param(params, 0, 1), 0, term.height-1)
	case 'B':
		term.cursorY = clamp(term.cursorY+param(params, 0, 1), 0, term.height-1)
	case 'C':
		term.cursorX = clamp(term.cursorX+param(params, 0, 1), 0, term.width-1)
	case 'D':
		term.cursorX = clamp(term.cursorX-param(params, 0, 1), 0, term.width-1)
	case 'G':
		term.cursorX = clamp(param(params, 0, 1)-1, 0, term.width-1)
	case 'd':
		term.cursorY = clamp(param(params, 0, 1)-1, 0, term.height-1)
	case 'H', 'f':
		term.cursorY = clamp(param(params, 0, 1)-1, 0, term.height-1)
		term.cursorX = clamp(param(params, 1, 1)-1, 0, term.width-1)
	case 'J':
		term.eraseDisplay(param(params, 0, 0))
	case 'K':
		term.eraseLine(param(params, 0, 0))
	case 'm':
		term.selectGraphicRendition(params)
	}
}

func (term *VTerm) eraseDisplay(mode int) {
	switch mode {
	case 0:
		term.clearRow(term.cursorY, term.cursorX, term.width-1)
		for y := term.cursorY + 1; y < term.height; y++ {
			term.clearRow(y, 0, term.width-1)
		}
	case 1:
		for y := 0; y < term.cursorY; y++ {
			term.clearRow(y, 0, term.width-1)
		}
		term.clearRow(term.cursorY, 0, term.cursorX)
	case 2:
		for y := 0; y < term.height; y++ {
			term.clearRow(y, 0, term.width-1)
		}
	case 3:
		term.scrollback = nil
	}
}

func (term *VTerm) eraseLine(mode int) {
	switch mode {
	case 0:
		term.clearRow(term.cursorY, term.cursorX, term.width-1)
	case 1:
		term.clearRow(term.cursorY, 0, term.cursorX)
	case 2:
		term.clearRow(term.cursorY, 0, term.width-1)
	}
}

func (term *VTerm) clearRow(y, x0, x1 int) {
	row := term.screen[y]
	for x := x0; x <= x1 && x < term.width; x++ {
		row[x] = cell{}
	}
}

func (term *VTerm) selectGraphicRendition(params []string) {
	if len(params) == 0 {
		term.sgrParams = nil
		term.sgr = ""
		return
	}
	for _, p := range params {
		if p == "" || p == "0" {
			term.sgrParams = nil
		} else {
			term.sgrParams = append(term.sgrParams, p)
		}
	}
	if len(term.sgrParams) == 0 {
		term.sgr = ""
	} else {
		term.sgr = "\x1b[" + strings.Join(term.sgrParams, ";") + "m"
	}
}

// lineFeed moves the cursor down one row, scrolling the screen when
// it is already at the bottom. The row scrolled off the top joins the
// scrollback; the oldest scrollback rows are dropped past the cap.
func (term *VTerm) lineFeed() {
	if term.cursorY < term.height-1 {
		term.cursorY++
		return
	}
	term.scrollback = append(term.scrollback, term.screen[0])
	if len(term.scrollback) > term.maxScrollback {
		overflow := len(term.scrollback) - term.maxScrollback
		term.scrollback = append([][]cell(nil), term.scrollback[overflow:]...)
	}
	copy(term.screen, term.screen[1:])
	term.screen[term.height-1] = make([]cell, term.width)
}

// LineCount reports scrollback plus screen rows, including the
// synthetic empty tail the fixed screen height produces.
func (term *VTerm) LineCount() int {
	term.mu.Lock()
	defer term.mu.Unlock()
	return len(term.scrollback) + term.height
}

// TrimmedLineCount is LineCount without the trailing all-empty screen
// rows. This is the pagination total external readers see.
func (term *VTerm) TrimmedLineCount() int {
	term.mu.Lock()
	defer term.mu.Unlock()
	total := len(term.scrollback) + term.height
	for total > len(term.scrollback) {
		if rowText(term.screen[total-len(term.scrollback)-1]) != "" {
			break
		}
		total--
	}
	return total
}

// Line returns the text of the i-th line (0-based across scrollback
// then screen), trailing blanks trimmed.
func (term *VTerm) Line(i int) string {
	term.mu.Lock()
	defer term.mu.Unlock()
	if i < 0 || i >= len(term.scrollback)+term.height {
		return ""
	}
	if i < len(term.scrollback) {
		return rowText(term.scrollback[i])
	}
	return rowText(term.screen[i-len(term.scrollback)])
}

// SerializeANSI renders the terminal contents back into raw ANSI
// text, suitable for reattaching a live view. scrollback limits how
// many history lines precede the screen; negative means all.
func (term *VTerm) SerializeANSI(scrollback int) string {
	term.mu.Lock()
	defer term.mu.Unlock()

	if scrollback < 0 || scrollback > len(term.scrollback) {
		scrollback = len(term.scrollback)
	}
	rows := make([][]cell, 0, scrollback+term.height)
	rows = append(rows, term.scrollback[len(term.scrollback)-scrollback:]...)
	rows = append(rows, term.screen...)

	var b strings.Builder
	for i, row := range rows {
		if i > 0 {
			b.WriteString("\r\n")
		}
		current := ""
		for _, c := range row[:usedWidth(row)] {
			if c.sgr != current {
				b.WriteString("\x1b[0m")
				b.WriteString(c.sgr)
				current = c.sgr
			}
			if c.r == 0 {
				b.WriteByte(' ')
			} else {
				b.WriteRune(c.r)
			}
		}
		if current != "" {
			b.WriteString("\x1b[0m")
		}
	}
	return b.String()
}

func rowText(row []cell) string {
	var b strings.Builder
	for _, c := range row[:usedWidth(row)] {
		if c.r == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteRune(c.r)
		}
	}
	return strings.TrimRight(b.String(), " ")
}

func usedWidth(row []cell) int {
	n := len(row)
	for n > 0 && row[n-1].r == 0 {
		n--
	}
	return n
}

// incompleteEscape reports whether seq is the unterminated prefix of
// an escape sequence, in which case it must wait for more bytes.
func incompleteEscape(seq []byte) bool {
	if len(seq) == 0 || seq[0] != 0x1b {
		return false
	}
	if len(seq) == 1 {
		return true
	}
	switch seq[1] {
	case '[':
		if len(seq) == 2 {
			return true
		}
		final := seq[len(seq)-1]
		return final < 0x40 || final > 0x7e
	case ']':
		last := seq[len(seq)-1]
		terminated := last == 0x07 ||
			(len(seq) >= 2 && seq[len(seq)-2] == 0x1b && last == '\\')
		return !terminated
	default:
		return false
	}
}

func splitParams(body []byte) []string {
	if len(body) == 0 {
		return nil
	}
	return strings.Split(string(body), ";")
}

// param returns params[i] as an int, def when absent, empty or zero
// where the sequence treats zero as default.
func param(params []string, i, def int) int {
	if i >= len(params) || params[i] == "" {
		return def
	}
	n := 0
	for _, ch := range params[i] {
		if ch < '0' || ch > '9' {
			return def
		}
		n = n*10 + int(ch-'0')
	}
	if n == 0 {
		return def
	}
	return n
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
