package gcode

import (
	"strconv"
	"strings"
)

// Word is one letter/number pair, like G1 or X12.5.
type Word struct {
	W   byte
	Arg float64
}

// IsAxis reports whether w addresses a bed axis. Lasers move in X and Y only.
func (w Word) IsAxis() bool {
	return w.W == 'X' || w.W == 'Y'
}

func (w Word) IsValid() bool {
	return w.W >= 'A' && w.W <= 'Z'
}

func formatFloat(f float64, prec int) string {
	s := strconv.FormatFloat(f, 'f', prec, 64)
	if strings.ContainsRune(s, '.') {
		s = strings.TrimRight(s, "0")
	}
	s = strings.TrimRight(s, ".")
	if s == "-0" {
		return "0"
	}
	return s
}

func (w Word) String() string {
	return string(w.W) + formatFloat(w.Arg, 3)
}

// G, M, X, Y, F, S and P build single words.
func G(n float64) Word     { return Word{W: 'G', Arg: n} }
func M(n float64) Word     { return Word{W: 'M', Arg: n} }
func X(mm float64) Word    { return Word{W: 'X', Arg: mm} }
func Y(mm float64) Word    { return Word{W: 'Y', Arg: mm} }
func F(feed float64) Word  { return Word{W: 'F', Arg: feed} }
func S(power float64) Word { return Word{W: 'S', Arg: power} }
func P(n float64) Word     { return Word{W: 'P', Arg: n} }
