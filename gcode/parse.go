package gcode

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// Parser reads Blocks from G-code text. Comments, in parentheses or
// after a semicolon, blank lines and % tape markers are skipped.
type Parser struct {
	br   *bufio.Reader
	line int
}

func NewParser(r io.Reader) *Parser {
	if br, ok := r.(*bufio.Reader); ok {
		return &Parser{br: br}
	}
	return &Parser{br: bufio.NewReader(r)}
}

var (
	rxComment = regexp.MustCompile(`\([^)]*\)`)
	rxBlock   = regexp.MustCompile(`^([A-Z][+\-]?[0-9]*\.?[0-9]*)+$`)
	rxWord    = regexp.MustCompile(`[A-Z][+\-]?[0-9]*\.?[0-9]*`)
)

func (p *Parser) Read() (Block, error) {
	for {
		s, err := p.br.ReadString('\n')
		if err == io.EOF && s != "" {
			err = nil
		}
		if err != nil {
			return nil, err
		}
		p.line++

		s = strings.SplitN(s, ";", 2)[0]
		s = rxComment.ReplaceAllString(s, "")
		s = strings.ToUpper(strings.Join(strings.Fields(s), ""))
		if s == "" || s == "%" {
			continue
		}
		if !rxBlock.MatchString(s) {
			return nil, fmt.Errorf("line %d: invalid or unhandled block: %s", p.line, s)
		}

		words := rxWord.FindAllString(s, -1)
		b := make(Block, len(words))
		for i, w := range words {
			arg, err := strconv.ParseFloat(w[1:], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: word %s: %w", p.line, w, err)
			}
			b[i] = Word{W: w[0], Arg: arg}
		}
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", p.line, err)
		}
		return b, nil
	}
}

// Parse reads every block of data.
func Parse(data string) ([]Block, error) {
	r := NewParser(strings.NewReader(data))
	var b []Block
	for {
		bl, err := r.Read()
		if err == io.EOF {
			return b, nil
		}
		if err != nil {
			return nil, err
		}
		b = append(b, bl)
	}
}

func MustParse(data string) []Block {
	b, err := Parse(data)
	if err != nil {
		panic(err)
	}
	return b
}
