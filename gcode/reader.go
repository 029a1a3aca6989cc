package gcode

import (
	"fmt"
	"io"
)

// Reader yields blocks until io.EOF. Parser and BlocksReader implement it.
type Reader interface {
	Read() (Block, error)
}

var (
	_ Reader = &Parser{}
	_ Reader = &BlocksReader{}
)

// BlocksReader yields a fixed list of blocks.
type BlocksReader struct {
	blocks []Block
	n      int
}

// NewBlocksReader checks every block before any is read, so a list with
// an invalid block is never partially rendered.
func NewBlocksReader(blocks ...Block) (*BlocksReader, error) {
	for i, b := range blocks {
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("block %d %s: %w", i+1, b, err)
		}
	}
	return &BlocksReader{blocks: blocks}, nil
}

func (r *BlocksReader) Read() (Block, error) {
	if r.n == len(r.blocks) {
		return nil, io.EOF
	}
	r.n++
	return r.blocks[r.n-1], nil
}

// Len returns how many blocks are left.
func (r *BlocksReader) Len() int { return len(r.blocks) - r.n }
