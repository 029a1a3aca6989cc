package frame

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestFixed(t *testing.T) {
	if diff := cmp.Diff(Frame{10, 0, 4, 0}, Fixed(OpConnect)); diff != "" {
		t.Errorf("connect frame mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, Frame{23}, EncodeFixed(OpHome))
	assert.Equal(t, Frame{4, 1, 2}, EncodeFixed(OpFanOn, 1, 2))

	_, ok := Fixed(OpStop).Len()
	assert.False(t, ok)
}

func TestEncodeMove(t *testing.T) {
	f, err := EncodeMove(-2, 300)
	assert.NoError(t, err)
	if diff := cmp.Diff(Frame{1, 0, 7, 0xFF, 0xFE, 0x01, 0x2C}, f); diff != "" {
		t.Errorf("move frame mismatch (-want +got):\n%s", diff)
	}

	n, ok := f.Len()
	assert.True(t, ok)
	assert.Equal(t, len(f), n)
}

func TestEncodeMove_RoundTrip(t *testing.T) {
	values := []int{math.MinInt16, math.MinInt16 + 1, -1000, -255, -256, -1, 0, 1, 127, 128, 255, 256, 1000, math.MaxInt16 - 1, math.MaxInt16}
	for _, dx := range values {
		for _, dy := range values {
			f, err := EncodeMove(dx, dy)
			if !assert.NoError(t, err) {
				return
			}
			gx, gy, err := DecodeMove(f)
			assert.NoError(t, err)
			assert.Equal(t, dx, gx)
			assert.Equal(t, dy, gy)
		}
	}
}

func TestEncodeMove_Range(t *testing.T) {
	_, err := EncodeMove(math.MaxInt16+1, 0)
	assert.ErrorIs(t, err, ErrRange)

	_, err = EncodeMove(0, math.MinInt16-1)
	assert.ErrorIs(t, err, ErrRange)
}

func TestEncodeStart(t *testing.T) {
	f, err := EncodeStart(10, 513)
	assert.NoError(t, err)
	assert.Equal(t, Frame{20, 0, 7, 0, 10, 2, 1}, f)
}

func TestOpString(t *testing.T) {
	assert.Equal(t, "engrave-line", OpEngraveLine.String())
	assert.Equal(t, "op(99)", Op(99).String())
}
