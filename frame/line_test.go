package frame

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceSpeed(t *testing.T) {
	assert.Equal(t, 26, DeviceSpeed(25))
	assert.Equal(t, 25, DeviceSpeed(26))
	assert.Equal(t, 1, DeviceSpeed(50))

	// below 25 each percent is three steps. These follow the formula, not
	// the sample table that lists 24 -> 32 and 1 -> 50.
	assert.Equal(t, 29, DeviceSpeed(24))
	assert.Equal(t, 32, DeviceSpeed(23))
	assert.Equal(t, 98, DeviceSpeed(1))
}

func TestDevicePower(t *testing.T) {
	assert.Equal(t, 1000, DevicePower(100))
	assert.Equal(t, 500, DevicePower(50))
	assert.Equal(t, 0, DevicePower(0))
	assert.Equal(t, 1000, DevicePower(150))
}

func TestPackLine(t *testing.T) {
	px := []uint8{0x00, 0xFF, 0x7F, 0x80, 0x00, 0x00, 0xFF, 0x01}
	assert.Equal(t, []byte{0b10101101}, PackLine(px))

	// partial trailing byte keeps its bits right-aligned
	px = append(px, 0x00, 0xFF, 0x00)
	assert.Equal(t, []byte{0b10101101, 0b101}, PackLine(px))

	assert.Empty(t, PackLine(nil))
}

func TestEncodeEngraveLine(t *testing.T) {
	px := []uint8{0, 0, 0, 0, 0, 0, 0, 0, 0xFF, 0}
	f, err := EncodeEngraveLine(513, 25, 50, px)
	require.NoError(t, err)

	want := Frame{
		9, 0, 11,
		0, 26,
		0x01, 0xF4,
		0x02, 0x01,
		0xFF, 0b01,
	}
	if diff := cmp.Diff(want, f); diff != "" {
		t.Errorf("line frame mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []byte{0xFF, 0b01}, LinePayload(f))
}

func TestEncodeEngraveLine_Empty(t *testing.T) {
	f, err := EncodeEngraveLine(0, 30, 10, nil)
	require.NoError(t, err)
	assert.Len(t, f, 9)
	n, ok := f.Len()
	assert.True(t, ok)
	assert.Equal(t, 9, n)
}

func TestEncodeEngraveLine_LengthField(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for l := 0; l < 70; l++ {
		px := make([]uint8, l)
		rnd.Read(px)

		f, err := EncodeEngraveLine(uint16(l), 40, 40, px)
		require.NoError(t, err)
		declared := int(binary.BigEndian.Uint16(f[1:3]))
		assert.Equal(t, 9+(l+7)/8, declared, "width %d", l)
		assert.Equal(t, declared, len(f), "width %d", l)
	}
}

func TestEncodeEngraveLine_Range(t *testing.T) {
	f, err := EncodeEngraveLine(0, 30, 50, make([]uint8, MaxLinePixels))
	require.NoError(t, err)
	assert.Len(t, f, math.MaxUint16)
	n, _ := f.Len()
	assert.Equal(t, math.MaxUint16, n)

	_, err = EncodeEngraveLine(0, 30, 50, make([]uint8, MaxLinePixels+1))
	assert.ErrorIs(t, err, ErrRange)
	_, err = EncodeEngraveLine(0, 30, 50, make([]uint8, (65536-9)*8+8))
	assert.ErrorIs(t, err, ErrRange)

	for _, c := range []struct{ speed, power int }{
		{60, 50}, {0, 50}, {-1, 50}, {30, -5}, {30, 101},
	} {
		f, err := EncodeEngraveLine(0, c.speed, c.power, nil)
		assert.ErrorIs(t, err, ErrRange, "speed %d power %d", c.speed, c.power)
		assert.Nil(t, f)
	}
}

func TestPackLine_RoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(2))
	for l := 0; l < 70; l++ {
		px := make([]uint8, l)
		rnd.Read(px)

		packed := PackLine(px)
		decoded := UnpackLine(packed, l)
		assert.Equal(t, packed, PackLine(decoded), "width %d", l)

		for i := range px {
			assert.Equal(t, px[i] < Threshold, decoded[i] < Threshold, "width %d pixel %d", l, i)
		}
	}
}

func TestLastDark(t *testing.T) {
	assert.Equal(t, -1, LastDark(PackLine([]uint8{0xFF, 0xFF, 0xFF}), 3))
	assert.Equal(t, 0, LastDark(PackLine([]uint8{0x00, 0xFF, 0xFF}), 3))

	px := make([]uint8, 21)
	for i := range px {
		px[i] = 0xFF
	}
	px[17] = 0x10
	assert.Equal(t, 17, LastDark(PackLine(px), len(px)))

	px[20] = 0x00
	assert.Equal(t, 20, LastDark(PackLine(px), len(px)))
}
