package codec

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRowFormat(t *testing.T) {
	cases := []struct {
		layout string
		size   int
		arity  int
	}{
		{"<I", 4, 1},
		{"<32sIQ", 44, 3},
		{"<B32sIIQ", 49, 5},
		{"2I", 8, 2},
		{">H2xq", 12, 2},
		{"<32s20s32s", 84, 3},
		{"", 0, 0},
	}
	for _, tc := range cases {
		f, err := ParseRowFormat(tc.layout)
		require.NoError(t, err, tc.layout)
		assert.Equal(t, tc.size, f.Size(), tc.layout)
		assert.Equal(t, tc.arity, f.Arity(), tc.layout)
	}
}

func TestParseRowFormatErrors(t *testing.T) {
	for _, layout := range []string{"<Z", "<32", "I?"} {
		_, err := ParseRowFormat(layout)
		assert.ErrorIs(t, err, ErrBadFormat, layout)
	}
	assert.Panics(t, func() { MustParseRowFormat("<k") })
}

func TestUnpackTable(t *testing.T) {
	format := MustParseRowFormat("<32sIQ")

	// 4-byte error code, two rows, and 7 trailing bytes that never make a row.
	data := make([]byte, 4)
	for i := 0; i < 2; i++ {
		row := make([]byte, format.Size())
		row[0] = byte(0xa0 + i)
		binary.LittleEndian.PutUint32(row[32:], uint32(100+i))
		binary.LittleEndian.PutUint64(row[36:], uint64(5000000000+i))
		data = append(data, row...)
	}
	data = append(data, 1, 2, 3, 4, 5, 6, 7)

	rows, err := UnpackTable(format, data, 4)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	for i, row := range rows {
		require.Len(t, row, 3)
		hash := row[0].([]byte)
		assert.Len(t, hash, 32)
		assert.Equal(t, byte(0xa0+i), hash[0])
		assert.Equal(t, uint32(100+i), row[1])
		assert.Equal(t, uint64(5000000000+i), row[2])
	}
}

func TestUnpackTableRowCountIsFloor(t *testing.T) {
	format := MustParseRowFormat("<I")
	rows, err := UnpackTable(format, make([]byte, 11), 0)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = UnpackTable(format, make([]byte, 11), 8)
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = UnpackTable(format, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestUnpackTableBadInput(t *testing.T) {
	_, err := UnpackTable(MustParseRowFormat("<I"), make([]byte, 4), 5)
	assert.ErrorIs(t, err, ErrBadOffset)

	_, err = UnpackTable(RowFormat{}, make([]byte, 4), 0)
	assert.ErrorIs(t, err, ErrEmptyRow)
}

func TestDecodeRowSignedAndBigEndian(t *testing.T) {
	format := MustParseRowFormat(">hxbq")
	data := []byte{0xff, 0xfe, 0x00, 0x80, 0, 0, 0, 0, 0, 0, 0, 0x2a}

	row, err := format.DecodeRow(data)
	require.NoError(t, err)
	assert.Equal(t, Row{int16(-2), int8(-128), int64(42)}, row)

	_, err = format.DecodeRow(data[:5])
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestNewRowFormat(t *testing.T) {
	format := NewRowFormat(binary.LittleEndian,
		Field{Kind: Uint16},
		Field{Kind: Bytes, Size: 3},
	)
	assert.Equal(t, 5, format.Size())
	row, err := format.DecodeRow([]byte{0x01, 0x02, 'a', 'b', 'c'})
	require.NoError(t, err)
	assert.Equal(t, Row{uint16(0x0201), []byte("abc")}, row)
}
