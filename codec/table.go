package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
)

// Kind is the type of one fixed-width field inside a row.
type Kind byte

const (
	Uint8 Kind = iota
	Uint16
	Uint32
	Uint64
	Int8
	Int16
	Int32
	Int64
	Bytes // fixed-length byte string, width given by Field.Size
	Pad   // skipped bytes, produce no value
)

var kindSize = map[Kind]int{
	Uint8: 1, Uint16: 2, Uint32: 4, Uint64: 8,
	Int8: 1, Int16: 2, Int32: 4, Int64: 8,
}

var (
	ErrBadFormat = errors.New("codec: invalid row format")
	ErrEmptyRow  = errors.New("codec: row format has zero width")
	ErrBadOffset = errors.New("codec: start offset beyond data")
)

// Field is one column of a row.
type Field struct {
	Kind Kind
	Size int // only used by Bytes and Pad
}

func (f Field) width() int {
	if f.Kind == Bytes || f.Kind == Pad {
		return f.Size
	}
	return kindSize[f.Kind]
}

// Row is one decoded table entry. Integers decode to their sized Go types
// (uint32, int64, ...) and byte strings to []byte.
type Row []any

// RowFormat describes the fixed layout of a table row. It carries no
// dynamic-length fields.
type RowFormat struct {
	order  binary.ByteOrder
	fields []Field
	size   int
}

// NewRowFormat builds a format from explicit fields.
func NewRowFormat(order binary.ByteOrder, fields ...Field) RowFormat {
	f := RowFormat{order: order, fields: fields}
	for _, field := range fields {
		f.size += field.width()
	}
	return f
}

// ParseRowFormat parses a struct-style layout such as "<32sIQ".
//
//	<  =  @    little endian (no alignment padding is ever inserted)
//	>  !       big endian
//	B H I Q    unsigned 8/16/32/64-bit
//	b h i q    signed 8/16/32/64-bit
//	Ns         N-byte string
//	Nx         N pad bytes
//
// A decimal count before an integer letter repeats it, "2I" == "II".
func ParseRowFormat(layout string) (RowFormat, error) {
	var order binary.ByteOrder = binary.LittleEndian
	if layout != "" {
		switch layout[0] {
		case '<', '=', '@':
			layout = layout[1:]
		case '>', '!':
			order = binary.BigEndian
			layout = layout[1:]
		}
	}

	var fields []Field
	for i := 0; i < len(layout); {
		start := i
		for i < len(layout) && layout[i] >= '0' && layout[i] <= '9' {
			i++
		}
		count := 1
		if i > start {
			n, err := strconv.Atoi(layout[start:i])
			if err != nil {
				return RowFormat{}, fmt.Errorf("%w: %v", ErrBadFormat, err)
			}
			count = n
		}
		if i >= len(layout) {
			return RowFormat{}, fmt.Errorf("%w: dangling count in %q", ErrBadFormat, layout)
		}
		c := layout[i]
		i++

		switch c {
		case 's':
			fields = append(fields, Field{Kind: Bytes, Size: count})
			continue
		case 'x':
			fields = append(fields, Field{Kind: Pad, Size: count})
			continue
		}

		kind, ok := letterKind(c)
		if !ok {
			return RowFormat{}, fmt.Errorf("%w: unknown letter %q", ErrBadFormat, c)
		}
		for n := 0; n < count; n++ {
			fields = append(fields, Field{Kind: kind})
		}
	}
	return NewRowFormat(order, fields...), nil
}

// MustParseRowFormat is ParseRowFormat for package level layouts.
func MustParseRowFormat(layout string) RowFormat {
	f, err := ParseRowFormat(layout)
	if err != nil {
		panic(err)
	}
	return f
}

func letterKind(c byte) (Kind, bool) {
	switch c {
	case 'B':
		return Uint8, true
	case 'H':
		return Uint16, true
	case 'I', 'L':
		return Uint32, true
	case 'Q':
		return Uint64, true
	case 'b':
		return Int8, true
	case 'h':
		return Int16, true
	case 'i', 'l':
		return Int32, true
	case 'q':
		return Int64, true
	}
	return 0, false
}

// Size is the width of one row in bytes.
func (f RowFormat) Size() int {
	return f.size
}

// Arity is the number of values a decoded row holds.
func (f RowFormat) Arity() int {
	n := 0
	for _, field := range f.fields {
		if field.Kind != Pad {
			n++
		}
	}
	return n
}

// DecodeRow unpacks one row from the front of data.
func (f RowFormat) DecodeRow(data []byte) (Row, error) {
	if len(data) < f.size {
		return nil, fmt.Errorf("%w: row needs %d bytes, got %d", ErrShortBuffer, f.size, len(data))
	}
	row := make(Row, 0, len(f.fields))
	offset := 0
	for _, field := range f.fields {
		w := field.width()
		b := data[offset : offset+w]
		offset += w
		switch field.Kind {
		case Pad:
			continue
		case Bytes:
			v := make([]byte, w)
			copy(v, b)
			row = append(row, v)
		case Uint8:
			row = append(row, b[0])
		case Uint16:
			row = append(row, f.order.Uint16(b))
		case Uint32:
			row = append(row, f.order.Uint32(b))
		case Uint64:
			row = append(row, f.order.Uint64(b))
		case Int8:
			row = append(row, int8(b[0]))
		case Int16:
			row = append(row, int16(f.order.Uint16(b)))
		case Int32:
			row = append(row, int32(f.order.Uint32(b)))
		case Int64:
			row = append(row, int64(f.order.Uint64(b)))
		}
	}
	return row, nil
}

// UnpackTable decodes consecutive rows from data starting at start.
//
// The row count is floor((len(data)-start) / format.Size()). Trailing bytes that
// do not fill a whole row are ignored, matching what servers send in practice.
func UnpackTable(format RowFormat, data []byte, start int) ([]Row, error) {
	if format.size == 0 {
		return nil, ErrEmptyRow
	}
	if start < 0 || start > len(data) {
		return nil, fmt.Errorf("%w: start %d, length %d", ErrBadOffset, start, len(data))
	}

	nrows := (len(data) - start) / format.size
	rows := make([]Row, 0, nrows)
	for i := 0; i < nrows; i++ {
		offset := start + i*format.size
		row, err := format.DecodeRow(data[offset:])
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}
