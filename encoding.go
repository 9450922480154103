package emq

import (
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// Encoding errors.
var (
	ErrMalformedFrame  = errors.New("emq: malformed frame")
	ErrUnexpectedValue = errors.New("emq: unexpected value type")
)

// ValueType is the tag preceding every value in a frame body.
type ValueType byte

// Value tags.
const (
	ValueUint   ValueType = 0x01
	ValueString ValueType = 0x02
	ValueBinary ValueType = 0x03
	ValueList   ValueType = 0x04
	ValueFloat  ValueType = 0x05
)

// String returns the string representation of the value type.
func (t ValueType) String() string {
	switch t {
	case ValueUint:
		return "uint"
	case ValueString:
		return "string"
	case ValueBinary:
		return "binary"
	case ValueList:
		return "list"
	case ValueFloat:
		return "float"
	default:
		return "unknown"
	}
}

// Encoder appends tagged values to a frame body.
// The zero value is ready to use.
type Encoder struct {
	buf []byte
}

// NewEncoder creates an encoder with the given initial capacity.
func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

// Bytes returns the encoded body.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len returns the number of encoded bytes.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// Reset discards the encoded data, keeping the buffer.
func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
}

// Uint appends an unsigned integer.
func (e *Encoder) Uint(v uint64) *Encoder {
	e.buf = append(e.buf, byte(ValueUint))
	e.buf = binary.AppendUvarint(e.buf, v)
	return e
}

// Bool appends a boolean as an unsigned integer (0 or 1).
func (e *Encoder) Bool(v bool) *Encoder {
	if v {
		return e.Uint(1)
	}
	return e.Uint(0)
}

// Text appends a length-prefixed string.
func (e *Encoder) Text(s string) *Encoder {
	e.buf = append(e.buf, byte(ValueString))
	e.buf = binary.AppendUvarint(e.buf, uint64(len(s)))
	e.buf = append(e.buf, s...)
	return e
}

// Binary appends a blob with an explicit 32-bit length.
// Blobs may contain zero bytes.
func (e *Encoder) Binary(data []byte) *Encoder {
	e.buf = append(e.buf, byte(ValueBinary))
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(len(data)))
	e.buf = append(e.buf, data...)
	return e
}

// Float appends a 64-bit float.
func (e *Encoder) Float(v float64) *Encoder {
	e.buf = append(e.buf, byte(ValueFloat))
	e.buf = binary.BigEndian.AppendUint64(e.buf, math.Float64bits(v))
	return e
}

// List appends a list header announcing n elements.
// The caller must append exactly n values afterwards.
func (e *Encoder) List(n int) *Encoder {
	e.buf = append(e.buf, byte(ValueList))
	e.buf = binary.AppendUvarint(e.buf, uint64(n))
	return e
}

// Time appends an absolute time as unix milliseconds. The zero time encodes as 0.
func (e *Encoder) Time(t time.Time) *Encoder {
	if t.IsZero() {
		return e.Uint(0)
	}
	return e.Uint(uint64(t.UnixMilli()))
}

// Decoder reads tagged values from a frame body in order.
type Decoder struct {
	data []byte
	pos  int
}

// NewDecoder creates a decoder over the given body.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.data) - d.pos
}

// More reports whether unread values remain.
func (d *Decoder) More() bool {
	return d.pos < len(d.data)
}

// Peek returns the tag of the next value without consuming it.
func (d *Decoder) Peek() (ValueType, error) {
	if d.pos >= len(d.data) {
		return 0, ErrMalformedFrame
	}
	return ValueType(d.data[d.pos]), nil
}

func (d *Decoder) expect(t ValueType) error {
	got, err := d.Peek()
	if err != nil {
		return err
	}
	if got != t {
		return ErrUnexpectedValue
	}
	d.pos++
	return nil
}

func (d *Decoder) uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.data[d.pos:])
	if n <= 0 {
		return 0, ErrMalformedFrame
	}
	d.pos += n
	return v, nil
}

// take returns the next n bytes without copying.
func (d *Decoder) take(n uint64) ([]byte, error) {
	if n > uint64(d.Remaining()) {
		return nil, ErrMalformedFrame
	}
	b := d.data[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}

// Uint reads an unsigned integer.
func (d *Decoder) Uint() (uint64, error) {
	if err := d.expect(ValueUint); err != nil {
		return 0, err
	}
	return d.uvarint()
}

// Uint32 reads an unsigned integer that must fit in 32 bits.
func (d *Decoder) Uint32() (uint32, error) {
	v, err := d.Uint()
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint32 {
		return 0, ErrMalformedFrame
	}
	return uint32(v), nil
}

// Bool reads a boolean encoded as an unsigned integer.
func (d *Decoder) Bool() (bool, error) {
	v, err := d.Uint()
	return v != 0, err
}

// Text reads a length-prefixed string.
func (d *Decoder) Text() (string, error) {
	if err := d.expect(ValueString); err != nil {
		return "", err
	}
	n, err := d.uvarint()
	if err != nil {
		return "", err
	}
	b, err := d.take(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Binary reads a blob. The returned slice is a copy.
func (d *Decoder) Binary() ([]byte, error) {
	if err := d.expect(ValueBinary); err != nil {
		return nil, err
	}
	lenBuf, err := d.take(4)
	if err != nil {
		return nil, err
	}
	b, err := d.take(uint64(binary.BigEndian.Uint32(lenBuf)))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// Float reads a 64-bit float.
func (d *Decoder) Float() (float64, error) {
	if err := d.expect(ValueFloat); err != nil {
		return 0, err
	}
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

// List reads a list header and returns the element count.
// A count larger than the remaining bytes can possibly hold is malformed.
func (d *Decoder) List() (int, error) {
	if err := d.expect(ValueList); err != nil {
		return 0, err
	}
	n, err := d.uvarint()
	if err != nil {
		return 0, err
	}
	// every element takes at least two bytes (tag + payload)
	if n > uint64(d.Remaining()/2) {
		return 0, ErrMalformedFrame
	}
	return int(n), nil
}

// Time reads unix milliseconds written by Encoder.Time.
func (d *Decoder) Time() (time.Time, error) {
	v, err := d.Uint()
	if err != nil || v == 0 {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(v)), nil
}

// Skip consumes the next value, whatever its type.
func (d *Decoder) Skip() error {
	t, err := d.Peek()
	if err != nil {
		return err
	}
	switch t {
	case ValueUint:
		_, err = d.Uint()
	case ValueString:
		_, err = d.Text()
	case ValueBinary:
		_, err = d.Binary()
	case ValueFloat:
		_, err = d.Float()
	case ValueList:
		var n int
		n, err = d.List()
		for i := 0; err == nil && i < n; i++ {
			err = d.Skip()
		}
	default:
		err = ErrMalformedFrame
	}
	return err
}
