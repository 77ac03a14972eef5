// Package amf implements the AMF0 value encoding used by RTMP command and
// data messages.
package amf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// AMF0 type markers
const (
	MarkerNumber      byte = 0x00
	MarkerBoolean     byte = 0x01
	MarkerString      byte = 0x02
	MarkerObject      byte = 0x03
	MarkerMovieClip   byte = 0x04
	MarkerNull        byte = 0x05
	MarkerUndefined   byte = 0x06
	MarkerReference   byte = 0x07
	MarkerECMAArray   byte = 0x08
	MarkerObjectEnd   byte = 0x09
	MarkerStrictArray byte = 0x0A
	MarkerDate        byte = 0x0B
	MarkerLongString  byte = 0x0C
	MarkerUnsupported byte = 0x0D
	MarkerXMLDocument byte = 0x0F
	MarkerTypedObject byte = 0x10
	MarkerAVMPlus     byte = 0x11
)

var (
	ErrShortBuffer     = errors.New("amf: short buffer")
	ErrUnsupportedType = errors.New("amf: unsupported type")
)

var objectEnd = []byte{0x00, 0x00, MarkerObjectEnd}

// Encode encodes values in order
func Encode(values ...any) ([]byte, error) {
	var buf bytes.Buffer
	for _, v := range values {
		if err := EncodeValue(&buf, v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// EncodeValue writes a single value with its type marker
func EncodeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteByte(MarkerNull)
	case Undefined:
		buf.WriteByte(MarkerUndefined)
	case float64:
		writeNumber(buf, t)
	case float32:
		writeNumber(buf, float64(t))
	case int:
		writeNumber(buf, float64(t))
	case int8:
		writeNumber(buf, float64(t))
	case int16:
		writeNumber(buf, float64(t))
	case int32:
		writeNumber(buf, float64(t))
	case int64:
		writeNumber(buf, float64(t))
	case uint:
		writeNumber(buf, float64(t))
	case uint8:
		writeNumber(buf, float64(t))
	case uint16:
		writeNumber(buf, float64(t))
	case uint32:
		writeNumber(buf, float64(t))
	case uint64:
		writeNumber(buf, float64(t))
	case bool:
		buf.WriteByte(MarkerBoolean)
		if t {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case string:
		if len(t) > math.MaxUint16 {
			buf.WriteByte(MarkerLongString)
			writeUint32(buf, uint32(len(t)))
			buf.WriteString(t)
		} else {
			buf.WriteByte(MarkerString)
			writeUTF8(buf, t)
		}
	case *Object:
		if t == nil {
			buf.WriteByte(MarkerNull)
			return nil
		}
		buf.WriteByte(MarkerObject)
		return writeProperties(buf, t)
	case *ECMAArray:
		if t == nil {
			buf.WriteByte(MarkerNull)
			return nil
		}
		buf.WriteByte(MarkerECMAArray)
		writeUint32(buf, uint32(t.Len()))
		return writeProperties(buf, &t.Object)
	case []any:
		buf.WriteByte(MarkerStrictArray)
		writeUint32(buf, uint32(len(t)))
		for _, item := range t {
			if err := EncodeValue(buf, item); err != nil {
				return err
			}
		}
	case time.Time:
		buf.WriteByte(MarkerDate)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(float64(t.UnixMilli())))
		buf.Write(b[:])
		buf.Write([]byte{0x00, 0x00})
	default:
		return fmt.Errorf("%w: cannot encode %T", ErrUnsupportedType, v)
	}
	return nil
}

func writeNumber(buf *bytes.Buffer, f float64) {
	buf.WriteByte(MarkerNumber)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(f))
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, n uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	buf.Write(b[:])
}

func writeUTF8(buf *bytes.Buffer, s string) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(len(s)))
	buf.Write(b[:])
	buf.WriteString(s)
}

func writeProperties(buf *bytes.Buffer, o *Object) error {
	for _, p := range o.props {
		writeUTF8(buf, p.Key)
		if err := EncodeValue(buf, p.Value); err != nil {
			return fmt.Errorf("property %q: %w", p.Key, err)
		}
	}
	buf.Write(objectEnd)
	return nil
}

// DecodeAll decodes values until data is exhausted
func DecodeAll(data []byte) ([]any, error) {
	d := &decoder{data: data}
	var out []any
	for d.off < len(d.data) {
		v, err := d.value()
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Decode decodes a single value and returns the number of bytes consumed
func Decode(data []byte) (any, int, error) {
	d := &decoder{data: data}
	v, err := d.value()
	return v, d.off, err
}

// MaxDepth bounds nesting of objects and arrays
const MaxDepth = 64

type decoder struct {
	data  []byte
	off   int
	depth int
}

func (d *decoder) enter() error {
	d.depth++
	if d.depth > MaxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrUnsupportedType, MaxDepth)
	}
	return nil
}

func (d *decoder) leave() {
	d.depth--
}

func (d *decoder) next(n int) ([]byte, error) {
	if n < 0 || d.off+n > len(d.data) {
		return nil, ErrShortBuffer
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) u16() (uint16, error) {
	b, err := d.next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) number() (float64, error) {
	b, err := d.next(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

func (d *decoder) utf8() (string, error) {
	n, err := d.u16()
	if err != nil {
		return "", err
	}
	b, err := d.next(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) value() (any, error) {
	m, err := d.next(1)
	if err != nil {
		return nil, err
	}

	switch m[0] {
	case MarkerNumber:
		return d.number()
	case MarkerBoolean:
		b, err := d.next(1)
		if err != nil {
			return nil, err
		}
		return b[0] != 0, nil
	case MarkerString:
		return d.utf8()
	case MarkerLongString:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		b, err := d.next(int(n))
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case MarkerObject:
		return d.object()
	case MarkerNull:
		return nil, nil
	case MarkerUndefined:
		return Undefined{}, nil
	case MarkerECMAArray:
		// the count is advisory, the end marker terminates the array
		if _, err := d.u32(); err != nil {
			return nil, err
		}
		o, err := d.object()
		if err != nil {
			return nil, err
		}
		return &ECMAArray{Object: *o}, nil
	case MarkerStrictArray:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		if int(n) > len(d.data)-d.off {
			return nil, ErrShortBuffer
		}
		if err := d.enter(); err != nil {
			return nil, err
		}
		defer d.leave()
		arr := make([]any, 0, n)
		for i := uint32(0); i < n; i++ {
			v, err := d.value()
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	case MarkerDate:
		ms, err := d.number()
		if err != nil {
			return nil, err
		}
		if _, err := d.next(2); err != nil {
			return nil, err
		}
		return time.UnixMilli(int64(ms)), nil
	default:
		return nil, fmt.Errorf("%w: marker 0x%02x", ErrUnsupportedType, m[0])
	}
}

func (d *decoder) object() (*Object, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer d.leave()

	o := &Object{}
	for {
		key, err := d.utf8()
		if err != nil {
			return nil, err
		}
		if key == "" {
			end, err := d.next(1)
			if err != nil {
				return nil, err
			}
			if end[0] == MarkerObjectEnd {
				return o, nil
			}
			// empty key with a real value
			d.off--
		}
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		o.Set(key, v)
	}
}
