package amf

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	amf0 "github.com/yutopp/go-amf0"
)

func TestOnMetaDataRoundTrip(t *testing.T) {
	meta := NewObject("width", 1920.0, "height", 1080.0)

	data, err := Encode("onMetaData", meta)
	require.NoError(t, err)

	values, err := DecodeAll(data)
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, "onMetaData", values[0])

	obj, ok := values[1].(*Object)
	require.True(t, ok)
	assert.Equal(t, []string{"width", "height"}, obj.Keys())

	w, _ := obj.GetNumber("width")
	h, _ := obj.GetNumber("height")
	assert.Equal(t, 1920.0, w)
	assert.Equal(t, 1080.0, h)

	again, err := Encode(values...)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestNestedValuesRoundTrip(t *testing.T) {
	inner := &ECMAArray{Object: *NewObject("duration", 0.0, "encoder", "obs-output module", "stereo", true)}
	outer := NewObject(
		"meta", inner,
		"list", []any{1.0, "two", nil, Undefined{}},
		"empty", NewObject(),
	)
	when := time.UnixMilli(1700000000123)

	data, err := Encode("@setDataFrame", outer, when, nil)
	require.NoError(t, err)

	values, err := DecodeAll(data)
	require.NoError(t, err)
	require.Len(t, values, 4)

	got := values[1].(*Object)
	assert.Equal(t, []string{"meta", "list", "empty"}, got.Keys())

	meta, ok := got.Get("meta")
	require.True(t, ok)
	arr, ok := meta.(*ECMAArray)
	require.True(t, ok)
	assert.Equal(t, []string{"duration", "encoder", "stereo"}, arr.Keys())

	list, _ := got.Get("list")
	assert.Equal(t, []any{1.0, "two", nil, Undefined{}}, list)

	assert.True(t, when.Equal(values[2].(time.Time)))
	assert.Nil(t, values[3])

	again, err := Encode(values...)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestLongString(t *testing.T) {
	long := string(bytes.Repeat([]byte("a"), 70000))

	data, err := Encode(long)
	require.NoError(t, err)
	assert.Equal(t, MarkerLongString, data[0])

	v, n, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, long, v)
}

func TestDecodeRejectsReferences(t *testing.T) {
	_, err := DecodeAll([]byte{MarkerReference, 0x00, 0x01})
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = DecodeAll([]byte{MarkerAVMPlus, 0x02})
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestDecodeTruncated(t *testing.T) {
	data, err := Encode(NewObject("app", "live"))
	require.NoError(t, err)

	_, err = DecodeAll(data[:len(data)-2])
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestDecodesIndependentEncoder(t *testing.T) {
	var buf bytes.Buffer
	enc := amf0.NewEncoder(&buf)
	require.NoError(t, enc.Encode("connect"))
	require.NoError(t, enc.Encode(float64(1)))
	require.NoError(t, enc.Encode(true))

	values, err := DecodeAll(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []any{"connect", 1.0, true}, values)
}

func TestObjectSetKeepsOrder(t *testing.T) {
	o := NewObject("a", 1.0, "b", 2.0, "c", 3.0)
	o.Set("a", 10.0)
	o.Delete("b")
	o.Set("d", 4.0)

	assert.Equal(t, []string{"a", "c", "d"}, o.Keys())
	v, _ := o.GetNumber("a")
	assert.Equal(t, 10.0, v)

	m := o.Map()
	assert.Equal(t, 3.0, m["c"])
}

func TestDecodeRejectsDeepNesting(t *testing.T) {
	deep := bytes.Repeat([]byte{MarkerObject, 0x00, 0x00}, 100000)
	_, err := DecodeAll(deep)
	assert.ErrorIs(t, err, ErrUnsupportedType)

	arrays := bytes.Repeat([]byte{MarkerStrictArray, 0x00, 0x00, 0x00, 0x01}, MaxDepth+1)
	arrays = append(arrays, MarkerNull)
	_, err = DecodeAll(arrays)
	assert.ErrorIs(t, err, ErrUnsupportedType)

	ok := bytes.Repeat([]byte{MarkerObject, 0x00, 0x01, 'k'}, MaxDepth-1)
	ok = append(ok, MarkerNull)
	for i := 0; i < MaxDepth-1; i++ {
		ok = append(ok, objectEnd...)
	}
	values, err := DecodeAll(ok)
	require.NoError(t, err)
	require.Len(t, values, 1)
}
