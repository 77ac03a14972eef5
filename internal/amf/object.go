package amf

// Property is a single key/value pair of an Object
type Property struct {
	Key   string
	Value any
}

// Object is an ordered AMF0 object. Keys are unique and keep their
// insertion order so that re-encoding a decoded object is deterministic.
type Object struct {
	props []Property
}

// ECMAArray is an associative array. It is encoded like an Object with a
// leading element count.
type ECMAArray struct {
	Object
}

// Undefined is the AMF0 undefined value
type Undefined struct{}

// NewObject creates an object from alternating key/value arguments
func NewObject(kv ...any) *Object {
	o := &Object{}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		o.Set(key, kv[i+1])
	}
	return o
}

// Get returns the value stored under key
func (o *Object) Get(key string) (any, bool) {
	for _, p := range o.props {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

// GetString returns the value under key if it is a string
func (o *Object) GetString(key string) (string, bool) {
	v, ok := o.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetNumber returns the value under key if it is a number
func (o *Object) GetNumber(key string) (float64, bool) {
	v, ok := o.Get(key)
	if !ok {
		return 0, false
	}
	n, ok := v.(float64)
	return n, ok
}

// Set replaces the value of an existing key in place or appends a new one
func (o *Object) Set(key string, value any) *Object {
	for i := range o.props {
		if o.props[i].Key == key {
			o.props[i].Value = value
			return o
		}
	}
	o.props = append(o.props, Property{Key: key, Value: value})
	return o
}

// Delete removes key, keeping the order of the remaining properties
func (o *Object) Delete(key string) {
	for i := range o.props {
		if o.props[i].Key == key {
			o.props = append(o.props[:i], o.props[i+1:]...)
			return
		}
	}
}

// Keys returns the keys in order
func (o *Object) Keys() []string {
	keys := make([]string, len(o.props))
	for i, p := range o.props {
		keys[i] = p.Key
	}
	return keys
}

// Properties returns a copy of the ordered properties
func (o *Object) Properties() []Property {
	out := make([]Property, len(o.props))
	copy(out, o.props)
	return out
}

// Len returns the number of properties
func (o *Object) Len() int {
	return len(o.props)
}

// Clone returns a shallow copy of the object
func (o *Object) Clone() *Object {
	return &Object{props: o.Properties()}
}

// Map flattens the object into a plain map, recursively converting nested
// objects. Used where ordering no longer matters (JSON output).
func (o *Object) Map() map[string]any {
	m := make(map[string]any, len(o.props))
	for _, p := range o.props {
		m[p.Key] = plain(p.Value)
	}
	return m
}

func plain(v any) any {
	switch t := v.(type) {
	case *Object:
		return t.Map()
	case *ECMAArray:
		return t.Map()
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = plain(t[i])
		}
		return out
	case Undefined:
		return nil
	default:
		return v
	}
}

// AsObject returns the ordered property set behind an Object or ECMAArray value
func AsObject(v any) (*Object, bool) {
	switch t := v.(type) {
	case *Object:
		return t, t != nil
	case *ECMAArray:
		if t == nil {
			return nil, false
		}
		return &t.Object, true
	}
	return nil, false
}
