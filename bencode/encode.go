package bencode

import (
	"bufio"
	"bytes"
	"io"
	"reflect"
	"runtime"
	"sort"
	"strconv"
	"sync"
)

// Encoder writes the bencoded form of Go values — metainfo envelopes,
// tracker announce query components, RawMessage-wrapped info dicts — to an
// output stream.
type Encoder struct {
	w   *bufio.Writer
	num [32]byte
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Marshal returns the bencoding of v.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode writes the bencoding of v, recovering any panic raised during
// reflection into a returned error.
func (e *Encoder) Encode(v interface{}) (err error) {
	if v == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(runtime.Error); ok {
				panic(r)
			}
			var ok bool
			err, ok = r.(error)
			if !ok {
				panic(r)
			}
		}
	}()
	e.encodeValue(reflect.ValueOf(v))
	return e.w.Flush()
}

func isZeroish(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	case reflect.Interface, reflect.Ptr:
		return v.IsNil()
	}
	return false
}

type byStringValue []reflect.Value

func (sv byStringValue) Len() int           { return len(sv) }
func (sv byStringValue) Swap(i, j int)      { sv[i], sv[j] = sv[j], sv[i] }
func (sv byStringValue) Less(i, j int) bool { return sv[i].String() < sv[j].String() }

func (e *Encoder) write(b []byte) {
	if _, err := e.w.Write(b); err != nil {
		panic(err)
	}
}

func (e *Encoder) writeString(s string) {
	if _, err := e.w.WriteString(s); err != nil {
		panic(err)
	}
}

func (e *Encoder) encodeString(s string) {
	e.write(strconv.AppendInt(e.num[:0], int64(len(s)), 10))
	e.writeString(":")
	e.writeString(s)
}

func (e *Encoder) encodeBytes(b []byte) {
	e.write(strconv.AppendInt(e.num[:0], int64(len(b)), 10))
	e.writeString(":")
	e.write(b)
}

// applyMarshaler encodes v via its Marshaler implementation, if it has one
// (RawMessage uses this to re-emit a captured info dict byte for byte).
func (e *Encoder) applyMarshaler(v reflect.Value) bool {
	m, ok := v.Interface().(Marshaler)
	if !ok && v.Kind() != reflect.Ptr && v.CanAddr() {
		m, ok = v.Addr().Interface().(Marshaler)
		if ok {
			v = v.Addr()
		}
	}
	if !ok || (v.Kind() == reflect.Ptr && v.IsNil()) {
		return false
	}
	data, err := m.MarshalBencode()
	if err != nil {
		panic(&MarshalerError{v.Type(), err})
	}
	e.write(data)
	return true
}

func (e *Encoder) encodeValue(v reflect.Value) {
	if e.applyMarshaler(v) {
		return
	}

	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			e.writeString("i1e")
		} else {
			e.writeString("i0e")
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.writeString("i")
		e.write(strconv.AppendInt(e.num[:0], v.Int(), 10))
		e.writeString("e")
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		e.writeString("i")
		e.write(strconv.AppendUint(e.num[:0], v.Uint(), 10))
		e.writeString("e")
	case reflect.String:
		e.encodeString(v.String())
	case reflect.Struct:
		e.writeString("d")
		for _, f := range structFields(v.Type()) {
			fv := v.Field(f.index)
			if f.omitEmpty && isZeroish(fv) {
				continue
			}
			e.encodeString(f.tag)
			e.encodeValue(fv)
		}
		e.writeString("e")
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			panic(&MarshalTypeError{v.Type()})
		}
		if v.IsNil() {
			e.writeString("de")
			break
		}
		e.writeString("d")
		keys := byStringValue(v.MapKeys())
		sort.Sort(keys)
		for _, k := range keys {
			e.encodeString(k.String())
			e.encodeValue(v.MapIndex(k))
		}
		e.writeString("e")
	case reflect.Slice:
		if v.IsNil() {
			e.writeString("le")
			break
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			e.encodeBytes(v.Bytes())
			break
		}
		e.writeString("l")
		for i, n := 0, v.Len(); i < n; i++ {
			e.encodeValue(v.Index(i))
		}
		e.writeString("e")
	case reflect.Interface:
		e.encodeValue(v.Elem())
	case reflect.Ptr:
		if v.IsNil() {
			v = reflect.Zero(v.Type().Elem())
		} else {
			v = v.Elem()
		}
		e.encodeValue(v)
	default:
		panic(&MarshalTypeError{v.Type()})
	}
}

type structField struct {
	index     int
	tag       string
	omitEmpty bool
}

var fieldCache sync.Map // reflect.Type -> []structField

// structFields returns t's bencode-tagged fields in ascending key order,
// which is what the bencoding spec requires of dict keys on emission.
func structFields(t reflect.Type) []structField {
	if cached, ok := fieldCache.Load(t); ok {
		return cached.([]structField)
	}

	var fs []structField
	for i, n := 0, t.NumField(); i < n; i++ {
		f := t.Field(i)
		if f.PkgPath != "" || f.Anonymous {
			continue
		}
		sf := structField{index: i, tag: f.Name}
		if tv := f.Tag.Get("bencode"); tv != "" {
			if tv == "-" {
				continue
			}
			name, opts := parseTag(tv)
			if name != "" {
				sf.tag = name
			}
			sf.omitEmpty = opts.contains("omitempty")
		}
		fs = append(fs, sf)
	}
	sort.Slice(fs, func(i, j int) bool { return fs[i].tag < fs[j].tag })

	cached, _ := fieldCache.LoadOrStore(t, fs)
	return cached.([]structField)
}
