package chat

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
)

// ErrNotPlainData is returned when a message carries a value that cannot be materialized as plain
// data, such as a function or a channel.
var ErrNotPlainData = errors.New("chat: value is not plain data")

// purifyMessage returns a deep copy of m holding only plain data. Free-form values (metadata, tool
// input and output, data parts) are rebuilt from maps with string keys, slices, scalars and the
// exported fields of structs; entries under non-string keys are dropped. Shared and cyclic
// references are preserved in the copy rather than followed forever.
func purifyMessage(m UIMessage) (UIMessage, error) {
	cp, ok := clone.Slowly(m).(UIMessage)
	if !ok {
		return UIMessage{}, errors.New("purifyMessage: clone returned unexpected type")
	}

	p := newPurifier()

	var err error
	if cp.Metadata, err = p.stringMap(cp.Metadata, "metadata"); err != nil {
		return UIMessage{}, errors.Wrapf(err, "purifyMessage %s", m.ID)
	}

	for i := range cp.Parts {
		if err := p.part(&cp.Parts[i], i); err != nil {
			return UIMessage{}, errors.Wrapf(err, "purifyMessage %s", m.ID)
		}
	}

	return cp, nil
}

// cloneMessage deep-copies a message that is already known to be plain.
func cloneMessage(m UIMessage) UIMessage {
	cp, ok := clone.Slowly(m).(UIMessage)
	if !ok {
		panic("cloneMessage: clone returned unexpected type")
	}
	return cp
}

type visitKey struct {
	ptr  uintptr
	kind reflect.Kind
	n    int
}

type purifier struct {
	seen map[visitKey]any
}

func newPurifier() *purifier {
	return &purifier{seen: make(map[visitKey]any)}
}

func (p *purifier) part(part *Part, idx int) error {
	path := func(field string) string {
		return "parts[" + strconv.Itoa(idx) + "]." + field
	}

	var err error
	switch {
	case part.Text != nil:
		part.Text.ProviderMetadata, err = p.stringMap(part.Text.ProviderMetadata, path("providerMetadata"))
	case part.Reasoning != nil:
		part.Reasoning.ProviderMetadata, err = p.stringMap(part.Reasoning.ProviderMetadata, path("providerMetadata"))
	case part.Tool != nil:
		if part.Tool.Input, err = p.value(part.Tool.Input, path("input")); err != nil {
			return err
		}
		part.Tool.Output, err = p.value(part.Tool.Output, path("output"))
	case part.Source != nil:
		part.Source.ProviderMetadata, err = p.stringMap(part.Source.ProviderMetadata, path("providerMetadata"))
	case part.Data != nil:
		part.Data.Data, err = p.value(part.Data.Data, path("data"))
	}
	return err
}

func (p *purifier) stringMap(m map[string]any, path string) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	v, err := p.reflectValue(reflect.ValueOf(m), path)
	if err != nil {
		return nil, err
	}
	out, _ := v.(map[string]any)
	return out, nil
}

func (p *purifier) value(v any, path string) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string, bool, float64, float32, int, int64, int32, uint, uint64, uint32, json.Number, time.Time:
		return x, nil
	}
	return p.reflectValue(reflect.ValueOf(v), path)
}

func (p *purifier) reflectValue(rv reflect.Value, path string) (any, error) {
	switch rv.Kind() {
	case reflect.Invalid:
		return nil, nil
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return rv.Interface(), nil
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return nil, errors.Wrapf(ErrNotPlainData, "%s at %s", rv.Kind(), path)
	case reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return p.reflectValue(rv.Elem(), path)
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		if rv.Elem().Kind() == reflect.Struct {
			return p.structValue(rv.Elem(), visitKey{ptr: rv.Pointer(), kind: reflect.Pointer}, path)
		}
		return p.reflectValue(rv.Elem(), path)
	case reflect.Struct:
		return p.structValue(rv, visitKey{}, path)
	case reflect.Map:
		return p.mapValue(rv, path)
	case reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return append([]byte(nil), rv.Bytes()...), nil
		}
		key := visitKey{ptr: rv.Pointer(), kind: reflect.Slice, n: rv.Len()}
		if cached, ok := p.seen[key]; ok {
			return cached, nil
		}
		out := make([]any, rv.Len())
		p.seen[key] = out
		return out, p.fillSlice(out, rv, path)
	case reflect.Array:
		out := make([]any, rv.Len())
		return out, p.fillSlice(out, rv, path)
	}

	return nil, errors.Wrapf(ErrNotPlainData, "%s at %s", rv.Kind(), path)
}

func (p *purifier) fillSlice(out []any, rv reflect.Value, path string) error {
	for i := range out {
		v, err := p.reflectValue(rv.Index(i), path+"["+strconv.Itoa(i)+"]")
		if err != nil {
			return err
		}
		out[i] = v
	}
	return nil
}

func (p *purifier) mapValue(rv reflect.Value, path string) (any, error) {
	if rv.IsNil() {
		return nil, nil
	}

	key := visitKey{ptr: rv.Pointer(), kind: reflect.Map}
	if cached, ok := p.seen[key]; ok {
		return cached, nil
	}

	out := make(map[string]any, rv.Len())
	p.seen[key] = out

	iter := rv.MapRange()
	for iter.Next() {
		k := iter.Key()
		if k.Kind() == reflect.Interface {
			k = k.Elem()
		}
		// only string keys are part of the plain data
		if k.Kind() != reflect.String {
			continue
		}

		v, err := p.reflectValue(iter.Value(), path+"."+k.String())
		if err != nil {
			return nil, err
		}
		out[k.String()] = v
	}

	return out, nil
}

func (p *purifier) structValue(rv reflect.Value, key visitKey, path string) (any, error) {
	if t, ok := rv.Interface().(time.Time); ok {
		return t, nil
	}

	if key.ptr != 0 {
		if cached, ok := p.seen[key]; ok {
			return cached, nil
		}
	}

	rt := rv.Type()
	out := make(map[string]any, rt.NumField())
	if key.ptr != 0 {
		p.seen[key] = out
	}

	for i := range rt.NumField() {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}

		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}

		v, err := p.reflectValue(rv.Field(i), path+"."+name)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}

	return out, nil
}

