package mutation

import (
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
)

// ErrUnsanitizable marks payloads that cannot be written at all, such as
// cyclic structures or functions. It indicates a caller bug.
var ErrUnsanitizable = errors.New("payload cannot be made store-safe")

// Clean returns a deep copy of fields with every nil value removed at every
// level, including nil elements of arrays. Structs become records keyed by
// their json names. The input is not modified.
func Clean(fields map[string]any) (map[string]any, error) {
	if fields == nil {
		return map[string]any{}, nil
	}
	out, _, err := clean(reflect.ValueOf(fields), map[uintptr]struct{}{}, "")
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// CleanValue cleans a single value. ok is false when the value itself is nil.
func CleanValue(value any) (any, bool, error) {
	return clean(reflect.ValueOf(value), map[uintptr]struct{}{}, "")
}

var (
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
)

// opaque values encode themselves and are copied as they are.
func opaque(t reflect.Type) bool {
	return t.Implements(textMarshalerType) || t.Implements(jsonMarshalerType)
}

func clean(v reflect.Value, visiting map[uintptr]struct{}, at string) (any, bool, error) {
	if !v.IsValid() {
		return nil, false, nil
	}
	if k := v.Kind(); k != reflect.Interface && opaque(v.Type()) {
		if (k == reflect.Pointer || k == reflect.Map || k == reflect.Slice) && v.IsNil() {
			return nil, false, nil
		}
		return v.Interface(), true, nil
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil, false, nil
		}
		return clean(v.Elem(), visiting, at)

	case reflect.Pointer:
		if v.IsNil() {
			return nil, false, nil
		}
		leave, err := enter(visiting, v.Pointer(), at)
		if err != nil {
			return nil, false, err
		}
		defer leave()
		return clean(v.Elem(), visiting, at)

	case reflect.Map:
		if v.IsNil() {
			return nil, false, nil
		}
		if v.Type().Key().Kind() != reflect.String {
			return nil, false, fmt.Errorf("%w: %s has non-string keys", ErrUnsanitizable, describe(at))
		}
		leave, err := enter(visiting, v.Pointer(), at)
		if err != nil {
			return nil, false, err
		}
		defer leave()

		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			key := iter.Key().String()
			child, ok, err := clean(iter.Value(), visiting, join(at, key))
			if err != nil {
				return nil, false, err
			}
			if ok {
				out[key] = child
			}
		}
		return out, true, nil

	case reflect.Slice:
		if v.IsNil() {
			return nil, false, nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return append([]byte(nil), v.Bytes()...), true, nil
		}
		if v.Len() > 0 {
			leave, err := enter(visiting, v.Pointer(), at)
			if err != nil {
				return nil, false, err
			}
			defer leave()
		}
		return cleanList(v, visiting, at)

	case reflect.Array:
		return cleanList(v, visiting, at)

	case reflect.Struct:
		return cleanStruct(v, visiting, at)

	case reflect.Float32, reflect.Float64:
		if f := v.Float(); math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false, fmt.Errorf("%w: %s is not a finite number", ErrUnsanitizable, describe(at))
		}
		return v.Interface(), true, nil

	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return nil, false, fmt.Errorf("%w: %s has unsupported kind %s", ErrUnsanitizable, describe(at), v.Kind())

	default:
		return v.Interface(), true, nil
	}
}

func cleanList(v reflect.Value, visiting map[uintptr]struct{}, at string) (any, bool, error) {
	out := make([]any, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		child, ok, err := clean(v.Index(i), visiting, fmt.Sprintf("%s[%d]", at, i))
		if err != nil {
			return nil, false, err
		}
		if ok {
			out = append(out, child)
		}
	}
	return out, true, nil
}

func cleanStruct(v reflect.Value, visiting map[uintptr]struct{}, at string) (any, bool, error) {
	t := v.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Name
		if tag, ok := field.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		child, ok, err := clean(v.Field(i), visiting, join(at, name))
		if err != nil {
			return nil, false, err
		}
		if ok {
			out[name] = child
		}
	}
	return out, true, nil
}

// enter marks a reference as being on the current path. Shared references
// reached along different paths are fine; only a revisit on the same path is
// a cycle.
func enter(visiting map[uintptr]struct{}, ptr uintptr, at string) (func(), error) {
	if _, seen := visiting[ptr]; seen {
		return nil, fmt.Errorf("%w: cycle at %s", ErrUnsanitizable, describe(at))
	}
	visiting[ptr] = struct{}{}
	return func() { delete(visiting, ptr) }, nil
}

func join(at, key string) string {
	if at == "" {
		return key
	}
	return at + "." + key
}

func describe(at string) string {
	if at == "" {
		return "payload"
	}
	return at
}
