// Package sanitize redacts sensitive fields from audit snapshots before they
// are persisted.
//
// Value walks maps, slices, arrays, pointers, interfaces and structs and
// returns a plain JSON-shaped tree (map[string]any, []any and scalars) in
// which every value stored under a sensitive key is replaced by Redacted.
// A container that is reached again while it is still being walked is
// replaced by Circular. The output of Value is a fixed point: sanitizing it
// again returns an equal tree.
package sanitize

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"golang.org/x/text/cases"
)

const (
	// Redacted replaces the value of a sensitive key.
	Redacted = "[REDACTED]"
	// Circular replaces a container that refers back to one of its ancestors.
	Circular = "[Circular]"
)

// SensitiveTokens lists the key fragments treated as sensitive. Matching is
// case-insensitive and by substring, so "userPassword" and "X-API-KEY" match.
var SensitiveTokens = []string{
	"password",
	"secret",
	"token",
	"key",
	"apiKey",
	"authorization",
	"ssn",
	"creditCard",
	"bankAccount",
	"personalId",
	"privateKey",
}

var foldedTokens = func() []string {
	fold := cases.Fold()
	out := make([]string, len(SensitiveTokens))
	for i, t := range SensitiveTokens {
		out[i] = fold.String(t)
	}
	return out
}()

// IsSensitiveKey reports whether key contains one of SensitiveTokens.
func IsSensitiveKey(key string) bool {
	folded := cases.Fold().String(key)
	for _, t := range foldedTokens {
		if strings.Contains(folded, t) {
			return true
		}
	}
	return false
}

// Value returns a redacted, cycle-free copy of v.
func Value(v any) any {
	w := &walker{active: make(map[identity]bool)}
	return w.walk(reflect.ValueOf(v))
}

type identity struct {
	ptr uintptr
	typ reflect.Type
}

type walker struct {
	active map[identity]bool
}

var (
	marshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	rawType       = reflect.TypeOf(json.RawMessage(nil))
)

func (w *walker) enter(rv reflect.Value) (identity, bool) {
	id := identity{ptr: rv.Pointer(), typ: rv.Type()}
	if w.active[id] {
		return id, false
	}
	w.active[id] = true
	return id, true
}

func (w *walker) walk(rv reflect.Value) any {
	if !rv.IsValid() || !rv.CanInterface() {
		return nil
	}

	if rv.Type() == rawType {
		var decoded any
		if err := json.Unmarshal(rv.Bytes(), &decoded); err != nil {
			return string(rv.Bytes())
		}
		return w.walk(reflect.ValueOf(decoded))
	}

	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return w.walk(rv.Elem())

	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		if rv.Type().Implements(marshalerType) && !rv.Elem().Type().Implements(marshalerType) {
			return rv.Interface()
		}
		id, ok := w.enter(rv)
		if !ok {
			return Circular
		}
		defer delete(w.active, id)
		return w.walk(rv.Elem())

	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		id, ok := w.enter(rv)
		if !ok {
			return Circular
		}
		defer delete(w.active, id)

		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := mapKey(iter.Key())
			if IsSensitiveKey(key) {
				out[key] = Redacted
				continue
			}
			out[key] = w.walk(iter.Value())
		}
		return out

	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv.Interface()
		}
		id, ok := w.enter(rv)
		if !ok {
			return Circular
		}
		defer delete(w.active, id)
		return w.list(rv)

	case reflect.Array:
		return w.list(rv)

	case reflect.Struct:
		if rv.Type().Implements(marshalerType) {
			return rv.Interface()
		}
		out := make(map[string]any)
		w.fields(rv, out)
		return out

	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return nil

	default:
		return rv.Interface()
	}
}

func (w *walker) list(rv reflect.Value) []any {
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = w.walk(rv.Index(i))
	}
	return out
}

// fields copies the exported fields of a struct using their JSON names.
// Untagged embedded structs are flattened the way encoding/json does.
func (w *walker) fields(rv reflect.Value, out map[string]any) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")

		if !f.IsExported() {
			continue
		}
		fv := rv.Field(i)
		if f.Anonymous && name == "" {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				if fv.IsNil() {
					continue
				}
				fv = fv.Elem()
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				w.fields(fv, out)
				continue
			}
		}
		if name == "" {
			name = f.Name
		}
		if IsSensitiveKey(name) {
			out[name] = Redacted
			continue
		}
		out[name] = w.walk(fv)
	}
}

func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	return fmt.Sprint(k.Interface())
}
