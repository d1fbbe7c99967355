// Package specs materializes the free-form spec maps of functions, tasks,
// runs and workflows into typed, validated values.
//
// Every concrete spec embeds Base, which keeps the keys the typed shape does
// not know about. ToMap writes those extras back underneath the typed fields,
// so a spec produced by a newer client survives a round trip through an older
// server unchanged.
package specs

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/runplane/runplane/pkg/engine"
)

// Spec is a typed view over an entity's spec map.
type Spec interface {
	// Configure populates the typed fields from raw and keeps unknown keys as extras.
	Configure(raw map[string]interface{}) error

	// ToMap serializes extras and typed fields; typed fields win on collision.
	ToMap() map[string]interface{}

	// Extras returns the keys the typed shape did not recognize.
	Extras() map[string]interface{}
}

// Base carries the extras of a spec. Embed it in every concrete spec.
type Base struct {
	extras  map[string]interface{}
	present map[string]bool
}

// Extras returns a copy of the unrecognized keys.
func (b *Base) Extras() map[string]interface{} {
	out := make(map[string]interface{}, len(b.extras))
	for k, v := range b.extras {
		out[k] = v
	}
	return out
}

// SetExtra stores an additional key.
func (b *Base) SetExtra(key string, value interface{}) {
	if b.extras == nil {
		b.extras = make(map[string]interface{})
	}
	b.extras[key] = value
}

var (
	validate   = validator.New(validator.WithRequiredStructEnabled())
	fieldCache sync.Map // reflect.Type -> map[string]bool
)

// configure decodes raw into typed, validates it and records extras on base.
// Numbers inside free-form fields decode as int64 when integral.
func configure(base *Base, typed interface{}, raw map[string]interface{}) error {
	if raw == nil {
		raw = map[string]interface{}{}
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return engine.NewValidationError("spec is not serializable", err)
	}
	if err := decodeJSON(data, typed); err != nil {
		return engine.NewValidationError("spec does not match its kind", err)
	}
	normalizeValue(reflect.ValueOf(typed))
	if err := validate.Struct(typed); err != nil {
		return engine.NewValidationError("spec validation failed", err)
	}

	known := jsonFields(reflect.TypeOf(typed))
	base.extras = make(map[string]interface{})
	base.present = make(map[string]bool)
	for k, v := range raw {
		if known[k] {
			base.present[k] = true
			continue
		}
		base.extras[k] = v
	}
	return nil
}

// toMap merges extras with the JSON form of typed. Zero-valued typed fields
// are left out unless they were present in the configured input.
func toMap(base *Base, typed interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base.extras))
	for k, v := range base.extras {
		out[k] = v
	}

	fields, err := jsonMap(typed)
	if err != nil {
		return out
	}
	for k, v := range fields {
		if isZero(v) && !base.present[k] {
			delete(out, k)
			continue
		}
		out[k] = v
	}

	// omitempty drops explicit zero values the input carried.
	for k := range base.present {
		if _, ok := fields[k]; ok {
			continue
		}
		fv, ok := fieldByJSONName(reflect.ValueOf(typed), k)
		if !ok {
			continue
		}
		data, err := json.Marshal(fv.Interface())
		if err != nil {
			continue
		}
		var v interface{}
		if err := decodeJSON(data, &v); err != nil {
			continue
		}
		out[k] = normalize(v)
	}
	return out
}

// Decode reads raw into out with the number handling of Configure. It does
// not validate and keeps no extras.
func Decode(raw map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	if err := decodeJSON(data, out); err != nil {
		return err
	}
	normalizeValue(reflect.ValueOf(out))
	return nil
}

func decodeJSON(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func jsonMap(typed interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(typed)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := decodeJSON(data, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		fields[k] = normalize(v)
	}
	return fields, nil
}

// normalize replaces json.Number values with int64, or float64 when the
// number is not integral.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]interface{}:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	case []interface{}:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	default:
		return v
	}
}

// normalizeValue applies normalize to every interface value reachable from v.
func normalizeValue(v reflect.Value) {
	switch v.Kind() {
	case reflect.Ptr:
		if !v.IsNil() {
			normalizeValue(v.Elem())
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if t.Field(i).IsExported() {
				normalizeValue(v.Field(i))
			}
		}
	case reflect.Interface:
		if !v.IsNil() && v.CanSet() {
			v.Set(reflect.ValueOf(normalize(v.Interface())))
		}
	case reflect.Map:
		if v.IsNil() {
			return
		}
		elem := v.Type().Elem()
		for _, k := range v.MapKeys() {
			e := v.MapIndex(k)
			switch elem.Kind() {
			case reflect.Interface:
				if !e.IsNil() {
					v.SetMapIndex(k, reflect.ValueOf(normalize(e.Interface())))
				}
			case reflect.Map, reflect.Slice:
				normalizeValue(e)
			}
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			normalizeValue(v.Index(i))
		}
	}
}

func isZero(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case int64:
		return t == 0
	case float64:
		return t == 0
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	default:
		return false
	}
}

// fieldByJSONName finds the struct field whose JSON key is name, following
// embedded structs.
func fieldByJSONName(v reflect.Value, name string) (reflect.Value, bool) {
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return reflect.Value{}, false
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, false
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		key, _, _ := strings.Cut(tag, ",")
		if f.Anonymous && key == "" {
			if fv, ok := fieldByJSONName(v.Field(i), name); ok {
				return fv, true
			}
			continue
		}
		if !f.IsExported() {
			continue
		}
		if key == "" {
			key = f.Name
		}
		if key == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// jsonFields returns the JSON keys of a struct type, following embedded structs.
func jsonFields(t reflect.Type) map[string]bool {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if cached, ok := fieldCache.Load(t); ok {
		return cached.(map[string]bool)
	}

	fields := make(map[string]bool)
	collectFields(t, fields)
	fieldCache.Store(t, fields)
	return fields
}

func collectFields(t reflect.Type, fields map[string]bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")

		if f.Anonymous && name == "" {
			ft := f.Type
			if ft.Kind() == reflect.Ptr {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				collectFields(ft, fields)
			}
			continue
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		fields[name] = true
	}
}
