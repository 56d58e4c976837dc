// SPDX-License-Identifier: Apache-2.0

// Package deeptree provides structural operations over semi-structured data trees.
//
// A data tree is what decoding JSON, YAML or TOML into an any produces: nested
// map[string]any mappings, []any sequences, and scalar leaves. The package offers
// safe path-based retrieval ([Get]), deep copying ([Clone]) and deep merging of
// several partial trees into one ([DeepMerge], [Merger]).
package deeptree

import (
	"fmt"
	"reflect"
)

// Shape classifies a data tree node.
type Shape int

const (
	// ShapeScalar is any leaf value, including nil and opaque non-container values.
	ShapeScalar Shape = iota
	// ShapeSequence is a []any.
	ShapeSequence
	// ShapeMapping is a map[string]any.
	ShapeMapping
)

func (s Shape) String() string {
	switch s {
	case ShapeScalar:
		return "scalar"
	case ShapeSequence:
		return "sequence"
	case ShapeMapping:
		return "mapping"
	default:
		return fmt.Sprintf("Shape(%d)", s)
	}
}

// ShapeOf reports the shape of v.
// Only the canonical container types count as containers; use [Normalize]
// first on trees produced by decoders with other container types.
func ShapeOf(v any) Shape {
	switch v.(type) {
	case map[string]any:
		return ShapeMapping
	case []any:
		return ShapeSequence
	default:
		return ShapeScalar
	}
}

// Normalize converts v into the canonical tree representation.
//
// Maps with non-string keys have their keys formatted with fmt.Sprint, and
// typed slices, arrays and maps (such as the []map[string]any TOML produces
// for arrays of tables) become []any and map[string]any. Canonical containers are
// rewritten in place; other values are returned unchanged.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		for k, val := range t {
			t[k] = Normalize(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = Normalize(val)
		}
		return t
	case map[any]any:
		result := make(map[string]any, len(t))
		for k, val := range t {
			result[fmt.Sprint(k)] = Normalize(val)
		}
		return result
	case []map[string]any:
		result := make([]any, len(t))
		for i, val := range t {
			result[i] = Normalize(val)
		}
		return result
	}

	switch t := canonical(v).(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = Normalize(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = Normalize(val)
		}
		return t
	default:
		return v
	}
}

// canonical converts a typed container into a fresh map[string]any or []any
// holding the same children. Canonical containers and everything else are
// returned as they are; v is never modified.
func canonical(v any) any {
	switch v.(type) {
	case nil, map[string]any, []any:
		return v
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		// []byte is a scalar blob, not a sequence
		if rv.Type().Elem().Kind() == reflect.Uint8 || (rv.Kind() == reflect.Slice && rv.IsNil()) {
			return v
		}
		result := make([]any, rv.Len())
		for i := range result {
			result[i] = rv.Index(i).Interface()
		}
		return result
	case reflect.Map:
		if rv.IsNil() {
			return v
		}
		result := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			result[fmt.Sprint(iter.Key().Interface())] = iter.Value().Interface()
		}
		return result
	default:
		return v
	}
}
