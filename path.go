// SPDX-License-Identifier: Apache-2.0

package deeptree

import (
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Path is a sequence of segments locating a node in a data tree.
type Path []string

// PathSpec is the set of types accepted as a path: a dotted string or a segment slice.
type PathSpec interface {
	~string | ~[]string
}

// ParsePath splits a dotted path into segments.
// A string without dots is a single segment; the empty string has no segments.
func ParsePath(s string) Path {
	if s == "" {
		return nil
	}
	if !strings.Contains(s, ".") {
		return Path{s}
	}
	return strings.Split(s, ".")
}

// String returns the dotted form of the path.
func (p Path) String() string {
	return strings.Join(p, ".")
}

// Get returns the value at path in source, or fallback when it is absent.
//
// Get never panics. It returns fallback immediately when source is falsy
// (nil, false, a numeric zero, NaN or "") or the path has no segments.
// Missing, nil or scalar intermediate nodes make the rest of the walk absent.
// A key that is present with a nil value yields nil, not fallback.
//
// Segments are map keys; on a sequence a canonical non-negative decimal
// segment such as "0" or "12" is an index.
//
// Example:
//
//	cfg := map[string]any{"server": map[string]any{"port": 8080}}
//	Get(cfg, "server.port", 80)          // 8080
//	Get(cfg, "server.host", "localhost") // "localhost"
//	Get(cfg, Path{"server", "port"}, 80) // 8080
func Get[P PathSpec](source any, path P, fallback any) any {
	v, ok := Lookup(source, path)
	if !ok {
		return fallback
	}
	return v
}

// GetAs is like [Get] but also returns fallback when the value is not a T.
func GetAs[T any, P PathSpec](source any, path P, fallback T) T {
	v, ok := Lookup(source, path)
	if !ok {
		return fallback
	}
	t, ok := v.(T)
	if !ok {
		return fallback
	}
	return t
}

// Lookup returns the value at path in source and whether it is present.
// It applies the same rules as [Get].
func Lookup[P PathSpec](source any, path P) (any, bool) {
	segments := toSegments(path)
	if isFalsy(source) || len(segments) == 0 {
		return nil, false
	}

	node := source
	for _, segment := range segments {
		next, ok := lookupStep(node, segment)
		if !ok {
			return nil, false
		}
		node = next
	}
	return node, true
}

func toSegments[P PathSpec](path P) []string {
	switch p := any(path).(type) {
	case string:
		return ParsePath(p)
	case Path:
		return p
	case []string:
		return p
	}

	rv := reflect.ValueOf(path)
	if rv.Kind() == reflect.String {
		return ParsePath(rv.String())
	}
	return rv.Convert(reflect.TypeOf([]string(nil))).Interface().([]string)
}

// lookupStep indexes a single node. Anything that is not a container is absent.
func lookupStep(node any, key string) (any, bool) {
	switch n := node.(type) {
	case nil:
		return nil, false
	case map[string]any:
		v, ok := n[key]
		return v, ok
	case []any:
		i, ok := sequenceIndex(key, len(n))
		if !ok {
			return nil, false
		}
		return n[i], true
	}

	rv := reflect.ValueOf(node)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	case reflect.Slice, reflect.Array:
		i, ok := sequenceIndex(key, rv.Len())
		if !ok {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	default:
		return nil, false
	}
}

// sequenceIndex parses key as an index into a sequence of length n.
// Only canonical decimal forms count, so "01", "+1" and "-1" are not indexes.
func sequenceIndex(key string, n int) (int, bool) {
	i, err := strconv.Atoi(key)
	if err != nil || i < 0 || i >= n || strconv.Itoa(i) != key {
		return 0, false
	}
	return i, true
}

func isFalsy(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case bool:
		return !t
	case string:
		return t == ""
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint() == 0
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		return f == 0 || math.IsNaN(f)
	default:
		return false
	}
}
