// SPDX-License-Identifier: Apache-2.0

package deeptree

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// ErrInvalidTag indicates a tree struct tag with an unknown directive or value.
var ErrInvalidTag = errors.New("invalid struct tag")

// TagKind identifies which tree struct tag directive had an error.
type TagKind int

const (
	// UnknownTag indicates an unknown or unsupported tree tag directive.
	UnknownTag TagKind = iota
	// ArraysTag indicates an error with a tree:"arrays=..." directive.
	ArraysTag
	// ConflictTag indicates an error with a tree:"conflict=..." directive.
	ConflictTag
	// FieldTag indicates an error with a tree:"field=..." directive.
	FieldTag
)

func (k TagKind) String() string {
	switch k {
	case UnknownTag:
		return "unknown"
	case ArraysTag:
		return "arrays"
	case ConflictTag:
		return "conflict"
	case FieldTag:
		return "field"
	default:
		return fmt.Sprintf("TagKind(%d)", k)
	}
}

// InvalidTagError is returned when a tree struct tag contains an invalid directive or value.
type InvalidTagError struct {
	// Kind indicates which directive had the error.
	Kind TagKind
	// FieldName is the struct field name where the error occurred.
	FieldName string
	// Value is the offending directive or value.
	Value string
	// Message provides details about what went wrong.
	Message string
}

func (e *InvalidTagError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("field %s: invalid %s tag: %s (value: %q)",
			e.FieldName, e.Kind, e.Message, e.Value)
	}
	return fmt.Sprintf("field %s: invalid %s tag: %s", e.FieldName, e.Kind, e.Message)
}

func (e *InvalidTagError) Is(target error) bool {
	return target == ErrInvalidTag
}

// TypedMerger is a [Merger] whose array and conflict modes can be overridden
// per field through the struct tags of T.
//
// Struct tag format:
//   - tree:"arrays=concat|dedup|replace" - array mode for this field
//   - tree:"conflict=incoming|existing|error" - conflict mode for this field
//   - tree:"field=name" - overrides field name detection
//
// Directives combine: tree:"field=hosts,arrays=replace". An override applies
// to the field and everything below it, until a nested field overrides it
// again. Fields without overrides use [Options].
//
// Field names are detected from yaml, json and toml struct tags, in that
// order, and fall back to the Go field name. Map fields with struct values
// apply the struct's tags under every key.
//
// Example:
//
//	type Config struct {
//		Hosts   []string          `yaml:"hosts" tree:"arrays=replace"`
//		Tags    []string          `yaml:"tags" tree:"arrays=dedup"`
//		Servers map[string]Server `yaml:"servers"`
//	}
//
//	merger, _ := NewTypedMerger[Config](Options{})
//	cfg, _ := merger.Merge(FormatYAML, base, overlay)
type TypedMerger[T any] struct {
	*Merger
}

// NewTypedMerger creates a [TypedMerger] with overrides read from T's struct tags.
//
// Returns an error if the options are invalid or a struct tag contains an
// invalid directive.
func NewTypedMerger[T any](opts Options) (*TypedMerger[T], error) {
	merger, err := NewMerger(opts)
	if err != nil {
		return nil, err
	}

	b := metadataBuilder{seen: make(map[reflect.Type]*fieldMetadata)}
	fields, err := b.build(reflect.TypeFor[T]())
	if err != nil {
		return nil, err
	}
	merger.fields = fields

	return &TypedMerger[T]{Merger: merger}, nil
}

// Merge decodes docs in format f, merges them in order with
// [Merger.MergeMarshal] and decodes the result into a T.
//
// Returns the zero T if docs is empty.
func (m *TypedMerger[T]) Merge(f Format, docs ...[]byte) (T, error) {
	var result T
	if len(docs) == 0 {
		return result, nil
	}

	merged, err := m.MergeMarshal(f.Unmarshal, f.Marshal, docs...)
	if err != nil {
		return result, err
	}
	if err := f.Unmarshal(merged, &result); err != nil {
		return result, &MarshalError{Err: err, DocIndex: -1}
	}
	return result, nil
}

// fieldMetadata holds the overrides of one node of T and the nodes below it.
type fieldMetadata struct {
	fieldName    string
	arrayMode    *ArrayMode
	conflictMode *ConflictMode
	children     map[string]*fieldMetadata // struct fields by serialized name
	elem         *fieldMetadata            // value node of a map
}

// child returns the node under key, or nil. It is safe on a nil receiver.
func (f *fieldMetadata) child(key string) *fieldMetadata {
	if f == nil {
		return nil
	}
	if c, ok := f.children[key]; ok {
		return c
	}
	return f.elem
}

type metadataBuilder struct {
	seen map[reflect.Type]*fieldMetadata
}

// build returns the node describing values of type t.
func (b *metadataBuilder) build(t reflect.Type) (*fieldMetadata, error) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if node, ok := b.seen[t]; ok {
		return node, nil
	}

	switch t.Kind() {
	case reflect.Struct:
		// registered first so that recursive types terminate
		node := &fieldMetadata{children: make(map[string]*fieldMetadata)}
		b.seen[t] = node
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			meta, err := b.buildField(field)
			if err != nil {
				return nil, err
			}
			node.children[meta.fieldName] = meta
		}
		return node, nil

	case reflect.Map:
		elem, err := b.build(t.Elem())
		if err != nil {
			return nil, err
		}
		return &fieldMetadata{elem: elem}, nil

	default:
		return &fieldMetadata{}, nil
	}
}

func (b *metadataBuilder) buildField(field reflect.StructField) (*fieldMetadata, error) {
	name, err := getFieldName(field)
	if err != nil {
		return nil, err
	}

	typeMeta, err := b.build(field.Type)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", field.Name, err)
	}
	meta := &fieldMetadata{
		fieldName: name,
		children:  typeMeta.children,
		elem:      typeMeta.elem,
	}

	if tag := field.Tag.Get("tree"); tag != "" {
		if err := parseTreeTag(tag, field.Name, meta); err != nil {
			return nil, err
		}
	}
	return meta, nil
}

// getFieldName extracts the serialized field name from struct tags.
// Priority: tree:field override > yaml > json > toml > struct field name.
func getFieldName(field reflect.StructField) (string, error) {
	if tag := field.Tag.Get("tree"); tag != "" {
		for part := range strings.SplitSeq(tag, ",") {
			part = strings.TrimSpace(part)
			if name, ok := strings.CutPrefix(part, "field="); ok {
				if name == "" {
					return "", &InvalidTagError{
						Kind:      FieldTag,
						FieldName: field.Name,
						Value:     part,
						Message:   "field name cannot be empty",
					}
				}
				return name, nil
			}
		}
	}

	for _, tagName := range []string{"yaml", "json", "toml"} {
		if tag := field.Tag.Get(tagName); tag != "" && tag != "-" {
			if name, _, _ := strings.Cut(tag, ","); name != "" {
				return name, nil
			}
		}
	}

	return field.Name, nil
}

// parseTreeTag applies the arrays= and conflict= directives of tag to meta.
func parseTreeTag(tag, fieldName string, meta *fieldMetadata) error {
	for part := range strings.SplitSeq(tag, ",") {
		part = strings.TrimSpace(part)
		directive, value, _ := strings.Cut(part, "=")

		switch directive {
		case "arrays":
			mode, err := parseArrayMode(value)
			if err != nil {
				return &InvalidTagError{Kind: ArraysTag, FieldName: fieldName, Value: value, Message: err.Error()}
			}
			meta.arrayMode = &mode
		case "conflict":
			mode, err := parseConflictMode(value)
			if err != nil {
				return &InvalidTagError{Kind: ConflictTag, FieldName: fieldName, Value: value, Message: err.Error()}
			}
			meta.conflictMode = &mode
		case "field":
			// handled by getFieldName
		default:
			return &InvalidTagError{
				Kind:      UnknownTag,
				FieldName: fieldName,
				Value:     part,
				Message:   "unknown tree tag directive",
			}
		}
	}
	return nil
}

func parseArrayMode(s string) (ArrayMode, error) {
	switch s {
	case "concat":
		return ArrayConcat, nil
	case "dedup":
		return ArrayDedup, nil
	case "replace":
		return ArrayReplace, nil
	default:
		return 0, errors.New("valid: concat, dedup, replace")
	}
}

func parseConflictMode(s string) (ConflictMode, error) {
	switch s {
	case "incoming":
		return ConflictIncoming, nil
	case "existing":
		return ConflictKeepExisting, nil
	case "error":
		return ConflictError, nil
	default:
		return 0, errors.New("valid: incoming, existing, error")
	}
}
