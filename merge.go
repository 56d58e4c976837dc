// SPDX-License-Identifier: Apache-2.0

package deeptree

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Sentinel errors for simple error checking with [errors.Is].
// For detailed error information, use [errors.As] with the typed errors below.
var (
	// ErrMergeConflict indicates incompatible shapes met during a merge with [ConflictError].
	ErrMergeConflict = errors.New("merge conflict")
	// ErrMarshal indicates a marshaling or unmarshaling operation failed.
	ErrMarshal = errors.New("marshal error")
	// ErrInvalidOptions indicates invalid merge options were provided.
	ErrInvalidOptions = errors.New("invalid options")
)

// ProtoKey is never written to a merge target, whatever [Options.ReservedKeys] says.
const ProtoKey = "__proto__"

// ArrayMode specifies how a sequence already in the target absorbs an incoming value.
type ArrayMode int

const (
	// ArrayConcat appends the incoming items to the existing ones (default behavior).
	ArrayConcat ArrayMode = iota
	// ArrayDedup concatenates and drops repeated scalar items.
	ArrayDedup
	// ArrayReplace replaces the existing sequence with the incoming value.
	ArrayReplace
)

func (m ArrayMode) String() string {
	switch m {
	case ArrayConcat:
		return "ArrayConcat"
	case ArrayDedup:
		return "ArrayDedup"
	case ArrayReplace:
		return "ArrayReplace"
	default:
		return fmt.Sprintf("ArrayMode(%d)", m)
	}
}

// ConflictMode specifies how shape mismatches are resolved.
//
// A conflict is an existing sequence meeting a non-sequence under
// [ArrayConcat] or [ArrayDedup], or an existing mapping meeting a sequence.
type ConflictMode int

const (
	// ConflictIncoming stores a copy of the incoming value (default behavior).
	ConflictIncoming ConflictMode = iota
	// ConflictKeepExisting leaves the existing value in place.
	ConflictKeepExisting
	// ConflictError aborts the merge with a [MergeConflictError].
	ConflictError
)

func (m ConflictMode) String() string {
	switch m {
	case ConflictIncoming:
		return "ConflictIncoming"
	case ConflictKeepExisting:
		return "ConflictKeepExisting"
	case ConflictError:
		return "ConflictError"
	default:
		return fmt.Sprintf("ConflictMode(%d)", m)
	}
}

// MergeConflictError is returned when [ConflictMode] is [ConflictError] and
// a value cannot be merged into the existing one.
type MergeConflictError struct {
	// Path is where in the target the conflict occurred.
	Path []string
	// SourceIndex tells which source was being applied.
	SourceIndex int
	// Existing is the shape already in the target.
	Existing Shape
	// Incoming is the shape of the source value.
	Incoming Shape
}

func (e *MergeConflictError) Error() string {
	path := strings.Join(e.Path, ".")
	if path == "" {
		path = "(root)"
	}
	return fmt.Sprintf("cannot merge %s into %s at path %s from source %d",
		e.Incoming, e.Existing, path, e.SourceIndex)
}

func (e *MergeConflictError) Is(target error) bool {
	return target == ErrMergeConflict
}

// MarshalError is returned when unmarshaling or marshaling a document fails.
type MarshalError struct {
	// Err is the underlying error returned by a marshaling function.
	Err error
	// DocIndex tells which document the error occurred in; -1 for the merged result.
	DocIndex int
}

func (e *MarshalError) Error() string {
	if e.DocIndex < 0 {
		return fmt.Sprintf("cannot marshal merged document: %v", e.Err)
	}
	return fmt.Sprintf("cannot unmarshal document at position %d: %v", e.DocIndex, e.Err)
}

func (e *MarshalError) Unwrap() error {
	return e.Err
}

func (e *MarshalError) Is(target error) bool {
	return target == ErrMarshal
}

// Options configures merge behavior.
//
// The zero value is valid and provides sensible defaults:
//   - [ArrayConcat] mode (sequences are concatenated)
//   - [ConflictIncoming] mode (the incoming value wins on shape mismatch)
//   - only [ProtoKey] is reserved
//   - values are copied with [DefaultCloner]
//   - nothing is logged
type Options struct {
	// ArrayMode specifies how existing sequences absorb incoming values.
	// Default is [ArrayConcat].
	ArrayMode ArrayMode

	// ConflictMode specifies how shape mismatches are resolved.
	// Default is [ConflictIncoming].
	ConflictMode ConflictMode

	// ReservedKeys lists additional keys that are never written to the target.
	// [ProtoKey] is always reserved.
	ReservedKeys []string

	// Cloner copies every value stored from a source. Default is [DefaultCloner].
	Cloner Cloner

	// Logger receives trace output about skipped keys, skipped sources and
	// resolved conflicts. Default discards everything.
	Logger hclog.Logger
}

// Merger folds source trees into a target tree with the configured options.
// It tracks the current key path for detailed error reporting.
//
// A Merger can be safely reused for multiple merge operations.
//
// A Merger is not safe to use concurrently.
type Merger struct {
	opts     Options             // merge configuration
	reserved map[string]struct{} // keys never written
	cloner   Cloner
	logger   hclog.Logger
	fields   *fieldMetadata // per-field overrides, set by NewTypedMerger
	path     []string       // current path in the target for error reporting
	index    int            // current source index being applied
}

// scope holds the modes in effect at one level of the target.
type scope struct {
	fields   *fieldMetadata
	arrays   ArrayMode
	conflict ConflictMode
}

// enter returns the scope of key. Overrides apply to a field and everything
// below it until a nested field overrides them again.
func (s scope) enter(key string) scope {
	child := s.fields.child(key)
	next := scope{fields: child, arrays: s.arrays, conflict: s.conflict}
	if child != nil {
		if child.arrayMode != nil {
			next.arrays = *child.arrayMode
		}
		if child.conflictMode != nil {
			next.conflict = *child.conflictMode
		}
	}
	return next
}

// NewMerger creates a new [Merger] with the given options.
// Returns an error if the options are invalid.
func NewMerger(opts Options) (*Merger, error) {
	if opts.ArrayMode < ArrayConcat || opts.ArrayMode > ArrayReplace {
		return nil, fmt.Errorf("%w: unknown array mode %v", ErrInvalidOptions, opts.ArrayMode)
	}
	if opts.ConflictMode < ConflictIncoming || opts.ConflictMode > ConflictError {
		return nil, fmt.Errorf("%w: unknown conflict mode %v", ErrInvalidOptions, opts.ConflictMode)
	}

	reserved := map[string]struct{}{ProtoKey: {}}
	for _, key := range opts.ReservedKeys {
		if key == "" {
			return nil, fmt.Errorf("%w: empty string in ReservedKeys", ErrInvalidOptions)
		}
		reserved[key] = struct{}{}
	}

	m := &Merger{
		opts:     opts,
		reserved: reserved,
		cloner:   opts.Cloner,
		logger:   opts.Logger,
	}
	if m.cloner == nil {
		m.cloner = DefaultCloner
	}
	if m.logger == nil {
		m.logger = hclog.NewNullLogger()
	}
	return m, nil
}

// Options returns the merge options configured for this [Merger].
func (m *Merger) Options() Options {
	return m.opts
}

// DeepMerge merges sources into target, concatenating sequences.
// It is DeepMergeKey(target, false, sources...).
func DeepMerge(target any, sources ...any) any {
	return DeepMergeKey(target, false, sources...)
}

// DeepMergeKey merges sources into target in place and returns target.
//
// When ignoreArrays is true an incoming value replaces an existing sequence;
// otherwise sequences are concatenated, existing items first.
// See [Merger.MergeInto] for the full rules.
func DeepMergeKey(target any, ignoreArrays bool, sources ...any) any {
	opts := Options{ArrayMode: ArrayConcat}
	if ignoreArrays {
		opts.ArrayMode = ArrayReplace
	}
	m, _ := NewMerger(opts)
	// the default conflict mode never fails
	result, _ := m.MergeInto(target, sources...)
	return result
}

// MergeMarshal merges byte documents using provided unmarshal and marshal functions.
// See [Merger.MergeMarshal] for details.
func MergeMarshal(
	opts Options,
	unmarshal func([]byte, any) error,
	marshal func(any) ([]byte, error),
	docs ...[]byte,
) ([]byte, error) {
	m, err := NewMerger(opts)
	if err != nil {
		return nil, err
	}
	return m.MergeMarshal(unmarshal, marshal, docs...)
}

// MergeInto merges sources into target in place, left to right, and returns target.
//
// Only a non-nil map[string]any target is merged; anything else is returned
// unchanged. A sequence source is folded as a mapping keyed by its indexes
// ("0", "1", ...); scalar and nil sources are skipped. Typed Go containers
// such as []string or map[string]int count as sequences and mappings, and the
// values stored in the target are always canonical ([Normalize]).
//
// Keys are applied in sorted order. For every key of a source, except
// reserved keys (which are also removed from copied subtrees):
//   - an existing sequence absorbs the incoming value according to [ArrayMode];
//   - an existing mapping and an incoming mapping are merged recursively,
//     the existing mapping being updated in place;
//   - otherwise a copy of the incoming value is stored.
//
// Shape mismatches are resolved according to [ConflictMode]. The only error
// returned is a [MergeConflictError] under [ConflictError]; the target may
// then be partially merged.
//
// Example:
//
//	target := map[string]any{"a": map[string]any{"b": 1, "c": 2}, "x": []any{1, 2}}
//	source := map[string]any{"a": map[string]any{"c": 3, "d": 4}, "x": []any{3}}
//	m, _ := NewMerger(Options{})
//	m.MergeInto(target, source)
//	// target: {"a": {"b": 1, "c": 3, "d": 4}, "x": [1, 2, 3]}
func (m *Merger) MergeInto(target any, sources ...any) (any, error) {
	root, ok := target.(map[string]any)
	if !ok || root == nil {
		return target, nil
	}

	for i, source := range sources {
		src, ok := sourceMapping(source)
		if !ok {
			m.logger.Trace("skipping source", "index", i, "shape", ShapeOf(source))
			continue
		}
		m.reset(i)
		if err := m.mergeMaps(root, src, m.rootScope()); err != nil {
			return target, err
		}
	}

	return target, nil
}

// sourceMapping returns the keys a source contributes. A sequence source
// contributes its indexes ("0", "1", ...) as keys; scalars and nil contribute
// nothing.
func sourceMapping(source any) (map[string]any, bool) {
	switch t := canonical(source).(type) {
	case map[string]any:
		return t, t != nil
	case []any:
		if t == nil {
			return nil, false
		}
		indexed := make(map[string]any, len(t))
		for i, item := range t {
			indexed[strconv.Itoa(i)] = item
		}
		return indexed, true
	default:
		return nil, false
	}
}

func (m *Merger) rootScope() scope {
	return scope{fields: m.fields, arrays: m.opts.ArrayMode, conflict: m.opts.ConflictMode}
}

// MergeMarshal merges byte documents using provided unmarshal and marshal functions.
//
// Documents are unmarshaled and normalized with [Normalize]. The remaining
// documents are merged into the first with [Merger.MergeInto], and the result
// is marshaled back to bytes. A first document that is not a mapping is
// replaced by an empty mapping.
//
// Returns an empty byte slice if docs is empty.
//
// Example:
//
//	import "github.com/goccy/go-yaml"
//
//	base := []byte("server:\n  port: 80\n  tags: [a]")
//	overlay := []byte("server:\n  port: 8080\n  tags: [b]")
//	result, _ := MergeMarshal(Options{}, yaml.Unmarshal, yaml.Marshal, base, overlay)
//	// server: {port: 8080, tags: [a, b]}
func (m *Merger) MergeMarshal(
	unmarshal func([]byte, any) error,
	marshal func(any) ([]byte, error),
	docs ...[]byte,
) ([]byte, error) {
	if len(docs) == 0 {
		return []byte{}, nil
	}

	parsedDocs := make([]any, len(docs))
	for i, doc := range docs {
		var current any
		if err := unmarshal(doc, &current); err != nil {
			return nil, &MarshalError{
				Err:      err,
				DocIndex: i,
			}
		}
		parsedDocs[i] = Normalize(current)
	}

	target, ok := parsedDocs[0].(map[string]any)
	if !ok || target == nil {
		target = map[string]any{}
	}

	result, err := m.MergeInto(target, parsedDocs[1:]...)
	if err != nil {
		return nil, err
	}

	out, err := marshal(result)
	if err != nil {
		return nil, &MarshalError{Err: err, DocIndex: -1}
	}
	return out, nil
}

func (m *Merger) reset(i int) {
	m.path = nil
	m.index = i
}

func (m *Merger) push(key string) {
	m.path = append(m.path, key)
}

func (m *Merger) pop() {
	if len(m.path) == 0 {
		panic("unbalanced deeptree.Merger pop")
	}
	m.path = m.path[:len(m.path)-1]
}

// mergeMaps folds the keys of source into target, mutating target.
// Keys are visited in sorted order so that errors and partial results are
// reproducible.
func (m *Merger) mergeMaps(target, source map[string]any, sc scope) error {
	for _, key := range slices.Sorted(maps.Keys(source)) {
		if _, reserved := m.reserved[key]; reserved {
			m.logger.Trace("skipping reserved key", "path", m.pathTo(key), "source", m.index)
			continue
		}

		m.push(key)
		merged, keep, err := m.mergeValue(target[key], source[key], sc.enter(key))
		if err != nil {
			m.pop()
			return err
		}
		if !keep {
			target[key] = merged
		}
		m.pop()
	}
	return nil
}

// mergeValue computes the value stored at the current path.
// keep reports that the existing value must be left untouched.
func (m *Merger) mergeValue(existing, incoming any, sc scope) (merged any, keep bool, err error) {
	incoming = canonical(incoming)

	switch current := canonical(existing).(type) {
	case []any:
		if sc.arrays == ArrayReplace {
			return m.copyValue(incoming), false, nil
		}
		items, ok := incoming.([]any)
		if !ok {
			return m.conflict(sc, ShapeSequence, incoming)
		}
		if sc.arrays == ArrayDedup {
			return m.dedupSequences(current, items), false, nil
		}
		return m.concatSequences(current, items), false, nil

	case map[string]any:
		switch next := incoming.(type) {
		case map[string]any:
			if current == nil {
				return m.copyValue(next), false, nil
			}
			if next == nil {
				return current, false, nil
			}
			if err := m.mergeMaps(current, next, sc); err != nil {
				return nil, false, err
			}
			return current, false, nil
		case []any:
			return m.conflict(sc, ShapeMapping, incoming)
		}
	}

	return m.copyValue(incoming), false, nil
}

// conflict resolves a shape mismatch according to the conflict mode.
func (m *Merger) conflict(sc scope, existing Shape, incoming any) (any, bool, error) {
	switch sc.conflict {
	case ConflictKeepExisting:
		m.logger.Debug("keeping existing value on conflict",
			"path", m.pathString(), "existing", existing, "incoming", ShapeOf(incoming))
		return nil, true, nil
	case ConflictError:
		return nil, false, &MergeConflictError{
			Path:        slices.Clone(m.path),
			SourceIndex: m.index,
			Existing:    existing,
			Incoming:    ShapeOf(incoming),
		}
	default:
		m.logger.Debug("replacing existing value on conflict",
			"path", m.pathString(), "existing", existing, "incoming", ShapeOf(incoming))
		return m.copyValue(incoming), false, nil
	}
}

// copyValue copies a source value with the configured cloner, normalizes the
// copy and removes reserved keys from it.
func (m *Merger) copyValue(v any) any {
	cloned := Normalize(m.cloner.Clone(v))
	m.stripReserved(cloned)
	return cloned
}

func (m *Merger) stripReserved(v any) {
	switch t := v.(type) {
	case map[string]any:
		for key, child := range t {
			if _, reserved := m.reserved[key]; reserved {
				delete(t, key)
				continue
			}
			m.stripReserved(child)
		}
	case []any:
		for _, child := range t {
			m.stripReserved(child)
		}
	}
}

// concatSequences returns existing items followed by copies of incoming items.
func (m *Merger) concatSequences(existing, incoming []any) []any {
	result := make([]any, len(existing), len(existing)+len(incoming))
	copy(result, existing)
	for _, item := range incoming {
		result = append(result, m.copyValue(item))
	}
	return result
}

// dedupSequences concatenates existing and incoming, removing duplicate values.
// Scalars use exact equality; mappings, sequences and other non-comparable
// items are always kept.
func (m *Merger) dedupSequences(existing, incoming []any) []any {
	result := make([]any, 0, len(existing)+len(incoming))
	seen := make(map[any]struct{}, len(existing)+len(incoming))

	add := func(item any, fromSource bool) {
		if isComparable(item) {
			if _, exists := seen[item]; exists {
				return
			}
			seen[item] = struct{}{}
		}
		if fromSource {
			item = m.copyValue(item)
		}
		result = append(result, item)
	}

	for _, item := range existing {
		add(item, false)
	}
	for _, item := range incoming {
		add(item, true)
	}
	return result
}

func (m *Merger) pathString() string {
	return strings.Join(m.path, ".")
}

func (m *Merger) pathTo(key string) string {
	if len(m.path) == 0 {
		return key
	}
	return m.pathString() + "." + key
}

// isComparable checks if a value can be used as a map key.
// Maps and slices are not comparable in Go.
func isComparable(value any) bool {
	if value == nil {
		return true
	}
	t := reflect.TypeOf(value)
	switch t.Kind() {
	case reflect.Struct, reflect.Array, reflect.Interface:
		// may hold non-comparable values that only fail at runtime
		return false
	}
	return t.Comparable()
}
