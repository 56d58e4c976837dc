// SPDX-License-Identifier: Apache-2.0

package deeptree

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-yaml"
)

// ErrUnsupportedFormat indicates a format name or file extension that has no codec.
var ErrUnsupportedFormat = errors.New("unsupported format")

// Format names a serialization format that decodes into data trees.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// ParseFormat returns the format with the given case-insensitive name.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case FormatJSON, FormatYAML, FormatTOML:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}

// FormatFromPath detects the format of a file from its extension.
func FormatFromPath(path string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("%w: file extension %q", ErrUnsupportedFormat, ext)
	}
}

func (f Format) String() string {
	return string(f)
}

// Unmarshal decodes data into out.
func (f Format) Unmarshal(data []byte, out any) error {
	switch f {
	case FormatJSON:
		return json.Unmarshal(data, out)
	case FormatYAML:
		return yaml.Unmarshal(data, out)
	case FormatTOML:
		return toml.Unmarshal(data, out)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, string(f))
	}
}

// Marshal encodes doc. JSON output is indented by two spaces.
//
// TOML can only encode mapping (or struct) roots; other roots fail with an
// error wrapping [ErrUnsupportedFormat]. TOML has no null, so nil values are
// left out of TOML output. [HasNull] reports whether a tree holds any.
func (f Format) Marshal(doc any) ([]byte, error) {
	switch f {
	case FormatJSON:
		return json.MarshalIndent(doc, "", "  ")
	case FormatYAML:
		return yaml.Marshal(doc)
	case FormatTOML:
		if !tableRoot(doc) {
			return nil, fmt.Errorf("%w: toml cannot encode a %T root", ErrUnsupportedFormat, doc)
		}
		return toml.Marshal(doc)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, string(f))
	}
}

// Decode unmarshals data and normalizes the result into a data tree.
func (f Format) Decode(data []byte) (any, error) {
	var doc any
	if err := f.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return Normalize(doc), nil
}

// tableRoot reports whether doc can be the root table of a TOML document.
func tableRoot(doc any) bool {
	rv := reflect.ValueOf(doc)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return false
		}
		rv = rv.Elem()
	}
	return rv.Kind() == reflect.Map || rv.Kind() == reflect.Struct
}

// HasNull reports whether the tree rooted at v holds a nil value anywhere.
func HasNull(v any) bool {
	switch t := canonical(v).(type) {
	case nil:
		return true
	case map[string]any:
		for _, child := range t {
			if HasNull(child) {
				return true
			}
		}
	case []any:
		for _, child := range t {
			if HasNull(child) {
				return true
			}
		}
	}
	return false
}
