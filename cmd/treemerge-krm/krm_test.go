// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-yaml"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sam-fredrickson/deeptree"
)

//go:embed testfiles/basic-input.yaml
var basicInput []byte

func TestRun_EndToEnd(t *testing.T) {
	result := run(t, string(basicInput))

	assert.Equal(t, "v1", result.APIVersion)
	assert.Equal(t, "ResourceList", result.Kind)
	require.Len(t, result.Items, 3)

	// passthrough resources first, in input order
	assert.Equal(t, "Deployment", result.Items[0]["kind"])
	assert.Equal(t, "plain", deeptree.Get(result.Items[1], "metadata.name", nil))
	assert.Equal(t, "keep: me\n", deeptree.Get(result.Items[1], deeptree.Path{"data", "untouched.yaml"}, nil))

	cm := findConfigMapByName(t, result.Items, "app-config")
	assert.Equal(t, "prod", cm.Namespace)
	assert.Equal(t, map[string]string{"app": "web"}, cm.Labels)
	assert.Equal(t, map[string]string{"team.example.com/owner": "platform"}, cm.Annotations)

	app := parseConfigData(t, cm, "app.yaml")
	assert.Equal(t, []any{"a.example.com", "b.example.com"}, deeptree.Get(app, "server.hosts", nil))
	assert.Equal(t, "warn", deeptree.Get(app, "log.level", nil))
	assert.EqualValues(t, 8080, deeptree.Get(app, "server.port", nil))
	assert.NotContains(t, app, "secret")

	var settings map[string]any
	require.NoError(t, json.Unmarshal([]byte(cm.Data["settings.json"]), &settings), "JSON keys stay JSON")
	assert.Equal(t, map[string]any{"ttl": 60.0, "size": 128.0}, settings["cache"])
	assert.Equal(t, []any{"us", "eu"}, settings["regions"])
}

func TestRun_MultipleGroups(t *testing.T) {
	input := buildResourceList(
		newConfigMap("b-base").
			withAnnotation(AnnotationID, "b").
			withAnnotation(AnnotationOrder, "0").
			withAnnotation(AnnotationFinalName, "b-final").
			withData("config.yaml", "value: b"),
		newConfigMap("a-overlay").
			withAnnotation(AnnotationID, "a").
			withAnnotation(AnnotationOrder, "1").
			withData("config.yaml", "value: a2"),
		newConfigMap("a-base").
			withAnnotation(AnnotationID, "a").
			withAnnotation(AnnotationOrder, "0").
			withAnnotation(AnnotationFinalName, "a-final").
			withData("config.yaml", "value: a1"),
	)

	result := run(t, input)
	require.Len(t, result.Items, 2)

	// groups come out sorted by id
	assert.Equal(t, "a-final", deeptree.Get(result.Items[0], "metadata.name", nil))
	assert.Equal(t, "b-final", deeptree.Get(result.Items[1], "metadata.name", nil))

	a := parseConfigData(t, findConfigMapByName(t, result.Items, "a-final"), "config.yaml")
	assert.Equal(t, "a2", a["value"])
}

func TestRun_MergeOptions(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		validate func(t *testing.T, config map[string]any)
	}{
		{
			name: "per-ConfigMap array mode",
			input: buildResourceList(
				baseConfigMap().withData("config.yaml", "tags: [a, b]"),
				overlayConfigMap("overlay", "10").
					withAnnotation(AnnotationArrayMode, "dedup").
					withData("config.yaml", "tags: [b, c]"),
			),
			validate: func(t *testing.T, config map[string]any) {
				assert.Equal(t, []any{"a", "b", "c"}, config["tags"])
			},
		},
		{
			name: "options aligned when middle ConfigMap missing data key",
			input: buildResourceList(
				baseConfigMap().withData("config.yaml", "tags: [a, b]"),
				overlayConfigMap("middle-no-data", "5").
					withAnnotation(AnnotationArrayMode, "concat").
					withData("other.yaml", "unrelated: data"),
				overlayConfigMap("overlay-with-replace", "10").
					withAnnotation(AnnotationArrayMode, "replace").
					withData("config.yaml", "tags: [x, y]"),
			),
			validate: func(t *testing.T, config map[string]any) {
				assert.Equal(t, []any{"x", "y"}, config["tags"], "replace mode of the last layer should apply")
			},
		},
		{
			name: "keep existing on conflict",
			input: buildResourceList(
				baseConfigMap().withData("config.yaml", "hosts: [a]"),
				overlayConfigMap("overlay", "10").
					withAnnotation(AnnotationConflict, "existing").
					withData("config.yaml", "hosts: b"),
			),
			validate: func(t *testing.T, config map[string]any) {
				assert.Equal(t, []any{"a"}, config["hosts"])
			},
		},
		{
			name: "reserved keys with whitespace",
			input: buildResourceList(
				baseConfigMap().withData("config.yaml", "name: app"),
				overlayConfigMap("overlay", "10").
					withAnnotation(AnnotationReservedKeys, " password , token ").
					withData("config.yaml", "password: x\ntoken: y\nport: 80"),
			),
			validate: func(t *testing.T, config map[string]any) {
				assert.Equal(t, []string{"name", "port"}, slices.Sorted(maps.Keys(config)))
			},
		},
		{
			name: "proto key never copied",
			input: buildResourceList(
				baseConfigMap().withData("config.yaml", "a: 1"),
				overlayConfigMap("overlay", "10").
					withData("config.yaml", "__proto__:\n  admin: true\nb: 2"),
			),
			validate: func(t *testing.T, config map[string]any) {
				assert.NotContains(t, config, deeptree.ProtoKey)
				assert.EqualValues(t, 2, config["b"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cm := findConfigMapByName(t, run(t, tt.input).Items, "final")
			tt.validate(t, parseConfigData(t, cm, "config.yaml"))
		})
	}
}

func TestRun_FormatDetection(t *testing.T) {
	tests := []struct {
		ext         string
		baseData    string
		overlayData string
		unmarshal   func([]byte, any) error
	}{
		{"json", `{"foo": 1, "database": {"host": "localhost"}}`, `{"bar": 2, "database": {"port": 5432}}`, json.Unmarshal},
		{"yml", "foo: 1\ndatabase:\n  host: localhost", "bar: 2\ndatabase:\n  port: 5432", yaml.Unmarshal},
		{"toml", "foo = 1\n[database]\nhost = \"localhost\"", "bar = 2\n[database]\nport = 5432", toml.Unmarshal},
		{"conf", "foo: 1\ndatabase:\n  host: localhost", "bar: 2\ndatabase:\n  port: 5432", yaml.Unmarshal},
	}

	for _, tt := range tests {
		t.Run(tt.ext, func(t *testing.T) {
			key := "config." + tt.ext
			input := buildResourceList(
				baseConfigMap().withData(key, tt.baseData),
				overlayConfigMap("overlay", "10").withData(key, tt.overlayData),
			)
			cm := findConfigMapByName(t, run(t, input).Items, "final")

			var config map[string]any
			require.NoError(t, tt.unmarshal([]byte(cm.Data[key]), &config), "output:\n%s", cm.Data[key])
			for _, path := range []string{"foo", "bar", "database.host", "database.port"} {
				_, ok := deeptree.Lookup(config, path)
				assert.True(t, ok, "expected %s in merged config", path)
			}
		})
	}
}

func TestRun_SingleLayerKeepsData(t *testing.T) {
	input := buildResourceList(
		baseConfigMap().withData("config.yaml", "# comment\nfoo: bar"),
		overlayConfigMap("overlay", "10").withData("other.yaml", "x: 1"),
	)
	cm := findConfigMapByName(t, run(t, input).Items, "final")
	assert.Equal(t, "# comment\nfoo: bar\n", cm.Data["config.yaml"])
	assert.Equal(t, "x: 1\n", cm.Data["other.yaml"])
}

func TestRun_AnnotationFiltering(t *testing.T) {
	input := buildResourceList(
		baseConfigMap().
			withAnnotation("custom.example.com/annotation", "should-be-preserved").
			withAnnotation("another-annotation", "also-preserved").
			withData("config.yaml", "foo: bar"),
	)
	cm := findConfigMapByName(t, run(t, input).Items, "final")

	assert.Equal(t, map[string]string{
		"custom.example.com/annotation": "should-be-preserved",
		"another-annotation":            "also-preserved",
	}, cm.Annotations)
}

func TestRun_ErrorCases(t *testing.T) {
	tests := []struct {
		name        string
		annotations map[string]string
		wantError   string
	}{
		{"missing order", map[string]string{AnnotationOrder: ""}, "order"},
		{"missing final-name", map[string]string{AnnotationFinalName: ""}, "final-name"},
		{"invalid order", map[string]string{AnnotationOrder: "not-a-number"}, "invalid"},
		{"no base ConfigMap", map[string]string{AnnotationOrder: "10"}, "order=0"},
		{"invalid array mode", map[string]string{AnnotationArrayMode: "invalid-mode"}, "array mode"},
		{"invalid conflict mode", map[string]string{AnnotationConflict: "invalid-mode"}, "conflict mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := buildErrorTestInput(tt.annotations)
			err := Run(strings.NewReader(input), &bytes.Buffer{}, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantError)
		})
	}
}

func TestRun_ConflictError(t *testing.T) {
	input := buildResourceList(
		baseConfigMap().withData("config.yaml", "hosts: [a]"),
		overlayConfigMap("strict", "10").
			withAnnotation(AnnotationConflict, "error").
			withData("config.yaml", "hosts: b"),
	)

	err := Run(strings.NewReader(input), &bytes.Buffer{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, deeptree.ErrMergeConflict)
	assert.Contains(t, err.Error(), `ConfigMap "strict"`)
}

func TestRun_InvalidData(t *testing.T) {
	input := buildResourceList(
		baseConfigMap().withData("config.json", `{"a": 1}`),
		overlayConfigMap("broken", "10").withData("config.json", `{not json`),
	)

	err := Run(strings.NewReader(input), &bytes.Buffer{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, deeptree.ErrMarshal)
}

func TestRun_ValidModes(t *testing.T) {
	tests := []struct {
		annotation string
		value      string
	}{
		{AnnotationArrayMode, "concat"},
		{AnnotationArrayMode, "dedup"},
		{AnnotationArrayMode, "replace"},
		{AnnotationArrayMode, "DEDUP"},
		{AnnotationArrayMode, " replace "},
		{AnnotationConflict, "incoming"},
		{AnnotationConflict, "existing"},
		{AnnotationConflict, "error"},
		{AnnotationConflict, "ERROR"},
		{AnnotationConflict, " existing "},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s=%s", tt.annotation, tt.value), func(t *testing.T) {
			input := buildResourceList(baseConfigMap().
				withAnnotation(tt.annotation, tt.value).
				withData("config.yaml", "foo: bar"))
			assert.NoError(t, Run(strings.NewReader(input), &bytes.Buffer{}, nil))
		})
	}
}

func TestRun_Logging(t *testing.T) {
	var logs bytes.Buffer
	logger := hclog.New(&hclog.LoggerOptions{Level: hclog.Debug, Output: &logs})

	require.NoError(t, Run(bytes.NewReader(basicInput), &bytes.Buffer{}, logger))
	assert.Contains(t, logs.String(), "merging data key")
	assert.Contains(t, logs.String(), "id=app")
}

// Helper functions

type configMapBuilder struct {
	name        string
	annotations map[string]string
	data        map[string]string
}

func newConfigMap(name string) *configMapBuilder {
	return &configMapBuilder{
		name:        name,
		annotations: make(map[string]string),
		data:        make(map[string]string),
	}
}

func baseConfigMap() *configMapBuilder {
	return newConfigMap("base").
		withAnnotation(AnnotationID, "test").
		withAnnotation(AnnotationOrder, "0").
		withAnnotation(AnnotationFinalName, "final")
}

func overlayConfigMap(name, order string) *configMapBuilder {
	return newConfigMap(name).
		withAnnotation(AnnotationID, "test").
		withAnnotation(AnnotationOrder, order)
}

func (b *configMapBuilder) withAnnotation(key, value string) *configMapBuilder {
	b.annotations[key] = value
	return b
}

func (b *configMapBuilder) withData(key, value string) *configMapBuilder {
	b.data[key] = value
	return b
}

// buildResourceList renders a ResourceList holding the given ConfigMaps.
func buildResourceList(configMaps ...*configMapBuilder) string {
	items := make([]map[string]any, 0, len(configMaps))
	for _, cm := range configMaps {
		metadata := map[string]any{"name": cm.name}
		if len(cm.annotations) > 0 {
			metadata["annotations"] = cm.annotations
		}
		item := map[string]any{
			"apiVersion": "v1",
			"kind":       "ConfigMap",
			"metadata":   metadata,
		}
		if len(cm.data) > 0 {
			data := make(map[string]string, len(cm.data))
			for k, v := range cm.data {
				data[k] = v + "\n"
			}
			item["data"] = data
		}
		items = append(items, item)
	}

	out, err := yaml.Marshal(ResourceList{APIVersion: "v1", Kind: "ResourceList", Items: items})
	if err != nil {
		panic(err)
	}
	return string(out)
}

// buildErrorTestInput builds a base ConfigMap; an empty override removes the annotation.
func buildErrorTestInput(overrides map[string]string) string {
	cm := baseConfigMap().withData("config.yaml", "foo: bar")
	for k, v := range overrides {
		if v == "" {
			delete(cm.annotations, k)
			continue
		}
		cm.withAnnotation(k, v)
	}
	return buildResourceList(cm)
}

func run(t *testing.T, input string) ResourceList {
	t.Helper()

	var output bytes.Buffer
	require.NoError(t, Run(strings.NewReader(input), &output, nil))

	var result ResourceList
	require.NoError(t, yaml.Unmarshal(output.Bytes(), &result))
	return result
}

func parseConfigData(t *testing.T, cm ConfigMap, key string) map[string]any {
	t.Helper()

	var config map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(cm.Data[key]), &config), "failed to unmarshal %s", key)
	return config
}

func findConfigMapByName(t *testing.T, items []map[string]any, name string) ConfigMap {
	t.Helper()

	for _, item := range items {
		cm, ok, err := parseConfigMap(item)
		require.NoError(t, err)
		if ok && cm.Name == name {
			return cm
		}
	}

	t.Fatalf("ConfigMap %q not found in output", name)
	return ConfigMap{}
}
