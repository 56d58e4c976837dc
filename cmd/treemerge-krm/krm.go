// SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/hashicorp/go-hclog"

	"github.com/sam-fredrickson/deeptree"
)

// KRM annotation constants.
const (
	// AnnotationBase is the prefix shared by all deeptree annotations.
	AnnotationBase = "config.deeptree.io/"

	// AnnotationID groups the ConfigMaps that are merged together.
	AnnotationID = AnnotationBase + "id"

	// AnnotationOrder sets the merge position inside a group; lower merges first.
	// The ConfigMap with order 0 is the base.
	AnnotationOrder = AnnotationBase + "order"

	// AnnotationFinalName is the metadata.name of the merged ConfigMap.
	// Required on the base.
	AnnotationFinalName = AnnotationBase + "final-name"

	// AnnotationArrayMode selects how arrays are merged: concat, dedup or replace.
	AnnotationArrayMode = AnnotationBase + "array-mode"

	// AnnotationConflict selects how shape conflicts resolve: incoming, existing or error.
	AnnotationConflict = AnnotationBase + "conflict"

	// AnnotationReservedKeys lists comma-separated keys never copied from this ConfigMap.
	AnnotationReservedKeys = AnnotationBase + "reserved-keys"
)

// TypeMeta describes an individual object in a ResourceList.
type TypeMeta struct {
	APIVersion string `yaml:"apiVersion" json:"apiVersion"`
	Kind       string `yaml:"kind" json:"kind"`
}

// ObjectMeta is metadata that all persisted resources must have.
type ObjectMeta struct {
	Name        string            `yaml:"name,omitempty" json:"name,omitempty"`
	Namespace   string            `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Annotations map[string]string `yaml:"annotations,omitempty" json:"annotations,omitempty"`
}

// ConfigMap represents a Kubernetes ConfigMap resource.
type ConfigMap struct {
	TypeMeta   `yaml:",inline" json:",inline"`
	ObjectMeta `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Data       map[string]string `yaml:"data,omitempty" json:"data,omitempty"`
}

// ResourceList is the input/output format for KRM functions.
// See: https://github.com/kubernetes-sigs/kustomize/blob/master/cmd/config/docs/api-conventions/functions-spec.md
type ResourceList struct {
	APIVersion string           `yaml:"apiVersion" json:"apiVersion"`
	Kind       string           `yaml:"kind" json:"kind"`
	Items      []map[string]any `yaml:"items" json:"items"`
}

// layer is one annotated ConfigMap of a group together with its merger.
type layer struct {
	order     int
	configMap ConfigMap
	merger    *deeptree.Merger
	finalName string
}

// group holds the layers sharing an id, sorted by order.
type group struct {
	id     string
	layers []*layer
}

// Run reads a ResourceList from in, merges every annotated ConfigMap group and
// writes the resulting ResourceList to out.
func Run(in io.Reader, out io.Writer, logger hclog.Logger) error {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	rl, err := readResourceList(in)
	if err != nil {
		return fmt.Errorf("failed to read ResourceList: %w", err)
	}

	groups, passthrough, err := groupConfigMaps(rl, logger)
	if err != nil {
		return fmt.Errorf("failed to group ConfigMaps: %w", err)
	}

	items := passthrough
	for _, g := range groups {
		merged, err := mergeGroup(g, logger.With("id", g.id))
		if err != nil {
			return fmt.Errorf("failed to merge ConfigMap group %q: %w", g.id, err)
		}
		items = append(items, merged)
	}

	result := ResourceList{
		APIVersion: "v1",
		Kind:       "ResourceList",
		Items:      items,
	}
	if err := writeResourceList(out, result); err != nil {
		return fmt.Errorf("failed to write ResourceList: %w", err)
	}
	return nil
}

func readResourceList(r io.Reader) (*ResourceList, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	var rl ResourceList
	if err := yaml.Unmarshal(data, &rl); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ResourceList: %w", err)
	}
	return &rl, nil
}

func writeResourceList(w io.Writer, rl ResourceList) error {
	data, err := yaml.Marshal(rl)
	if err != nil {
		return fmt.Errorf("failed to marshal ResourceList: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

// groupConfigMaps splits items into annotated groups, ordered by id, and
// passthrough resources, kept in input order.
func groupConfigMaps(rl *ResourceList, logger hclog.Logger) ([]*group, []map[string]any, error) {
	byID := make(map[string]*group)
	var passthrough []map[string]any

	for _, item := range rl.Items {
		cm, ok, err := parseConfigMap(item)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse resource: %w", err)
		}
		id := cm.Annotations[AnnotationID]
		if !ok || id == "" {
			passthrough = append(passthrough, item)
			continue
		}

		l, err := parseLayer(cm)
		if err != nil {
			return nil, nil, fmt.Errorf("ConfigMap %q: %w", cm.Name, err)
		}
		logger.Debug("found layer", "id", id, "name", cm.Name, "order", l.order)

		g, ok := byID[id]
		if !ok {
			g = &group{id: id}
			byID[id] = g
		}
		g.layers = append(g.layers, l)
	}

	groups := make([]*group, 0, len(byID))
	for _, id := range slices.Sorted(maps.Keys(byID)) {
		g := byID[id]
		if err := g.prepare(); err != nil {
			return nil, nil, fmt.Errorf("ConfigMap group %q: %w", id, err)
		}
		groups = append(groups, g)
	}
	return groups, passthrough, nil
}

// parseConfigMap converts item to a ConfigMap; ok is false for other kinds.
func parseConfigMap(item map[string]any) (cm ConfigMap, ok bool, err error) {
	kind, _ := item["kind"].(string)
	if kind != "ConfigMap" {
		return ConfigMap{}, false, nil
	}

	data, err := yaml.Marshal(item)
	if err != nil {
		return ConfigMap{}, false, fmt.Errorf("failed to marshal item: %w", err)
	}
	if err := yaml.Unmarshal(data, &cm); err != nil {
		return ConfigMap{}, false, fmt.Errorf("failed to unmarshal ConfigMap: %w", err)
	}
	return cm, true, nil
}

func parseLayer(cm ConfigMap) (*layer, error) {
	orderStr := cm.Annotations[AnnotationOrder]
	if orderStr == "" {
		return nil, fmt.Errorf("missing required annotation %q", AnnotationOrder)
	}
	order, err := strconv.Atoi(orderStr)
	if err != nil {
		return nil, fmt.Errorf("invalid %q annotation: %w", AnnotationOrder, err)
	}

	opts, err := parseOptions(cm.Annotations)
	if err != nil {
		return nil, err
	}
	merger, err := deeptree.NewMerger(opts)
	if err != nil {
		return nil, err
	}

	return &layer{
		order:     order,
		configMap: cm,
		merger:    merger,
		finalName: cm.Annotations[AnnotationFinalName],
	}, nil
}

// parseOptions reads merge options from annotations; absent annotations keep defaults.
func parseOptions(annotations map[string]string) (deeptree.Options, error) {
	var opts deeptree.Options

	if s := annotations[AnnotationArrayMode]; s != "" {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "concat":
			opts.ArrayMode = deeptree.ArrayConcat
		case "dedup":
			opts.ArrayMode = deeptree.ArrayDedup
		case "replace":
			opts.ArrayMode = deeptree.ArrayReplace
		default:
			return opts, fmt.Errorf("invalid %q annotation: unknown array mode %q (must be concat, dedup, or replace)", AnnotationArrayMode, s)
		}
	}

	if s := annotations[AnnotationConflict]; s != "" {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "incoming":
			opts.ConflictMode = deeptree.ConflictIncoming
		case "existing":
			opts.ConflictMode = deeptree.ConflictKeepExisting
		case "error":
			opts.ConflictMode = deeptree.ConflictError
		default:
			return opts, fmt.Errorf("invalid %q annotation: unknown conflict mode %q (must be incoming, existing, or error)", AnnotationConflict, s)
		}
	}

	if s := annotations[AnnotationReservedKeys]; s != "" {
		for key := range strings.SplitSeq(s, ",") {
			if key = strings.TrimSpace(key); key != "" {
				opts.ReservedKeys = append(opts.ReservedKeys, key)
			}
		}
	}

	return opts, nil
}

// prepare sorts the layers by order and validates the base.
func (g *group) prepare() error {
	slices.SortStableFunc(g.layers, func(a, b *layer) int {
		return cmp.Compare(a.order, b.order)
	})

	base := g.layers[0]
	if base.order != 0 {
		return fmt.Errorf("no base ConfigMap with order=0 (lowest order is %d)", base.order)
	}
	if base.finalName == "" {
		return fmt.Errorf("base ConfigMap %q missing required annotation %q", base.configMap.Name, AnnotationFinalName)
	}
	return nil
}

// mergeGroup merges every data key of the group into one ConfigMap named
// after the base's final-name annotation.
func mergeGroup(g *group, logger hclog.Logger) (map[string]any, error) {
	base := g.layers[0]

	keys := make(map[string]struct{})
	for _, l := range g.layers {
		for key := range l.configMap.Data {
			keys[key] = struct{}{}
		}
	}

	data := make(map[string]string, len(keys))
	for _, key := range slices.Sorted(maps.Keys(keys)) {
		merged, err := mergeDataKey(g, key, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to merge data key %q: %w", key, err)
		}
		if merged != "" {
			data[key] = merged
		}
	}

	result := ConfigMap{
		TypeMeta: TypeMeta{APIVersion: "v1", Kind: "ConfigMap"},
		ObjectMeta: ObjectMeta{
			Name:        base.finalName,
			Namespace:   base.configMap.Namespace,
			Labels:      base.configMap.Labels,
			Annotations: filterAnnotations(base.configMap.Annotations),
		},
		Data: data,
	}

	raw, err := yaml.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged ConfigMap: %w", err)
	}
	var item map[string]any
	if err := yaml.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal merged ConfigMap: %w", err)
	}
	return item, nil
}

// mergeDataKey folds the values of one data key in layer order. Each step
// uses the merger of the layer supplying the value.
func mergeDataKey(g *group, key string, logger hclog.Logger) (string, error) {
	var present []*layer
	for _, l := range g.layers {
		if l.configMap.Data[key] != "" {
			present = append(present, l)
		}
	}
	switch len(present) {
	case 0:
		return "", nil
	case 1:
		return present[0].configMap.Data[key], nil
	}

	format := formatFromKey(key)
	logger.Debug("merging data key", "key", key, "format", format, "layers", len(present))

	result := []byte(present[0].configMap.Data[key])
	for _, l := range present[1:] {
		merged, err := l.merger.MergeMarshal(format.Unmarshal, format.Marshal, result, []byte(l.configMap.Data[key]))
		if err != nil {
			return "", fmt.Errorf("ConfigMap %q (format: %s): %w", l.configMap.Name, format, err)
		}
		result = merged
	}
	return string(result), nil
}

// formatFromKey detects the format of a data key from its extension.
// Keys without a known extension are YAML.
func formatFromKey(key string) deeptree.Format {
	f, err := deeptree.FormatFromPath(key)
	if err != nil {
		return deeptree.FormatYAML
	}
	return f
}

// filterAnnotations drops deeptree annotations; it returns nil when nothing is left.
func filterAnnotations(annotations map[string]string) map[string]string {
	filtered := make(map[string]string)
	for key, value := range annotations {
		if !strings.HasPrefix(key, AnnotationBase) {
			filtered[key] = value
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	return filtered
}
