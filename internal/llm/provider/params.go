package provider

import (
	_ "embed"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed params.yaml
var defaultParamTables []byte

// ParamRules describe which request parameters a provider or model accepts.
type ParamRules struct {
	Supported   []string          `yaml:"supported"`
	Unsupported []string          `yaml:"unsupported"`
	Mapping     map[string]string `yaml:"mapping"`
	Defaults    map[string]any    `yaml:"defaults"`
}

type providerRules struct {
	ParamRules `yaml:",inline"`
	Models     map[string]ParamRules `yaml:"models"`
}

type paramTables struct {
	Providers map[string]providerRules `yaml:"providers"`
}

var (
	intParams   = map[string]bool{"max_tokens": true}
	floatParams = map[string]bool{"temperature": true, "top_p": true, "presence_penalty": true, "frequency_penalty": true}
	boolParams  = map[string]bool{"stream": true}
)

// ParameterHandler normalizes free-form client params for one provider.
type ParameterHandler struct {
	provider string
	rules    providerRules
}

// NewParameterHandler uses the built-in tables.
func NewParameterHandler(provider string) *ParameterHandler {
	h, err := NewParameterHandlerFrom(defaultParamTables, provider)
	if err != nil {
		panic(fmt.Sprintf("embedded params.yaml: %v", err))
	}
	return h
}

// NewParameterHandlerFrom parses a YAML table document.
func NewParameterHandlerFrom(doc []byte, provider string) (*ParameterHandler, error) {
	var t paramTables
	if err := yaml.Unmarshal(doc, &t); err != nil {
		return nil, fmt.Errorf("parse parameter tables: %w", err)
	}
	name := normalizeName(provider)
	return &ParameterHandler{provider: name, rules: t.Providers[name]}, nil
}

// Rules returns the merged provider and model rules.
func (h *ParameterHandler) Rules(model string) ParamRules {
	base := h.rules.ParamRules
	override, ok := h.rules.Models[model]
	if !ok {
		return base
	}

	out := ParamRules{
		Supported: base.Supported,
		Mapping:   mergeMap(base.Mapping, override.Mapping),
		Defaults:  mergeMap(base.Defaults, override.Defaults),
	}
	if override.Supported != nil {
		out.Supported = override.Supported
	}
	seen := map[string]bool{}
	for _, p := range append(append([]string{}, base.Unsupported...), override.Unsupported...) {
		if !seen[p] {
			seen[p] = true
			out.Unsupported = append(out.Unsupported, p)
		}
	}
	return out
}

// Normalize applies defaults, drops unsupported and unknown keys, renames
// keys and coerces well-known numeric and boolean values.
func (h *ParameterHandler) Normalize(model string, raw map[string]any) map[string]any {
	rules := h.Rules(model)
	out := make(map[string]any, len(rules.Defaults)+len(raw))
	for k, v := range rules.Defaults {
		out[k] = v
	}

	supported := toSet(rules.Supported)
	unsupported := toSet(rules.Unsupported)
	for k, v := range raw {
		if k == "model" || k == "messages" || unsupported[k] || !supported[k] {
			continue
		}
		key := k
		if mapped, ok := rules.Mapping[k]; ok && mapped != "" {
			key = mapped
		}
		out[key] = coerce(k, v)
	}
	return out
}

// Supports reports whether the provider accepts param at all.
func (h *ParameterHandler) Supports(param string) bool {
	for _, p := range h.rules.Supported {
		if p == param {
			return true
		}
	}
	return false
}

func coerce(key string, v any) any {
	switch {
	case boolParams[key]:
		return toBool(v)
	case intParams[key]:
		return int(math.Trunc(toFloat(v)))
	case floatParams[key]:
		return toFloat(v)
	}
	return v
}

func toBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "true", "yes", "on":
			return true
		}
	}
	return false
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err == nil {
			return f
		}
	}
	return 0
}

func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, i := range items {
		s[i] = true
	}
	return s
}

func mergeMap[V any](base, override map[string]V) map[string]V {
	out := make(map[string]V, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
