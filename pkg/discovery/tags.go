package discovery

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/morezero/component-mesh/pkg/component"
)

// Meta keys under which Service encodes the capability manifest. Values are JSON arrays.
const (
	MetaNames           = "manifest.names"
	MetaOperations      = "manifest.operations"
	MetaToolEntrypoints = "manifest.tool_entrypoints"
)

// FlattenMeta turns meta into sorted "key:value" tags.
func FlattenMeta(meta map[string]string) []string {
	tags := make([]string, 0, len(meta))
	for k, v := range meta {
		tags = append(tags, k+":"+v)
	}
	sort.Strings(tags)
	return tags
}

// ParseTags groups "key:value" tags by key. Tags without a colon are grouped under
// their full text with an empty value.
func ParseTags(tags []string) map[string][]string {
	out := make(map[string][]string)
	for _, tag := range tags {
		k, v, _ := strings.Cut(tag, ":")
		out[k] = append(out[k], v)
	}
	return out
}

// ManifestMeta encodes a manifest (including its ExtraTags) as meta entries.
func ManifestMeta(m component.CapabilityManifest) map[string]string {
	meta := make(map[string]string, 3+len(m.ExtraTags))
	for k, v := range m.ExtraTags {
		meta[k] = v
	}
	put := func(key string, values []string) {
		if len(values) == 0 {
			return
		}
		data, _ := json.Marshal(values)
		meta[key] = string(data)
	}
	put(MetaNames, m.Names)
	put(MetaOperations, m.Operations)
	put(MetaToolEntrypoints, m.ToolEntrypoints)
	return meta
}

// ManifestFromMeta is the inverse of ManifestMeta. Entries that are not manifest keys
// become ExtraTags; malformed manifest values are ignored.
func ManifestFromMeta(meta map[string]string) component.CapabilityManifest {
	var m component.CapabilityManifest
	get := func(key string) []string {
		raw, ok := meta[key]
		if !ok {
			return nil
		}
		var values []string
		if err := json.Unmarshal([]byte(raw), &values); err != nil {
			return nil
		}
		return values
	}
	m.Names = get(MetaNames)
	m.Operations = get(MetaOperations)
	m.ToolEntrypoints = get(MetaToolEntrypoints)
	for k, v := range meta {
		switch k {
		case MetaNames, MetaOperations, MetaToolEntrypoints:
			continue
		}
		if m.ExtraTags == nil {
			m.ExtraTags = make(map[string]string)
		}
		m.ExtraTags[k] = v
	}
	return m
}

// RegistrationTags renders the well-known tags of a registration followed by its
// passthrough tags.
func RegistrationTags(desc component.Descriptor, manifest component.CapabilityManifest, meta map[string]string) []string {
	tags := []string{
		component.TagKindName + ":" + desc.Name,
		component.TagKindTier + ":" + string(desc.Tier),
		component.TagKindPolicy + ":" + string(desc.StartupPolicy),
	}
	if desc.Version != "" {
		tags = append(tags, component.TagKindVersion+":"+desc.Version)
	}
	caps := append(append([]string{}, desc.Capabilities...), manifest.Names...)
	seen := make(map[string]bool, len(caps))
	for _, c := range caps {
		if seen[c] {
			continue
		}
		seen[c] = true
		tags = append(tags, component.TagKindCapability+":"+c)
	}
	for _, d := range desc.Dependencies {
		tags = append(tags, component.TagKindDependency+":"+d)
	}
	for _, op := range manifest.Operations {
		tags = append(tags, component.TagKindOperation+":"+op)
	}
	for _, tool := range manifest.ToolEntrypoints {
		tags = append(tags, component.TagKindTool+":"+tool)
	}

	extra := make(map[string]string)
	for k, v := range desc.ExtraTags {
		extra[k] = v
	}
	for k, v := range manifest.ExtraTags {
		extra[k] = v
	}
	return append(tags, FlattenMeta(extra)...)
}
