package discovery

import (
	"reflect"
	"testing"

	"github.com/morezero/component-mesh/pkg/component"
)

func TestFlattenAndParseTags(t *testing.T) {
	tags := FlattenMeta(map[string]string{"zone": "eu-1", "owner": "data", "url": "http://x:80"})
	want := []string{"owner:data", "url:http://x:80", "zone:eu-1"}
	if !reflect.DeepEqual(tags, want) {
		t.Fatalf("discovery:tags_test - FlattenMeta = %v, want %v", tags, want)
	}
	parsed := ParseTags(append(tags, "capability:analyze", "capability:export", "bare"))
	if parsed["url"][0] != "http://x:80" {
		t.Errorf("discovery:tags_test - value with colon = %q", parsed["url"][0])
	}
	if len(parsed["capability"]) != 2 {
		t.Errorf("discovery:tags_test - capability values = %v", parsed["capability"])
	}
	if _, ok := parsed["bare"]; !ok {
		t.Error("discovery:tags_test - bare tag should be kept")
	}
}

func TestManifestMetaRoundTrip(t *testing.T) {
	m := component.CapabilityManifest{
		Names:           []string{"analyze"},
		Operations:      []string{"run", "status"},
		ToolEntrypoints: []string{"insights.run"},
		ExtraTags:       map[string]string{"team": "data"},
	}
	got := ManifestFromMeta(ManifestMeta(m))
	if !reflect.DeepEqual(got, m) {
		t.Errorf("discovery:tags_test - round trip = %+v, want %+v", got, m)
	}

	broken := ManifestFromMeta(map[string]string{MetaNames: "not-json"})
	if len(broken.Names) != 0 {
		t.Errorf("discovery:tags_test - malformed names should be ignored, got %v", broken.Names)
	}
}

func TestRegistrationTags(t *testing.T) {
	desc := component.Descriptor{
		Name:          "Insights",
		Tier:          component.TierOrchestrator,
		StartupPolicy: component.PolicyLazy,
		Dependencies:  []string{"Parser"},
		Capabilities:  []string{"analyze"},
		Version:       "1.2.0",
		ExtraTags:     map[string]string{"region": "eu"},
	}
	manifest := component.CapabilityManifest{Names: []string{"analyze", "summarize"}, Operations: []string{"run"}, ToolEntrypoints: []string{"insights.run"}}
	tags := RegistrationTags(desc, manifest, nil)
	parsed := ParseTags(tags)

	checks := map[string][]string{
		"name":       {"Insights"},
		"tier":       {"orchestrator"},
		"policy":     {"lazy"},
		"version":    {"1.2.0"},
		"capability": {"analyze", "summarize"},
		"dependency": {"Parser"},
		"operation":  {"run"},
		"tool":       {"insights.run"},
		"region":     {"eu"},
	}
	for k, want := range checks {
		if !reflect.DeepEqual(parsed[k], want) {
			t.Errorf("discovery:tags_test - tag %s = %v, want %v", k, parsed[k], want)
		}
	}
}
