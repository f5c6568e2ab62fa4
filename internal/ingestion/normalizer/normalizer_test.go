package normalizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socops/ingestcore/internal/ingestion/model"
)

func rawEvent(data map[string]interface{}) model.RawEvent {
	return model.RawEvent{ID: "evt-1", ConnectorID: 1, RawData: data}
}

func TestNormalizeAppliesDefaults(t *testing.T) {
	n := New(nil, nil)
	res, err := n.Normalize(rawEvent(map[string]interface{}{"foo": "bar"}), "unknown-vendor", "my-connector", "org-1")
	require.NoError(t, err)
	require.NotNil(t, res.Alert)
	assert.Equal(t, "Alert from unknown-vendor", res.Alert.Title)
	assert.Equal(t, model.SeverityMedium, res.Alert.Severity)
	assert.Equal(t, "my-connector", res.Alert.Source)
	assert.Equal(t, model.AlertNew, res.Alert.Status)
	assert.Equal(t, map[string]interface{}{"foo": "bar"}, res.Alert.Metadata["originalData"])
}

func TestNormalizeUsesRawEventTitleWhenNoRuleSetsOne(t *testing.T) {
	n := New(nil, nil)
	e := model.RawEvent{ID: "evt-1", ConnectorID: 1, RawData: map[string]interface{}{}, Title: "Agente host-a inactivo"}
	res, err := n.Normalize(e, "agent", "agent-connector", "org-1")
	require.NoError(t, err)
	require.NotNil(t, res.Alert)
	assert.Equal(t, "Agente host-a inactivo", res.Alert.Title)
}

func TestNormalizeRuleExtraction(t *testing.T) {
	n := New(nil, nil)
	n.RegisterRules(VendorRuleSet{
		Vendor: "acme",
		Rules: []FieldRule{
			{Field: "title", Path: "alert.name"},
			{Field: "severity", Path: "alert.level"},
		},
	})

	res, err := n.Normalize(rawEvent(map[string]interface{}{
		"alert": map[string]interface{}{"name": "Suspicious login", "level": "high"},
	}), "acme", "conn", "org-1")
	require.NoError(t, err)
	assert.Equal(t, "Suspicious login", res.Alert.Title)
	assert.Equal(t, model.SeverityHigh, res.Alert.Severity)
}

func TestNormalizeSkipsMissingRequiredField(t *testing.T) {
	n := New(nil, nil)
	n.RegisterRules(VendorRuleSet{
		Vendor: "acme",
		Rules: []FieldRule{
			{Field: "title", Path: "alert.name", Required: true},
		},
	})

	_, err := n.Normalize(rawEvent(map[string]interface{}{"other": "field"}), "acme", "conn", "org-1")
	assert.Error(t, err)
	assert.EqualValues(t, 1, n.SkippedCount())
}

type fakeAIParser struct {
	title, description string
	ok                  bool
}

func (f fakeAIParser) Parse(raw map[string]interface{}) (string, string, bool) {
	return f.title, f.description, f.ok
}

func TestNormalizeFallsBackToAIParser(t *testing.T) {
	n := New(fakeAIParser{title: "AI derived title", description: "AI desc", ok: true}, nil)
	res, err := n.Normalize(rawEvent(map[string]interface{}{"nothing": "useful"}), "unknown", "conn", "org-1")
	require.NoError(t, err)
	assert.Equal(t, "AI derived title", res.Alert.Title)
	assert.Equal(t, "ai", res.Alert.Metadata["parser"])
}

func TestNormalizeAIFallbackMissDiscardsRecord(t *testing.T) {
	n := New(fakeAIParser{ok: false}, nil)
	_, err := n.Normalize(rawEvent(map[string]interface{}{"nothing": "useful"}), "unknown", "conn", "org-1")
	assert.Error(t, err)
	assert.EqualValues(t, 1, n.AIMissCount())
}

func TestSeverityMappingNumeric(t *testing.T) {
	cases := []struct {
		raw  string
		want model.Severity
	}{
		{"9", model.SeverityCritical},
		{"9.5", model.SeverityCritical},
		{"7", model.SeverityHigh},
		{"4", model.SeverityMedium},
		{"1", model.SeverityLow},
	}
	for _, tc := range cases {
		got := mapSeverity("", tc.raw, nil)
		assert.Equal(t, tc.want, got, "raw=%s", tc.raw)
	}
}

func TestSeverityMappingStrings(t *testing.T) {
	cases := map[string]model.Severity{
		"critical":      model.SeverityCritical,
		"fatal":         model.SeverityCritical,
		"high":          model.SeverityHigh,
		"danger":        model.SeverityHigh,
		"medium":        model.SeverityMedium,
		"amber":         model.SeverityMedium,
		"low":           model.SeverityLow,
		"informational": model.SeverityLow,
		"gibberish":     model.SeverityMedium,
	}
	for raw, want := range cases {
		assert.Equal(t, want, stringSeverity(raw), "raw=%s", raw)
	}
}

// TestSeverityMappingIdempotent verifies S8: re-mapping an already
// canonical severity string yields the same value.
func TestSeverityMappingIdempotent(t *testing.T) {
	for _, s := range []model.Severity{model.SeverityLow, model.SeverityMedium, model.SeverityHigh, model.SeverityCritical} {
		once := mapSeverity("", string(s), nil)
		twice := mapSeverity("", string(once), nil)
		assert.Equal(t, once, twice)
	}
}

func TestVirusTotalSeverityRatio(t *testing.T) {
	payload := map[string]interface{}{
		"attributes": map[string]interface{}{
			"last_analysis_stats": map[string]interface{}{
				"malicious": 60.0, "harmless": 20.0, "suspicious": 10.0, "undetected": 10.0,
			},
		},
	}
	got := mapSeverity("VirusTotal", "", payload)
	assert.Equal(t, model.SeverityCritical, got)
}

func TestMISPSeverityMapping(t *testing.T) {
	cases := map[float64]model.Severity{
		1: model.SeverityCritical,
		2: model.SeverityHigh,
		3: model.SeverityMedium,
		4: model.SeverityLow,
	}
	for level, want := range cases {
		got := mapSeverity("MISP", "", map[string]interface{}{"threat_level_id": level})
		assert.Equal(t, want, got)
	}
}

func TestOTXSeverityMapping(t *testing.T) {
	cases := map[string]model.Severity{
		"red":   model.SeverityCritical,
		"amber": model.SeverityHigh,
		"green": model.SeverityMedium,
		"white": model.SeverityLow,
	}
	for tlp, want := range cases {
		got := mapSeverity("OTX", "", map[string]interface{}{"tlp": tlp})
		assert.Equal(t, want, got)
	}
}

func TestExtractIOCsMISP(t *testing.T) {
	payload := map[string]interface{}{
		"Attribute": []interface{}{
			map[string]interface{}{"type": "ip-dst", "value": "1.2.3.4"},
			map[string]interface{}{"type": "domain", "value": "evil.example"},
			map[string]interface{}{"type": "sha256", "value": "abc123"},
		},
	}
	iocs := extractIOCs("misp", payload)
	assert.Contains(t, iocs.IPs, "1.2.3.4")
	assert.Contains(t, iocs.Domains, "evil.example")
	assert.Contains(t, iocs.Hashes, "abc123")
}

func TestExtractIOCsOTX(t *testing.T) {
	payload := map[string]interface{}{
		"indicators": []interface{}{
			map[string]interface{}{"type": "IPv4", "indicator": "5.6.7.8"},
			map[string]interface{}{"type": "URL", "indicator": "http://evil.example"},
		},
	}
	iocs := extractIOCs("otx", payload)
	assert.Contains(t, iocs.IPs, "5.6.7.8")
	assert.Contains(t, iocs.URLs, "http://evil.example")
}

func TestExtractIOCsVirusTotal(t *testing.T) {
	payload := map[string]interface{}{
		"attributes": map[string]interface{}{
			"ip_address": "9.9.9.9",
			"sha256":     "deadbeef",
		},
	}
	iocs := extractIOCs("virustotal", payload)
	assert.Contains(t, iocs.IPs, "9.9.9.9")
	assert.Contains(t, iocs.Hashes, "deadbeef")
}

func TestNormalizeProducesThreatIntelWhenIOCsFound(t *testing.T) {
	n := New(nil, nil)
	res, err := n.Normalize(rawEvent(map[string]interface{}{
		"Attribute": []interface{}{
			map[string]interface{}{"type": "ip-dst", "value": "1.2.3.4"},
		},
	}), "misp", "conn", "org-1")
	require.NoError(t, err)
	require.NotNil(t, res.ThreatIntel)
	assert.Equal(t, model.IntelIOC, res.ThreatIntel.Type)
	assert.Contains(t, res.ThreatIntel.IOCs.IPs, "1.2.3.4")
}

func TestNormalizeNoIOCsProducesNilThreatIntel(t *testing.T) {
	n := New(nil, nil)
	res, err := n.Normalize(rawEvent(map[string]interface{}{"foo": "bar"}), "unknown", "conn", "org-1")
	require.NoError(t, err)
	assert.Nil(t, res.ThreatIntel)
}

func TestIOCsMergeDeduplicates(t *testing.T) {
	a := model.IOCs{IPs: []string{"1.1.1.1"}}
	a.Merge(model.IOCs{IPs: []string{"1.1.1.1", "2.2.2.2"}})
	assert.Equal(t, []string{"1.1.1.1", "2.2.2.2"}, a.IPs)
}
