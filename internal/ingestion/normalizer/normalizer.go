// Package normalizer maps vendor-shaped raw payloads into the canonical
// Alert/ThreatIntel shape: rule-driven field extraction via gjson/jsonpath,
// severity mapping, IOC extraction, and an AI-fallback parser hook.
package normalizer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/PaesslerAG/jsonpath"
	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/socops/ingestcore/internal/ingestion/model"
	"github.com/socops/ingestcore/pkg/logger"
)

// FieldRule extracts a single Alert/ThreatIntel field from the raw
// payload via a gjson path, with an optional goja transform expression
// evaluated against the extracted value (bound as `value` in the script).
type FieldRule struct {
	Field     string // destination field name, e.g. "title", "severity"
	Path      string // gjson dotted path into the raw payload
	Required  bool
	Transform string // optional goja expression, e.g. "value.toUpperCase()"
}

// VendorRuleSet is the full extraction rule set for one vendor label.
type VendorRuleSet struct {
	Vendor string
	Rules  []FieldRule
}

// AIFallbackParser is the external collaborator invoked when no rule
// produces a usable title. With a nil Parser no fallback runs: the
// Alert gets the default title "Alert from <vendor>" and is kept.
type AIFallbackParser interface {
	Parse(raw map[string]interface{}) (title, description string, ok bool)
}

// Normalizer is pure with respect to storage: it returns structures; the
// caller is responsible for persistence and any side effects.
type Normalizer struct {
	rules map[string]VendorRuleSet
	ai    AIFallbackParser
	log   *logger.Logger

	skipped  int64
	aiMisses int64
}

// New constructs a Normalizer. ai may be nil (untitled records then get
// the default title instead of an AI fallback).
func New(ai AIFallbackParser, log *logger.Logger) *Normalizer {
	if log == nil {
		log = logger.NewDefault("normalizer")
	}
	return &Normalizer{rules: map[string]VendorRuleSet{}, ai: ai, log: log}
}

// RegisterRules installs (or replaces) the rule set for a vendor label.
func (n *Normalizer) RegisterRules(rs VendorRuleSet) {
	n.rules[rs.Vendor] = rs
}

// SkippedCount returns the number of records skipped for missing required
// fields, across this Normalizer's lifetime.
func (n *Normalizer) SkippedCount() int64 { return atomic.LoadInt64(&n.skipped) }

// AIMissCount returns the number of records discarded after an AI
// fallback miss.
func (n *Normalizer) AIMissCount() int64 { return atomic.LoadInt64(&n.aiMisses) }

// Result is what Normalize produces for a single input: zero or one
// Alert, zero or one ThreatIntel.
type Result struct {
	Alert       *model.Alert
	ThreatIntel *model.ThreatIntel
}

// Normalize runs the full per-input pipeline against a single raw event,
// identified by its source connector name and vendor label.
func (n *Normalizer) Normalize(e model.RawEvent, vendor, connectorName, orgID string) (Result, error) {
	raw := e.RawData
	if raw == nil {
		raw = map[string]interface{}{}
	}
	rawJSON, _ := json.Marshal(raw)

	fields := map[string]string{}
	if rs, ok := n.rules[vendor]; ok {
		for _, rule := range rs.Rules {
			val := extractField(rawJSON, rule.Path)
			if rule.Transform != "" && val != "" {
				if transformed, err := applyTransform(rule.Transform, val); err == nil {
					val = transformed
				}
			}
			if val == "" && rule.Required {
				atomic.AddInt64(&n.skipped, 1)
				return Result{}, fmt.Errorf("normalizer: missing required field %q for vendor %q", rule.Field, vendor)
			}
			if val != "" {
				fields[rule.Field] = val
			}
		}
	}

	title := fields["title"]
	description := fields["description"]
	if title == "" {
		title = e.Title
	}
	if title == "" {
		if n.ai != nil {
			if t, d, ok := n.ai.Parse(raw); ok {
				title, description = t, d
				fields["parser"] = "ai"
			} else {
				atomic.AddInt64(&n.aiMisses, 1)
				return Result{}, fmt.Errorf("normalizer: no title and ai fallback missed")
			}
		} else {
			title = fmt.Sprintf("Alert from %s", vendor)
		}
	}
	if description == "" {
		description = string(rawJSON)
	}

	severity := mapSeverity(vendor, fields["severity"], raw)

	metadata := map[string]interface{}{"originalData": raw}
	if p, ok := fields["parser"]; ok {
		metadata["parser"] = p
	}

	alert := &model.Alert{
		ID:             uuid.NewString(),
		Title:          title,
		Description:    description,
		Severity:       severity,
		Source:         connectorName,
		SourceIP:       fields["sourceIp"],
		DestinationIP:  fields["destinationIp"],
		Status:         model.AlertNew,
		OrganizationID: orgID,
		Metadata:       metadata,
	}

	iocs := extractIOCs(vendor, raw)
	var intel *model.ThreatIntel
	if !iocs.Empty() {
		intel = &model.ThreatIntel{
			ID:          uuid.NewString(),
			Type:        model.IntelIOC,
			Title:       title,
			Description: description,
			Source:      connectorName,
			Severity:    severity,
			Confidence:  50,
			IOCs:        iocs,
			Relevance:   model.RelevanceMedium,
		}
	}

	return Result{Alert: alert, ThreatIntel: intel}, nil
}

func extractField(rawJSON []byte, path string) string {
	if path == "" {
		return ""
	}
	res := gjson.GetBytes(rawJSON, path)
	if !res.Exists() {
		return ""
	}
	return res.String()
}

func applyTransform(expr, value string) (string, error) {
	vm := goja.New()
	if err := vm.Set("value", value); err != nil {
		return "", err
	}
	v, err := vm.RunString(expr)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

func mapSeverity(vendor, raw string, payload map[string]interface{}) model.Severity {
	switch strings.ToLower(vendor) {
	case "virustotal":
		if s, ok := virusTotalSeverity(payload); ok {
			return s
		}
	case "misp":
		if s, ok := mispSeverity(payload); ok {
			return s
		}
	case "otx":
		if s, ok := otxSeverity(payload); ok {
			return s
		}
	}
	if raw == "" {
		return model.SeverityMedium
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return numericSeverity(n)
	}
	return stringSeverity(raw)
}

func numericSeverity(n float64) model.Severity {
	switch {
	case n >= 9:
		return model.SeverityCritical
	case n >= 7:
		return model.SeverityHigh
	case n >= 4:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

func stringSeverity(s string) model.Severity {
	switch strings.ToLower(s) {
	case "critical", "fatal", "emergency", "severe":
		return model.SeverityCritical
	case "high", "important", "error", "danger", "red", "major":
		return model.SeverityHigh
	case "medium", "moderate", "warning", "amber", "yellow":
		return model.SeverityMedium
	case "low", "minor", "info", "informational", "green":
		return model.SeverityLow
	default:
		return model.SeverityMedium
	}
}

func virusTotalSeverity(payload map[string]interface{}) (model.Severity, bool) {
	attrs, _ := payload["attributes"].(map[string]interface{})
	stats, _ := attrs["last_analysis_stats"].(map[string]interface{})
	if stats == nil {
		return "", false
	}
	// Per §4.B the ratio is malicious/(malicious+clean): "clean" is the
	// harmless bucket. suspicious/undetected are excluded from the
	// denominator, matching scenario S6 (60 malicious, 20 harmless, 10
	// suspicious, 10 undetected -> 60/80 = 0.75 -> critical).
	malicious := toFloat(stats["malicious"])
	harmless := toFloat(stats["harmless"])
	total := malicious + harmless
	if total == 0 {
		return "", false
	}
	ratio := malicious / total
	switch {
	case ratio > 0.7:
		return model.SeverityCritical, true
	case ratio > 0.4:
		return model.SeverityHigh, true
	case ratio > 0.1:
		return model.SeverityMedium, true
	default:
		return model.SeverityLow, true
	}
}

func mispSeverity(payload map[string]interface{}) (model.Severity, bool) {
	raw, ok := payload["threat_level_id"]
	if !ok {
		return "", false
	}
	switch int(toFloat(raw)) {
	case 1:
		return model.SeverityCritical, true
	case 2:
		return model.SeverityHigh, true
	case 3:
		return model.SeverityMedium, true
	case 4:
		return model.SeverityLow, true
	default:
		return "", false
	}
}

func otxSeverity(payload map[string]interface{}) (model.Severity, bool) {
	tlp, ok := payload["tlp"].(string)
	if !ok {
		return "", false
	}
	switch strings.ToLower(tlp) {
	case "red":
		return model.SeverityCritical, true
	case "amber":
		return model.SeverityHigh, true
	case "green":
		return model.SeverityMedium, true
	case "white":
		return model.SeverityLow, true
	default:
		return "", false
	}
}

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}

func extractIOCs(vendor string, payload map[string]interface{}) model.IOCs {
	var out model.IOCs
	raw, err := json.Marshal(payload)
	if err != nil {
		return out
	}
	switch strings.ToLower(vendor) {
	case "misp":
		attrs, err := jsonpath.Get("$.Attribute[*]", mustAny(raw))
		if err == nil {
			for _, a := range toSlice(attrs) {
				appendMISPAttribute(&out, a)
			}
		}
	case "otx":
		indicators, err := jsonpath.Get("$.indicators[*]", mustAny(raw))
		if err == nil {
			for _, a := range toSlice(indicators) {
				appendOTXIndicator(&out, a)
			}
		}
	case "virustotal":
		appendVTAttributes(&out, payload)
	}
	return out
}

func mustAny(raw []byte) interface{} {
	var v interface{}
	_ = json.Unmarshal(raw, &v)
	return v
}

func toSlice(v interface{}) []map[string]interface{} {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(arr))
	for _, item := range arr {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

func appendMISPAttribute(out *model.IOCs, attr map[string]interface{}) {
	typ, _ := attr["type"].(string)
	val, _ := attr["value"].(string)
	if val == "" {
		return
	}
	switch {
	case strings.Contains(typ, "ip"):
		out.IPs = append(out.IPs, val)
	case strings.Contains(typ, "domain") || typ == "hostname":
		out.Domains = append(out.Domains, val)
	case strings.Contains(typ, "md5") || strings.Contains(typ, "sha"):
		out.Hashes = append(out.Hashes, val)
	case strings.Contains(typ, "url"):
		out.URLs = append(out.URLs, val)
	}
}

func appendOTXIndicator(out *model.IOCs, ind map[string]interface{}) {
	typ, _ := ind["type"].(string)
	val, _ := ind["indicator"].(string)
	if val == "" {
		return
	}
	switch strings.ToUpper(typ) {
	case "IPV4", "IPV6":
		out.IPs = append(out.IPs, val)
	case "DOMAIN", "HOSTNAME":
		out.Domains = append(out.Domains, val)
	case "FILEHASH-MD5", "FILEHASH-SHA1", "FILEHASH-SHA256":
		out.Hashes = append(out.Hashes, val)
	case "URL":
		out.URLs = append(out.URLs, val)
	}
}

func appendVTAttributes(out *model.IOCs, payload map[string]interface{}) {
	attrs, _ := payload["attributes"].(map[string]interface{})
	if attrs == nil {
		return
	}
	if ip, ok := attrs["ip_address"].(string); ok && ip != "" {
		out.IPs = append(out.IPs, ip)
	}
	if domain, ok := attrs["domain"].(string); ok && domain != "" {
		out.Domains = append(out.Domains, domain)
	}
	if sha, ok := attrs["sha256"].(string); ok && sha != "" {
		out.Hashes = append(out.Hashes, sha)
	}
	if url, ok := attrs["url"].(string); ok && url != "" {
		out.URLs = append(out.URLs, url)
	}
}
