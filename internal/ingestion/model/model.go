// Package model holds the canonical entities shared across the ingestion
// core: connector records, raw events, normalized alerts and threat intel,
// agents and queue jobs.
package model

import "time"

// ConnectorType enumerates the supported connector kinds.
type ConnectorType string

const (
	ConnectorSyslog  ConnectorType = "syslog"
	ConnectorAPI     ConnectorType = "api"
	ConnectorWebhook ConnectorType = "webhook"
	ConnectorFile    ConnectorType = "file"
	ConnectorAgent   ConnectorType = "agent"
)

// ConnectorStatus enumerates the lifecycle status stored on a ConnectorRecord.
type ConnectorStatus string

const (
	StatusActive   ConnectorStatus = "active"
	StatusPaused   ConnectorStatus = "paused"
	StatusDisabled ConnectorStatus = "disabled"
	StatusError    ConnectorStatus = "error"
	StatusWarning  ConnectorStatus = "warning"
)

// ConnectorRecord is the persisted, authoritative description of a connector.
type ConnectorRecord struct {
	ID                       int64
	OrganizationID           string
	Name                     string
	Type                     ConnectorType
	Vendor                   string
	Configuration            []byte // opaque JSON, connector-type specific
	Status                   ConnectorStatus
	IsActive                 bool
	EventsPerMinute          float64
	ErrorMessage             string
	LastSuccessfulConnection time.Time
	LastData                 time.Time
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// Disabled reports whether the record must not be running.
func (c ConnectorRecord) Disabled() bool {
	return c.Status == StatusDisabled || !c.IsActive
}

// Severity is the canonical four-point Alert severity scale.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RawSeverity is the coarser four-bucket scale events arrive in before
// normalization (§3 RawEvent.severity).
type RawSeverity string

const (
	RawInfo     RawSeverity = "info"
	RawWarn     RawSeverity = "warn"
	RawError    RawSeverity = "error"
	RawCritical RawSeverity = "critical"
)

// IOCs buckets indicators of compromise extracted from intel payloads.
type IOCs struct {
	IPs     []string `json:"ips,omitempty"`
	Domains []string `json:"domains,omitempty"`
	Hashes  []string `json:"hashes,omitempty"`
	URLs    []string `json:"urls,omitempty"`
}

// Empty reports whether no bucket holds any entry.
func (i IOCs) Empty() bool {
	return len(i.IPs) == 0 && len(i.Domains) == 0 && len(i.Hashes) == 0 && len(i.URLs) == 0
}

// Merge appends another IOCs' entries onto this one, deduplicating.
func (i *IOCs) Merge(other IOCs) {
	i.IPs = mergeUnique(i.IPs, other.IPs)
	i.Domains = mergeUnique(i.Domains, other.Domains)
	i.Hashes = mergeUnique(i.Hashes, other.Hashes)
	i.URLs = mergeUnique(i.URLs, other.URLs)
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]struct{}, len(a))
	out := make([]string, 0, len(a)+len(b))
	for _, v := range a {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	for _, v := range b {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// RawEvent is the untyped, pre-normalization record emitted by a connector.
type RawEvent struct {
	ID          string
	ConnectorID int64
	Timestamp   time.Time
	Source      string
	Message     string
	Severity    RawSeverity
	RawData     map[string]interface{}
	IOCs        []string
	// Title, when set, seeds the Normalizer's Alert title for system-
	// generated events (e.g. the agent liveness sweep) that carry no
	// vendor rule set of their own. A vendor rule's extracted title
	// still takes precedence over this.
	Title string
}

// AlertStatus enumerates the Alert workflow state.
type AlertStatus string

const (
	AlertNew    AlertStatus = "new"
	AlertAck    AlertStatus = "ack"
	AlertClosed AlertStatus = "closed"
)

// Alert is a post-normalization canonical record for analyst consumption.
type Alert struct {
	ID              string
	Title           string
	Description     string
	Severity        Severity
	Source          string
	SourceIP        string
	DestinationIP   string
	Status          AlertStatus
	OrganizationID  string
	Metadata        map[string]interface{}
	CreatedAt       time.Time
}

// IntelType enumerates ThreatIntel classifications.
type IntelType string

const (
	IntelMalware    IntelType = "malware"
	IntelAPT        IntelType = "apt"
	IntelRansomware IntelType = "ransomware"
	IntelPhishing   IntelType = "phishing"
	IntelIOC        IntelType = "ioc"
	IntelGeneral    IntelType = "general"
)

// Relevance enumerates ThreatIntel relevance.
type Relevance string

const (
	RelevanceLow    Relevance = "low"
	RelevanceMedium Relevance = "medium"
	RelevanceHigh   Relevance = "high"
)

// ThreatIntel is a post-normalization canonical intel record.
type ThreatIntel struct {
	ID          string
	Type        IntelType
	Title       string
	Description string
	Source      string
	Severity    Severity
	Confidence  int // 0-100
	IOCs        IOCs
	Relevance   Relevance
	CreatedAt   time.Time
}

// AgentStatus enumerates Agent liveness state.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentWarning  AgentStatus = "warning"
	AgentInactive AgentStatus = "inactive"
	AgentError    AgentStatus = "error"
)

// Agent is a host agent registered against an Agent Connector.
type Agent struct {
	AgentID        string
	ConnectorID    int64
	Hostname       string
	IP             string
	OS             string
	Version        string
	Capabilities   []string
	Status         AgentStatus
	LastHeartbeat  time.Time
	Token          string
	LastMetrics    map[string]interface{}
	RegisteredAt   time.Time
}

// Priority enumerates QueueJob priority bands, lowest first; higher
// values are dequeued first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// MaxAttempts returns the retry budget for the priority band (§3 QueueJob
// invariant: 5 for critical, 3 otherwise).
func (p Priority) MaxAttempts() int {
	if p == PriorityCritical {
		return 5
	}
	return 3
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// JobStatus enumerates QueueJob lifecycle state.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobInFlight  JobStatus = "in-flight"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// AgentEvent is a single event submitted via /api/agents/data.
type AgentEvent struct {
	AgentID   string
	Timestamp time.Time
	EventType string
	Severity  string
	Message   string
	Details   map[string]interface{}
}
