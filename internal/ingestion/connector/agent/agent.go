// Package agent implements the Agent Connector: the server side of a
// fleet of host agents, exposing bootstrap registration, authenticated
// heartbeat/event ingress, and liveness tracking.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/socops/ingestcore/internal/ingestion/connector"
	"github.com/socops/ingestcore/internal/ingestion/model"
	"github.com/socops/ingestcore/internal/ingestion/vault"
)

const blockThreshold = 5
const blockTTL = 15 * time.Minute

// InsightGenerator and IncidentLinker are the external collaborators
// triggered for high/critical alerts; nil implementations are no-ops.
type InsightGenerator interface {
	GenerateInsight(ctx context.Context, e model.AgentEvent) error
}

type IncidentLinker interface {
	LinkIncident(ctx context.Context, e model.AgentEvent) error
}

// Config is the Agent Connector's typed configuration.
type Config struct {
	OrganizationID      string
	MasterToken         string
	HeartbeatInterval   time.Duration
	BufferFlushInterval time.Duration
	BufferFlushSize     int
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 60 * time.Second
	}
	if c.BufferFlushInterval <= 0 {
		c.BufferFlushInterval = 15 * time.Second
	}
	if c.BufferFlushSize <= 0 {
		c.BufferFlushSize = 20
	}
}

func (c Config) agentTimeout() time.Duration {
	t := 2 * c.HeartbeatInterval
	if t < 120*time.Second {
		t = 120 * time.Second
	}
	return t
}

// Connector implements connector.Connector for the agent fleet server.
type Connector struct {
	*connector.Base
	cfg    Config
	vault  *vault.Vault
	rdb    *redis.Client
	insight InsightGenerator
	linker  IncidentLinker

	mu     sync.RWMutex
	agents map[string]*model.Agent

	bufMu  sync.Mutex
	buffer []model.AgentEvent

	failMu sync.Mutex
	failedAttempts map[string]int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Agent Connector, mounting its routes onto router
// under basePath.
func New(id int64, name string, cfg Config, sink connector.Sink, v *vault.Vault, rdb *redis.Client, router gin.IRouter, basePath string, insight InsightGenerator, linker IncidentLinker) *Connector {
	cfg.applyDefaults()
	c := &Connector{
		Base:           connector.NewBase(id, name, model.ConnectorAgent, sink),
		cfg:            cfg,
		vault:          v,
		rdb:            rdb,
		insight:        insight,
		linker:         linker,
		agents:         map[string]*model.Agent{},
		failedAttempts: map[string]int{},
	}
	agents := router.Group(basePath).Group("/agents")
	agents.POST("/register", c.handleRegister)
	agents.POST("/heartbeat", c.handleHeartbeat)
	agents.POST("/data", c.handleData)
	agents.GET("", c.handleListAgents)
	agents.GET("/events", c.handleListEvents)
	return c
}

// Start begins the liveness-sweep and buffer-drain background loops.
func (c *Connector) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(2)
	go c.livenessLoop(ctx)
	go c.drainLoop(ctx)

	c.SetActive()
	return nil
}

func (c *Connector) livenessLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepLiveness()
		}
	}
}

func (c *Connector) sweepLiveness() {
	cutoff := time.Now().Add(-c.cfg.agentTimeout())
	c.mu.Lock()
	var newlyInactive []*model.Agent
	for _, a := range c.agents {
		if a.Status == model.AgentActive && a.LastHeartbeat.Before(cutoff) {
			a.Status = model.AgentInactive
			newlyInactive = append(newlyInactive, a)
		}
	}
	c.mu.Unlock()

	for _, a := range newlyInactive {
		title := fmt.Sprintf("Agente %s inactivo", a.Hostname)
		e := model.RawEvent{
			ID:          uuid.NewString(),
			ConnectorID: c.ID,
			Timestamp:   time.Now().UTC(),
			Source:      a.Hostname,
			Message:     title,
			Title:       title,
			Severity:    model.RawWarn,
			RawData: map[string]interface{}{
				"agentId": a.AgentID,
				"kind":    "liveness",
			},
		}
		c.EmitEvent(e)
	}
}

func (c *Connector) drainLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.BufferFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.flush(ctx)
			return
		case <-ticker.C:
			c.flush(ctx)
		}
	}
}

func (c *Connector) flush(ctx context.Context) {
	c.bufMu.Lock()
	if len(c.buffer) == 0 {
		c.bufMu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = nil
	c.bufMu.Unlock()

	for _, ev := range batch {
		c.processEvent(ctx, ev)
	}
}

var securityKeywords = []string{"security", "threat", "malware", "attack"}
var criticalPathMarkers = []string{"/etc/", "/bin/", `C:\Windows\System32\`}

func (c *Connector) processEvent(ctx context.Context, ev model.AgentEvent) {
	body, _ := json.Marshal(ev)
	e := model.RawEvent{
		ID:          uuid.NewString(),
		ConnectorID: c.ID,
		Timestamp:   ev.Timestamp,
		Source:      ev.AgentID,
		Message:     ev.Message,
		Severity:    model.RawSeverity(ev.Severity),
		RawData:     map[string]interface{}{"event": json.RawMessage(body)},
	}
	c.EmitEvent(e)

	if !shouldAlert(ev) {
		return
	}
	if ev.Severity == "high" || ev.Severity == "critical" {
		if c.insight != nil {
			_ = c.insight.GenerateInsight(ctx, ev)
		}
		if c.linker != nil {
			_ = c.linker.LinkIncident(ctx, ev)
		}
	}
}

func shouldAlert(ev model.AgentEvent) bool {
	lowerType := strings.ToLower(ev.EventType)
	for _, kw := range securityKeywords {
		if strings.Contains(lowerType, kw) {
			return true
		}
	}
	if ev.Severity == "high" || ev.Severity == "critical" {
		return true
	}
	if lowerType == "file_change" {
		if path, ok := ev.Details["path"].(string); ok {
			for _, marker := range criticalPathMarkers {
				if strings.Contains(path, marker) {
					return true
				}
			}
		}
	}
	return false
}

// --- HTTP handlers ---

func (c *Connector) handleRegister(ctx *gin.Context) {
	ip := ctx.ClientIP()
	if c.isBlocked(ctx.Request.Context(), ip) {
		ctx.JSON(http.StatusForbidden, gin.H{"error": "blocked"})
		return
	}

	token := ctx.GetHeader("X-Registration-Token")
	if !vault.ConstantTimeEqual(token, c.cfg.MasterToken) {
		c.recordFailure(ctx.Request.Context(), ip)
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "invalid registration token"})
		return
	}

	var body struct {
		Hostname     string   `json:"hostname"`
		IP           string   `json:"ip"`
		OS           string   `json:"os"`
		Version      string   `json:"version"`
		Capabilities []string `json:"capabilities"`
	}
	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	agentID := uuid.NewString()
	authToken, err := c.vault.IssueAgentToken(agentID, c.cfg.OrganizationID)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}

	a := &model.Agent{
		AgentID:       agentID,
		ConnectorID:   c.ID,
		Hostname:      body.Hostname,
		IP:            body.IP,
		OS:            body.OS,
		Version:       body.Version,
		Capabilities:  body.Capabilities,
		Status:        model.AgentActive,
		LastHeartbeat: time.Now().UTC(),
		Token:         authToken,
		RegisteredAt:  time.Now().UTC(),
	}
	c.mu.Lock()
	c.agents[agentID] = a
	c.mu.Unlock()

	ctx.JSON(http.StatusOK, gin.H{"agentId": agentID, "authToken": authToken})
}

func (c *Connector) isBlocked(ctx context.Context, ip string) bool {
	if c.rdb == nil {
		c.failMu.Lock()
		defer c.failMu.Unlock()
		return c.failedAttempts[ip] >= blockThreshold
	}
	n, err := c.rdb.Exists(ctx, blockKey(ip)).Result()
	return err == nil && n > 0
}

func (c *Connector) recordFailure(ctx context.Context, ip string) {
	if c.rdb != nil {
		count, err := c.rdb.Incr(ctx, failKey(ip)).Result()
		if err == nil {
			c.rdb.Expire(ctx, failKey(ip), blockTTL)
			if count >= blockThreshold {
				c.rdb.Set(ctx, blockKey(ip), "1", blockTTL)
			}
		}
		return
	}
	c.failMu.Lock()
	defer c.failMu.Unlock()
	c.failedAttempts[ip]++
}

func blockKey(ip string) string { return "ingestcore:agentblock:" + ip }
func failKey(ip string) string  { return "ingestcore:agentfail:" + ip }

func (c *Connector) authenticate(ctx *gin.Context, bodyAgentID string) (*model.Agent, bool) {
	authz := ctx.GetHeader("Authorization")
	token := strings.TrimPrefix(authz, "Bearer ")
	if token == authz {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return nil, false
	}

	result, err := c.vault.VerifyAgentToken(token)
	if err != nil || !result.Valid || result.AgentID != bodyAgentID {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return nil, false
	}

	c.mu.RLock()
	a, ok := c.agents[bodyAgentID]
	c.mu.RUnlock()
	if !ok || a.Token != token {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "unknown agent"})
		return nil, false
	}
	return a, true
}

func (c *Connector) handleHeartbeat(ctx *gin.Context) {
	var body struct {
		AgentID   string                 `json:"agentId"`
		Timestamp time.Time              `json:"timestamp"`
		Status    string                 `json:"status"`
		Metrics   map[string]interface{} `json:"metrics"`
	}
	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	a, ok := c.authenticate(ctx, body.AgentID)
	if !ok {
		return
	}

	c.mu.Lock()
	if body.Timestamp.After(a.LastHeartbeat) {
		a.LastHeartbeat = body.Timestamp
	} else {
		a.LastHeartbeat = time.Now().UTC()
	}
	if body.Status != "" {
		a.Status = model.AgentStatus(body.Status)
	} else {
		a.Status = model.AgentActive
	}
	if body.Metrics != nil {
		a.LastMetrics = body.Metrics
	}
	c.mu.Unlock()

	ctx.JSON(http.StatusOK, gin.H{"ok": true})
}

func (c *Connector) handleData(ctx *gin.Context) {
	var body struct {
		AgentID   string                 `json:"agentId"`
		Timestamp time.Time              `json:"timestamp"`
		EventType string                 `json:"eventType"`
		Severity  string                 `json:"severity"`
		Message   string                 `json:"message"`
		Details   map[string]interface{} `json:"details"`
	}
	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if _, ok := c.authenticate(ctx, body.AgentID); !ok {
		return
	}

	ev := model.AgentEvent{
		AgentID:   body.AgentID,
		Timestamp: body.Timestamp,
		EventType: body.EventType,
		Severity:  body.Severity,
		Message:   body.Message,
		Details:   body.Details,
	}

	c.bufMu.Lock()
	c.buffer = append(c.buffer, ev)
	shouldFlush := len(c.buffer) >= c.cfg.BufferFlushSize
	c.bufMu.Unlock()

	if shouldFlush {
		go c.flush(context.Background())
	}

	ctx.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (c *Connector) handleListAgents(ctx *gin.Context) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*model.Agent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a)
	}
	ctx.JSON(http.StatusOK, out)
}

func (c *Connector) handleListEvents(ctx *gin.Context) {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	ctx.JSON(http.StatusOK, c.buffer)
}

// Stop cancels the background loops.
func (c *Connector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.SetDisabled("")
	return nil
}

func (c *Connector) Pause() error { c.SetPaused(); return nil }
func (c *Connector) Resume() error { return c.Start() }

// HealthCheck always reports healthy once started; the fleet's health is
// a function of individual agent liveness, not the connector itself.
func (c *Connector) HealthCheck() connector.HealthResult {
	return connector.HealthResult{Healthy: true, LastChecked: time.Now()}
}

// TestConnection is a no-op: there is nothing to dial for an ingress
// server.
func (c *Connector) TestConnection() connector.TestResult {
	return connector.TestResult{Success: true}
}

// UpdateConfig replaces timing/token configuration.
func (c *Connector) UpdateConfig(cfg Config) error {
	cfg.applyDefaults()
	c.cfg = cfg
	return nil
}

// GetMetrics returns the rolling metrics window.
func (c *Connector) GetMetrics() connector.Metrics {
	return c.SnapshotMetrics()
}
