// Package syslog implements the syslog listener connector: UDP, TCP, or
// TCP+TLS ingress with RFC3164/RFC5424 parsing and facility/severity/
// source/include/exclude filtering.
package syslog

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/socops/ingestcore/internal/ingestion/connector"
	"github.com/socops/ingestcore/internal/ingestion/model"
)

// Transport selects the listener's wire transport.
type Transport string

const (
	TransportUDP    Transport = "udp"
	TransportTCP    Transport = "tcp"
	TransportTCPTLS Transport = "tcp+tls"
)

// Config is the syslog connector's typed configuration.
type Config struct {
	Transport    Transport
	Address      string // host:port, e.g. ":514"
	TLSCertFile  string
	TLSKeyFile   string
	TLSCAFile    string
	RequireClientCert bool

	FacilityWhitelist []int
	SeverityWhitelist []int
	SourceWhitelist   []string
	Include           []string
	Exclude           []string
}

var rfc5424Re = regexp.MustCompile(`^(\d+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\[.*?\]|-)\s*(.*)$`)
var rfc3164Re = regexp.MustCompile(`^([A-Z][a-z]{2})\s+(\d{1,2})\s+(\d{2}):(\d{2}):(\d{2})\s+(\S+)\s+([^:]+):\s*(.*)$`)

// Connector implements connector.Connector for syslog ingestion.
type Connector struct {
	*connector.Base
	cfg Config

	mu       sync.Mutex
	udpConn  net.PacketConn
	listener net.Listener
	conns    map[net.Conn]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup

	bindFailures int
}

// New constructs a syslog Connector.
func New(id int64, name string, cfg Config, sink connector.Sink) *Connector {
	return &Connector{
		Base:  connector.NewBase(id, name, model.ConnectorSyslog, sink),
		cfg:   cfg,
		conns: map[net.Conn]struct{}{},
	}
}

// Start binds the configured transport and begins accepting input.
func (c *Connector) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	var err error
	switch c.cfg.Transport {
	case TransportUDP, "":
		err = c.startUDP(ctx)
	case TransportTCP:
		err = c.startTCP(ctx, nil)
	case TransportTCPTLS:
		var tlsCfg *tls.Config
		tlsCfg, err = c.buildTLSConfig()
		if err == nil {
			err = c.startTCP(ctx, tlsCfg)
		}
	default:
		err = fmt.Errorf("syslog: unknown transport %q", c.cfg.Transport)
	}
	if err != nil {
		c.bindFailures++
		c.SetError(err.Error())
		return err
	}
	c.SetActive()
	return nil
}

func (c *Connector) buildTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.cfg.TLSCertFile, c.cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("syslog: load cert/key: %w", err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if c.cfg.RequireClientCert {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

func (c *Connector) startUDP(ctx context.Context) error {
	conn, err := net.ListenPacket("udp", c.cfg.Address)
	if err != nil {
		return fmt.Errorf("syslog: listen udp: %w", err)
	}
	c.mu.Lock()
	c.udpConn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		buf := make([]byte, 64*1024)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			c.handleLine(string(buf[:n]), addrHost(addr))
		}
	}()
	return nil
}

func (c *Connector) startTCP(ctx context.Context, tlsCfg *tls.Config) error {
	var ln net.Listener
	var err error
	if tlsCfg != nil {
		ln, err = tls.Listen("tcp", c.cfg.Address, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", c.cfg.Address)
	}
	if err != nil {
		return fmt.Errorf("syslog: listen tcp: %w", err)
	}
	c.mu.Lock()
	c.listener = ln
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			c.mu.Lock()
			c.conns[conn] = struct{}{}
			c.mu.Unlock()
			c.wg.Add(1)
			go c.handleConn(ctx, conn)
		}
	}()
	return nil
}

func (c *Connector) handleConn(ctx context.Context, conn net.Conn) {
	defer c.wg.Done()
	defer func() {
		conn.Close()
		c.mu.Lock()
		delete(c.conns, conn)
		c.mu.Unlock()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	for scanner.Scan() {
		c.handleLine(scanner.Text(), host)
	}
}

func addrHost(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// handleLine parses and filters a single framed message. A parse failure
// never tears down the listener.
func (c *Connector) handleLine(line, peer string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}
	facility, sev, rest, ok := stripPRI(line)
	if !ok {
		facility, sev = 1, 5 // user.notice default, per "keep raw message and populate defaults"
		rest = line
	}

	host, app, msg, ts := parseBody(rest, peer)
	if host == "" {
		host = peer
	}

	if !c.passesFilters(facility, sev, host, msg) {
		return
	}

	e := model.RawEvent{
		ID:          uuid.NewString(),
		ConnectorID: c.ID,
		Timestamp:   ts,
		Source:      host,
		Message:     msg,
		Severity:    severityBucket(sev),
		RawData: map[string]interface{}{
			"facility": facility,
			"severity": sev,
			"app":      app,
			"host":     host,
		},
	}
	c.EmitEvent(e)
}

func stripPRI(line string) (facility, severity int, rest string, ok bool) {
	if !strings.HasPrefix(line, "<") {
		return 0, 0, line, false
	}
	end := strings.IndexByte(line, '>')
	if end < 0 {
		return 0, 0, line, false
	}
	pri, err := strconv.Atoi(line[1:end])
	if err != nil {
		return 0, 0, line, false
	}
	return pri / 8, pri % 8, line[end+1:], true
}

func parseBody(rest, peer string) (host, app, msg string, ts time.Time) {
	if m := rfc5424Re.FindStringSubmatch(rest); m != nil {
		host, app = m[3], m[4]
		msg = m[8]
		if parsed, err := time.Parse(time.RFC3339, m[2]); err == nil {
			ts = parsed
		} else {
			ts = time.Now().UTC()
		}
		return
	}
	if m := rfc3164Re.FindStringSubmatch(rest); m != nil {
		host, app, msg = m[6], m[7], m[8]
		year := time.Now().UTC().Year()
		day, _ := strconv.Atoi(m[2])
		hh, _ := strconv.Atoi(m[3])
		mm, _ := strconv.Atoi(m[4])
		ss, _ := strconv.Atoi(m[5])
		month := parseMonth(m[1])
		ts = time.Date(year, month, day, hh, mm, ss, 0, time.UTC)
		return
	}
	return peer, "", rest, time.Now().UTC()
}

func parseMonth(abbrev string) time.Month {
	months := map[string]time.Month{
		"Jan": time.January, "Feb": time.February, "Mar": time.March,
		"Apr": time.April, "May": time.May, "Jun": time.June,
		"Jul": time.July, "Aug": time.August, "Sep": time.September,
		"Oct": time.October, "Nov": time.November, "Dec": time.December,
	}
	if m, ok := months[abbrev]; ok {
		return m
	}
	return time.Now().UTC().Month()
}

func severityBucket(sev int) model.RawSeverity {
	switch {
	case sev <= 2:
		return model.RawCritical
	case sev == 3:
		return model.RawError
	case sev == 4:
		return model.RawWarn
	default:
		return model.RawInfo
	}
}

func (c *Connector) passesFilters(facility, severity int, source, msg string) bool {
	if len(c.cfg.FacilityWhitelist) > 0 && !containsInt(c.cfg.FacilityWhitelist, facility) {
		return false
	}
	if len(c.cfg.SeverityWhitelist) > 0 && !containsInt(c.cfg.SeverityWhitelist, severity) {
		return false
	}
	if len(c.cfg.SourceWhitelist) > 0 && !containsStr(c.cfg.SourceWhitelist, source) {
		return false
	}
	if len(c.cfg.Include) > 0 && !anySubstring(msg, c.cfg.Include) {
		return false
	}
	if len(c.cfg.Exclude) > 0 && anySubstring(msg, c.cfg.Exclude) {
		return false
	}
	return true
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsStr(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func anySubstring(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Stop closes all listeners/connections within a bounded grace period.
func (c *Connector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.udpConn != nil {
		c.udpConn.Close()
	}
	if c.listener != nil {
		c.listener.Close()
	}
	for conn := range c.conns {
		conn.Close()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() { c.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	c.SetDisabled("")
	return nil
}

// Pause stops accepting input without tearing down configuration.
func (c *Connector) Pause() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.udpConn != nil {
		c.udpConn.Close()
		c.udpConn = nil
	}
	if c.listener != nil {
		c.listener.Close()
		c.listener = nil
	}
	for conn := range c.conns {
		conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
	c.SetPaused()
	return nil
}

// Resume restarts listening using the existing configuration.
func (c *Connector) Resume() error {
	return c.Start()
}

// HealthCheck reports whether the listener is currently bound.
func (c *Connector) HealthCheck() connector.HealthResult {
	c.mu.Lock()
	bound := c.udpConn != nil || c.listener != nil
	c.mu.Unlock()
	return connector.HealthResult{Healthy: bound, Message: "", LastChecked: time.Now()}
}

// TestConnection attempts a throwaway bind to validate the configured
// address without disturbing a running listener.
func (c *Connector) TestConnection() connector.TestResult {
	if c.cfg.Transport == TransportUDP || c.cfg.Transport == "" {
		conn, err := net.ListenPacket("udp", c.cfg.Address)
		if err != nil {
			return connector.TestResult{Success: false, Message: err.Error()}
		}
		conn.Close()
		return connector.TestResult{Success: true}
	}
	ln, err := net.Listen("tcp", c.cfg.Address)
	if err != nil {
		return connector.TestResult{Success: false, Message: err.Error()}
	}
	ln.Close()
	return connector.TestResult{Success: true}
}

// UpdateConfig is a stop-and-reapply: the caller is expected to Stop then
// construct a new Connector with the patched Config in practice; this
// hook exists for in-place field updates that don't require a rebind
// (filters).
func (c *Connector) UpdateConfig(patch Config) error {
	c.cfg = patch
	return nil
}

// GetMetrics returns the rolling metrics window.
func (c *Connector) GetMetrics() connector.Metrics {
	return c.SnapshotMetrics()
}
