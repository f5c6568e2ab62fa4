// Package file implements the file watcher connector: recursive path
// watching with include/exclude patterns and optional SHA-256 content
// hashing for change detection.
package file

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/socops/ingestcore/internal/ingestion/connector"
	"github.com/socops/ingestcore/internal/ingestion/model"
)

// Config is the file watcher connector's typed configuration.
type Config struct {
	Paths               []string
	Include             []string
	Exclude             []string
	HashContent         bool
	CriticalPaths       []string
	ExecutableExtensions []string
	HighPriorityPattern string
}

// Connector implements connector.Connector for file-system watching.
type Connector struct {
	*connector.Base
	cfg      Config
	highPri  *regexp.Regexp
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu     sync.Mutex
	hashes map[string]string
}

// New constructs a file watcher Connector.
func New(id int64, name string, cfg Config, sink connector.Sink) (*Connector, error) {
	var highPri *regexp.Regexp
	if cfg.HighPriorityPattern != "" {
		compiled, err := regexp.Compile(cfg.HighPriorityPattern)
		if err != nil {
			return nil, err
		}
		highPri = compiled
	}
	return &Connector{
		Base:    connector.NewBase(id, name, model.ConnectorFile, sink),
		cfg:     cfg,
		highPri: highPri,
		hashes:  map[string]string{},
	}, nil
}

// Start begins watching all configured paths recursively.
func (c *Connector) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		c.SetError(err.Error())
		return err
	}
	c.watcher = w

	for _, root := range c.cfg.Paths {
		if err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			if info.IsDir() {
				return w.Add(path)
			}
			return nil
		}); err != nil {
			c.SetError(err.Error())
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.loop(ctx)

	c.SetActive()
	return nil
}

func (c *Connector) loop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.handleEvent(ev)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.EmitError(err)
		}
	}
}

func (c *Connector) handleEvent(ev fsnotify.Event) {
	if !c.matchesFilters(ev.Name) {
		return
	}

	var action string
	switch {
	case ev.Op&fsnotify.Create != 0:
		action = "add"
	case ev.Op&fsnotify.Write != 0:
		action = "change"
	case ev.Op&fsnotify.Remove != 0, ev.Op&fsnotify.Rename != 0:
		action = "delete"
	default:
		return
	}

	contentChanged := false
	var hash string
	if c.cfg.HashContent && action != "delete" {
		if h, err := hashFile(ev.Name); err == nil {
			hash = h
			c.mu.Lock()
			prev := c.hashes[ev.Name]
			c.hashes[ev.Name] = h
			c.mu.Unlock()
			contentChanged = prev != "" && prev != h
		}
	}

	severity := c.classifySeverity(action, ev.Name)

	e := model.RawEvent{
		ID:          uuid.NewString(),
		ConnectorID: c.ID,
		Timestamp:   time.Now().UTC(),
		Source:      ev.Name,
		Message:     action + " " + ev.Name,
		Severity:    severity,
		RawData: map[string]interface{}{
			"action":          action,
			"path":            ev.Name,
			"hash":            hash,
			"contentChanged":  contentChanged,
		},
	}
	c.EmitEvent(e)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (c *Connector) matchesFilters(path string) bool {
	if len(c.cfg.Include) > 0 && !anyMatch(path, c.cfg.Include) {
		return false
	}
	if len(c.cfg.Exclude) > 0 && anyMatch(path, c.cfg.Exclude) {
		return false
	}
	return true
}

func anyMatch(path string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(path, p) {
			return true
		}
		if ok, _ := filepath.Match(p, filepath.Base(path)); ok {
			return true
		}
	}
	return false
}

// classifySeverity implements §4.E.4's rule set: delete of a critical
// system path is critical; create/change of an executable extension is
// warn; change of a critical path is error; high-priority regex matches
// are warn (or error on delete); else info.
func (c *Connector) classifySeverity(action, path string) model.RawSeverity {
	isCritical := anyMatch(path, c.cfg.CriticalPaths)
	isExecutable := hasAnyExt(path, c.cfg.ExecutableExtensions)
	isHighPriority := c.highPri != nil && c.highPri.MatchString(path)

	switch {
	case action == "delete" && isCritical:
		return model.RawCritical
	case (action == "add" || action == "change") && isExecutable:
		return model.RawWarn
	case action == "change" && isCritical:
		return model.RawError
	case isHighPriority && action == "delete":
		return model.RawError
	case isHighPriority:
		return model.RawWarn
	default:
		return model.RawInfo
	}
}

func hasAnyExt(path string, exts []string) bool {
	ext := filepath.Ext(path)
	for _, e := range exts {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

// Stop closes the watcher and waits for the event loop to exit.
func (c *Connector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.watcher != nil {
		c.watcher.Close()
	}
	c.wg.Wait()
	c.SetDisabled("")
	return nil
}

func (c *Connector) Pause() error { c.SetPaused(); return nil }

// Resume restarts the watcher from scratch.
func (c *Connector) Resume() error { return c.Start() }

// HealthCheck reports whether the underlying watcher is live.
func (c *Connector) HealthCheck() connector.HealthResult {
	return connector.HealthResult{Healthy: c.watcher != nil, LastChecked: time.Now()}
}

// TestConnection verifies every configured path exists and is readable.
func (c *Connector) TestConnection() connector.TestResult {
	for _, p := range c.cfg.Paths {
		if _, err := os.Stat(p); err != nil {
			return connector.TestResult{Success: false, Message: err.Error()}
		}
	}
	return connector.TestResult{Success: true}
}

// UpdateConfig replaces the filter/hashing configuration; path set
// changes require Stop/Start to take effect.
func (c *Connector) UpdateConfig(cfg Config) error {
	c.cfg = cfg
	return nil
}

// GetMetrics returns the rolling metrics window.
func (c *Connector) GetMetrics() connector.Metrics {
	return c.SnapshotMetrics()
}
