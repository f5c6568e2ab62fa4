// Package webhook implements the webhook connector: dynamic per-path
// route registration on a shared chi router, with optional HMAC-SHA256
// signature verification.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/socops/ingestcore/internal/ingestion/connector"
	"github.com/socops/ingestcore/internal/ingestion/model"
)

// Config is the webhook connector's typed configuration.
type Config struct {
	Path            string // must begin with "/"
	SignatureHeader string // empty disables verification
	Secret          string
}

// Connector implements connector.Connector for webhook ingress.
type Connector struct {
	*connector.Base
	cfg    Config
	router chi.Router

	stopped int32
}

// New constructs a webhook Connector mounted on router.
func New(id int64, name string, cfg Config, sink connector.Sink, router chi.Router) (*Connector, error) {
	if !strings.HasPrefix(cfg.Path, "/") {
		return nil, fmt.Errorf("webhook: path %q must begin with /", cfg.Path)
	}
	c := &Connector{
		Base:   connector.NewBase(id, name, model.ConnectorWebhook, sink),
		cfg:    cfg,
		router: router,
	}
	router.Post(cfg.Path, c.handle)
	return c, nil
}

func (c *Connector) handle(w http.ResponseWriter, r *http.Request) {
	// Best-effort deregistration: stopped connectors silently drop calls
	// rather than emit events, since the chi mount itself cannot be
	// un-mounted once registered.
	if atomic.LoadInt32(&c.stopped) == 1 {
		w.WriteHeader(http.StatusGone)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if c.cfg.SignatureHeader != "" {
		sig := r.Header.Get(c.cfg.SignatureHeader)
		if !verifyHMAC(body, c.cfg.Secret, sig) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	headers := map[string]interface{}{}
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	e := model.RawEvent{
		ID:          uuid.NewString(),
		ConnectorID: c.ID,
		Timestamp:   time.Now().UTC(),
		Source:      r.RemoteAddr,
		Message:     string(body),
		Severity:    model.RawInfo,
		RawData: map[string]interface{}{
			"payload": string(body),
			"headers": headers,
			"path":    c.cfg.Path,
		},
	}
	c.EmitEvent(e)
	w.WriteHeader(http.StatusOK)
}

func verifyHMAC(body []byte, secret, provided string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(provided))
}

// Start marks the connector active; the route was mounted at construction.
func (c *Connector) Start() error {
	atomic.StoreInt32(&c.stopped, 0)
	c.SetActive()
	return nil
}

// Stop marks the route as dead; subsequent calls are dropped with 410.
func (c *Connector) Stop() error {
	atomic.StoreInt32(&c.stopped, 1)
	c.SetDisabled("")
	return nil
}

func (c *Connector) Pause() error {
	atomic.StoreInt32(&c.stopped, 1)
	c.SetPaused()
	return nil
}

func (c *Connector) Resume() error {
	atomic.StoreInt32(&c.stopped, 0)
	c.SetActive()
	return nil
}

// HealthCheck always reports healthy: the route is either mounted and
// live, or stopped (which is not itself unhealthy).
func (c *Connector) HealthCheck() connector.HealthResult {
	return connector.HealthResult{Healthy: true, LastChecked: time.Now()}
}

// TestConnection is a no-op: there is nothing to dial for an ingress
// webhook.
func (c *Connector) TestConnection() connector.TestResult {
	return connector.TestResult{Success: true, Message: "webhook ingress, no outbound probe"}
}

// UpdateConfig replaces the signature/secret configuration; the mounted
// path itself cannot change without a new chi route.
func (c *Connector) UpdateConfig(cfg Config) error {
	if cfg.Path != c.cfg.Path {
		return fmt.Errorf("webhook: path cannot be changed without re-registration")
	}
	c.cfg = cfg
	return nil
}

// GetMetrics returns the rolling metrics window.
func (c *Connector) GetMetrics() connector.Metrics {
	return c.SnapshotMetrics()
}
