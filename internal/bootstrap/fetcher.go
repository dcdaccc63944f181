// Package bootstrap resolves the per-call tenant configuration.
//
// A [Fetcher] asks the backend once per call key (concurrent requests for the
// same key share one backend round trip) and degrades to built-in defaults
// when the backend cannot answer. The backend sits behind a circuit breaker,
// so while it is down calls go straight to the defaults.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/callrelay/internal/backend"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/resilience"
)

// Source names reported in [Config.Source] and metrics.
const (
	SourceBackend  = "backend"
	SourceDefaults = "defaults"
)

// Request identifies the call to resolve. At least one of CallID and
// ToNumber must be set for the backend to be asked.
type Request struct {
	CallKey  string
	CallID   int64
	ToNumber string
	TenantID string
}

// Config is the resolved configuration for one call.
type Config struct {
	// Source is [SourceBackend] or [SourceDefaults].
	Source string

	CallID   int64
	TenantID string

	Model    string
	Prompt   string
	Voice    string
	Language string
	Rules    []string

	RealtimeEnabled      bool
	RealtimeModel        string
	RealtimeSystemPrompt string
	RealtimeVoice        string
	RealtimeLanguage     string
}

// Degraded reports whether the call runs on defaults.
func (c Config) Degraded() bool { return c.Source != SourceBackend }

// Instructions returns the realtime system instructions for the call.
func (c Config) Instructions() string {
	prompt := c.RealtimeSystemPrompt
	if prompt == "" {
		prompt = c.Prompt
	}
	return BuildInstructions(prompt, c.Rules)
}

// BuildInstructions joins prompt and a numbered rule list with a blank line.
// Blank rules are skipped; empty sections are omitted.
func BuildInstructions(prompt string, rules []string) string {
	var sections []string
	if p := strings.TrimSpace(prompt); p != "" {
		sections = append(sections, p)
	}
	var b strings.Builder
	n := 0
	for _, r := range rules {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		n++
		if n == 1 {
			b.WriteString("Call rules:")
		}
		fmt.Fprintf(&b, "\n%d. %s", n, r)
	}
	if n > 0 {
		sections = append(sections, b.String())
	}
	return strings.Join(sections, "\n\n")
}

// Bootstrapper is the backend endpoint a Fetcher asks.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, req backend.BootstrapRequest) (*backend.BootstrapResponse, error)
}

type resolver func(ctx context.Context, req Request) (Config, error)

// Option configures a [Fetcher].
type Option func(*Fetcher)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// WithBreaker sets the circuit breaker guarding the backend.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(f *Fetcher) { f.breaker = cfg }
}

// Fetcher resolves call configuration. It is safe for concurrent use.
type Fetcher struct {
	mu       sync.RWMutex
	defaults Config

	metrics *observe.Metrics
	breaker resilience.CircuitBreakerConfig
	group   *resilience.FallbackGroup[resolver]
	flight  singleflight.Group
}

// NewFetcher creates a Fetcher that asks b and falls back to defaults.
func NewFetcher(b Bootstrapper, defaults Config, opts ...Option) *Fetcher {
	f := &Fetcher{
		breaker: resilience.CircuitBreakerConfig{
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
			HalfOpenMax:  1,
		},
	}
	for _, o := range opts {
		o(f)
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	f.SetDefaults(defaults)

	primary := func(ctx context.Context, req Request) (Config, error) {
		resp, err := b.Bootstrap(ctx, backend.BootstrapRequest{
			CallID:   req.CallID,
			ToNumber: req.ToNumber,
			TenantID: req.TenantID,
		})
		if err != nil {
			return Config{}, err
		}
		return f.merge(req, resp), nil
	}
	fallback := func(_ context.Context, req Request) (Config, error) {
		return f.fromDefaults(req), nil
	}
	breaker := f.breaker
	breaker.IsFailure = backend.IsRetryable
	breaker.OnStateChange = func(name string, _, to resilience.State) {
		f.metrics.RecordBreakerTransition(context.Background(), "bootstrap_"+name, to.String())
	}
	f.group = resilience.NewFallbackGroup[resolver](SourceBackend, primary, breaker)
	f.group.AddFallback(SourceDefaults, fallback)
	return f
}

// Fetch resolves the configuration for req. It never fails for backend
// reasons; only a cancelled ctx yields an error.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (Config, error) {
	log := observe.Logger(ctx).With("call_key", req.CallKey, "scope", "bootstrap")

	if req.CallID == 0 && req.ToNumber == "" {
		log.Warn("bootstrap skipped: missing call id and destination number")
		f.metrics.RecordBootstrap(ctx, "skipped")
		return f.fromDefaults(req), nil
	}

	key := req.CallKey
	if key == "" {
		key = strconv.FormatInt(req.CallID, 10) + "|" + req.ToNumber
	}
	v, err, _ := f.flight.Do(key, func() (any, error) {
		cfg, served, err := resilience.Do(ctx, f.group, func(ctx context.Context, r resolver) (Config, error) {
			return r(ctx, req)
		})
		if err != nil {
			return Config{}, err
		}
		if served != SourceBackend {
			log.Warn("bootstrap degraded, using defaults")
		} else {
			log.Info("bootstrap fetched", "call_id", cfg.CallID, "tenant_id", cfg.TenantID, "realtime", cfg.RealtimeEnabled)
		}
		f.metrics.RecordBootstrap(ctx, served)
		return cfg, nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Config{}, fmt.Errorf("bootstrap: %w", ctxErr)
		}
		if errors.Is(err, resilience.ErrAllFailed) {
			return f.fromDefaults(req), nil
		}
		return Config{}, fmt.Errorf("bootstrap: %w", err)
	}
	return v.(Config), nil
}

// SetDefaults replaces the fallback configuration. Calls already resolved
// keep what they got. An empty realtime voice or language inherits the
// persona's.
func (f *Fetcher) SetDefaults(d Config) {
	d.Source = SourceDefaults
	d.RealtimeVoice = or(d.RealtimeVoice, d.Voice)
	d.RealtimeLanguage = or(d.RealtimeLanguage, d.Language)
	d.Rules = append([]string(nil), d.Rules...)
	f.mu.Lock()
	f.defaults = d
	f.mu.Unlock()
}

func (f *Fetcher) currentDefaults() Config {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.defaults
}

func (f *Fetcher) fromDefaults(req Request) Config {
	cfg := f.currentDefaults()
	cfg.Rules = append([]string(nil), cfg.Rules...)
	cfg.CallID = req.CallID
	if req.TenantID != "" {
		cfg.TenantID = req.TenantID
	}
	return cfg
}

func (f *Fetcher) merge(req Request, resp *backend.BootstrapResponse) Config {
	tc := resp.Config
	d := f.currentDefaults()
	cfg := Config{
		Source:               SourceBackend,
		CallID:               resp.CallID.Int(),
		TenantID:             string(resp.TenantID),
		Model:                or(tc.Model, d.Model),
		Prompt:               or(tc.Prompt, d.Prompt),
		Voice:                or(tc.Voice, d.Voice),
		Language:             or(tc.Language, d.Language),
		Rules:                tc.Rules,
		RealtimeEnabled:      tc.RealtimeEnabled,
		RealtimeModel:        or(tc.RealtimeModel, d.RealtimeModel),
		RealtimeSystemPrompt: tc.RealtimeSystemPrompt,
		RealtimeVoice:        or(tc.RealtimeVoice, tc.Voice, d.RealtimeVoice),
		RealtimeLanguage:     or(tc.RealtimeLanguage, tc.Language, d.RealtimeLanguage),
	}
	if cfg.CallID == 0 {
		cfg.CallID = req.CallID
	}
	if cfg.TenantID == "" {
		cfg.TenantID = req.TenantID
	}
	return cfg
}

// or returns the first non-empty value.
func or(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
