package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/execution-hub/paid-dispatch/internal/config"
	"github.com/execution-hub/paid-dispatch/internal/domain/executor"
	"github.com/execution-hub/paid-dispatch/internal/infrastructure/keystore"
)

const maxHealthBody = 1 << 20

// Prober checks an executor and reports its status. Probe never fails: any
// problem is reported as an unreachable status.
type Prober interface {
	Probe(ctx context.Context, exec *executor.Executor) executor.Status
}

// healthBody is the accepted shape of a health response.
type healthBody struct {
	Status           string                      `json:"status"`
	Message          string                      `json:"message"`
	AvailableMethods []json.RawMessage `json:"availableMethods"`
	Methods          []json.RawMessage `json:"methods"`
}

// HTTPProber probes the executor health endpoint over HTTP.
type HTTPProber struct {
	client *http.Client
	cfg    config.Source
	signer *keystore.Signer
	logger zerolog.Logger
}

// NewHTTPProber builds a prober. signer may be nil, in which case executors
// that need the secured path are reported unreachable when the public path fails.
func NewHTTPProber(cfg config.Source, signer *keystore.Signer, logger zerolog.Logger) *HTTPProber {
	return &HTTPProber{
		client: &http.Client{},
		cfg:    cfg,
		signer: signer,
		logger: logger.With().Str("service", "prober").Logger(),
	}
}

func (p *HTTPProber) Probe(ctx context.Context, exec *executor.Executor) executor.Status {
	reg := p.cfg.Current().Registry
	url := executor.JoinURL(exec.Address, reg.HealthPath)

	status, err := p.fetch(ctx, url, false)
	if err == nil {
		return status
	}
	if !exec.RequiresSecure {
		p.logger.Debug().Err(err).Str("executor_id", exec.ID).Msg("probe failed")
		return unreachable(err)
	}
	if !p.signer.Enabled() {
		return unreachable(fmt.Errorf("%v; secured probe unavailable: no signing key configured", err))
	}

	status, secErr := p.fetch(ctx, url, true)
	if secErr != nil {
		p.logger.Debug().Err(secErr).Str("executor_id", exec.ID).Msg("secured probe failed")
		return unreachable(fmt.Errorf("public: %v; secured: %v", err, secErr))
	}
	status.Secure = true
	return status
}

func (p *HTTPProber) fetch(ctx context.Context, url string, secured bool) (executor.Status, error) {
	cfg := p.cfg.Current().Registry
	ctx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return executor.Status{}, err
	}
	req.Header.Set("Accept", "application/json")
	if secured {
		if err := p.signer.Sign(req, nil); err != nil {
			return executor.Status{}, err
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return executor.Status{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHealthBody))
	if err != nil {
		return executor.Status{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return executor.Status{}, fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return normalize(body, cfg.HealthPath, p.logger), nil
}

// normalize turns a health response into a ready status. Bodies that are not
// JSON objects still count as ready with no advertised methods. Method entries
// that are neither a string nor an object are skipped.
func normalize(body []byte, healthPath string, logger zerolog.Logger) executor.Status {
	status := executor.Status{State: executor.StateReady, AvailableMethods: []executor.MethodDescriptor{}}
	var hb healthBody
	if err := json.Unmarshal(body, &hb); err != nil {
		status.Message = strings.TrimSpace(truncate(string(body), 200))
		return status
	}
	status.Message = hb.Message
	if status.Message == "" {
		status.Message = hb.Status
	}
	raw := hb.AvailableMethods
	if len(raw) == 0 {
		raw = hb.Methods
	}
	methods := make([]executor.MethodDescriptor, 0, len(raw))
	for i, entry := range raw {
		var m executor.MethodDescriptor
		if err := json.Unmarshal(entry, &m); err != nil {
			logger.Debug().Err(err).Int("index", i).Str("entry", truncate(string(entry), 80)).Msg("skipping method descriptor")
			continue
		}
		methods = append(methods, m)
	}
	status.AvailableMethods = FilterHealthMethods(methods, healthPath)
	return status
}

// FilterHealthMethods drops descriptors that name the health endpoint.
func FilterHealthMethods(methods []executor.MethodDescriptor, healthPath string) []executor.MethodDescriptor {
	out := make([]executor.MethodDescriptor, 0, len(methods))
	for _, m := range methods {
		if m.IsHealthCheck(healthPath) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func unreachable(err error) executor.Status {
	return executor.Status{
		State:            executor.StateUnreachable,
		Message:          err.Error(),
		AvailableMethods: []executor.MethodDescriptor{},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
