package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/execution-hub/paid-dispatch/internal/config"
	"github.com/execution-hub/paid-dispatch/internal/domain/executor"
	"github.com/execution-hub/paid-dispatch/internal/domain/fault"
	"github.com/execution-hub/paid-dispatch/internal/infrastructure/metrics"
)

// Service owns the set of known executors and their probe results.
type Service struct {
	store   executor.Store
	prober  Prober
	cfg     config.Source
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(store executor.Store, prober Prober, cfg config.Source, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		store:   store,
		prober:  prober,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With().Str("service", "registry").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register adds an executor and probes it before returning.
func (s *Service) Register(ctx context.Context, address string, flags executor.Flags) (*executor.Executor, error) {
	const op = "registry.register"
	address, err := normalizeAddress(address)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, op, err)
	}
	if flags.Location != nil {
		if err := flags.Location.Validate(); err != nil {
			return nil, fault.Wrap(fault.KindValidation, op, err)
		}
	}
	id := strings.TrimSpace(flags.ID)
	if id == "" {
		id = uuid.NewString()
	}
	name := strings.TrimSpace(flags.Name)
	if name == "" {
		name = address
	}

	exec := &executor.Executor{
		ID:             id,
		Address:        address,
		Name:           name,
		RequiresSecure: flags.RequiresSecure,
		Status: executor.Status{
			State:            executor.StateUnknown,
			AvailableMethods: []executor.MethodDescriptor{},
		},
		RegisteredAt: s.now(),
	}
	if flags.Location != nil {
		loc := *flags.Location
		exec.Location = &loc
	}
	if err := s.store.Create(exec); err != nil {
		return nil, fault.Wrap(fault.KindValidation, op, err)
	}
	s.logger.Info().Str("executor_id", id).Str("address", address).Msg("executor registered")

	return s.probeAndStore(ctx, exec)
}

// List returns a snapshot of all executors in registration order.
func (s *Service) List() []*executor.Executor {
	return s.store.List()
}

// Ready returns the executors whose last probe succeeded.
func (s *Service) Ready() []*executor.Executor {
	all := s.store.List()
	out := make([]*executor.Executor, 0, len(all))
	for _, e := range all {
		if e.Status.Ready() {
			out = append(out, e)
		}
	}
	return out
}

func (s *Service) Get(executorID string) (*executor.Executor, error) {
	exec, err := s.store.GetByID(executorID)
	if err != nil {
		return nil, fault.Wrap(fault.KindNotFound, "registry.get", err)
	}
	return exec, nil
}

func (s *Service) Remove(executorID string) error {
	if err := s.store.Delete(executorID); err != nil {
		return fault.Wrap(fault.KindNotFound, "registry.remove", err)
	}
	s.logger.Info().Str("executor_id", executorID).Msg("executor removed")
	return nil
}

// Update patches administrative metadata. A changed address or secure flag
// invalidates the last probe and triggers a new one.
func (s *Service) Update(ctx context.Context, executorID string, upd executor.MetadataUpdate) (*executor.Executor, error) {
	const op = "registry.update"
	if upd.Address != nil {
		addr, err := normalizeAddress(*upd.Address)
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, op, err)
		}
		upd.Address = &addr
	}
	if upd.Location != nil {
		if err := upd.Location.Validate(); err != nil {
			return nil, fault.Wrap(fault.KindValidation, op, err)
		}
	}

	reprobe := false
	updated, err := s.store.Update(executorID, func(e *executor.Executor) error {
		if upd.Name != nil {
			e.Name = strings.TrimSpace(*upd.Name)
		}
		if upd.Address != nil && *upd.Address != e.Address {
			e.Address = *upd.Address
			reprobe = true
		}
		if upd.RequiresSecure != nil && *upd.RequiresSecure != e.RequiresSecure {
			e.RequiresSecure = *upd.RequiresSecure
			reprobe = true
		}
		switch {
		case upd.ClearLocation:
			e.Location = nil
		case upd.Location != nil:
			loc := *upd.Location
			e.Location = &loc
		}
		if reprobe {
			e.Status = executor.Status{State: executor.StateUnknown, AvailableMethods: []executor.MethodDescriptor{}}
			e.LastProbedAt = nil
		}
		return nil
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindNotFound, op, err)
	}
	if reprobe {
		return s.probeAndStore(ctx, updated)
	}
	return updated, nil
}

// ProbeNow probes one executor immediately and stores the result.
func (s *Service) ProbeNow(ctx context.Context, executorID string) (executor.Status, error) {
	exec, err := s.Get(executorID)
	if err != nil {
		return executor.Status{}, err
	}
	updated, err := s.probeAndStore(ctx, exec)
	if err != nil {
		return executor.Status{}, err
	}
	return updated.Status, nil
}

// ProbeAll re-probes every executor one after another.
func (s *Service) ProbeAll(ctx context.Context) {
	for _, exec := range s.store.List() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.probeAndStore(ctx, exec); err != nil {
			s.logger.Debug().Err(err).Str("executor_id", exec.ID).Msg("probe result dropped")
		}
	}
}

// Run re-probes all executors every interval until ctx is done. A
// non-positive interval disables the loop.
func (s *Service) Run(ctx context.Context) {
	interval := s.cfg.Current().Registry.ProbeInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ProbeAll(ctx)
		}
	}
}

// probeAndStore probes exec outside the lock, then replaces the stored status
// as a whole. The result is dropped if the executor was removed or its
// address changed meanwhile.
func (s *Service) probeAndStore(ctx context.Context, exec *executor.Executor) (*executor.Executor, error) {
	status := s.prober.Probe(ctx, exec)
	probedAt := s.now()
	s.metrics.ObserveProbe(string(status.State), status.Secure)

	updated, err := s.store.Update(exec.ID, func(e *executor.Executor) error {
		if e.Address != exec.Address {
			return fmt.Errorf("executor %s changed address during probe", exec.ID)
		}
		e.Status = status
		e.LastProbedAt = &probedAt
		return nil
	})
	if err != nil {
		if errors.Is(err, executor.ErrNotFound) {
			return nil, fault.Wrap(fault.KindNotFound, "registry.probe", err)
		}
		return nil, fault.Wrap(fault.KindIndeterminate, "registry.probe", err)
	}

	evt := s.logger.Debug()
	if status.State != executor.StateReady {
		evt = s.logger.Warn()
	}
	evt.Str("executor_id", exec.ID).
		Str("state", string(status.State)).
		Bool("secure", status.Secure).
		Int("methods", len(status.AvailableMethods)).
		Str("message", status.Message).
		Msg("executor probed")
	return updated, nil
}

func normalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", executor.ErrInvalidAddress
	}
	u, err := url.Parse(address)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q must be an http(s) URL", executor.ErrInvalidAddress, address)
	}
	return strings.TrimRight(address, "/"), nil
}
