// Package model holds the single served model and the state machine that
// gates predictions on a successful initialization.
package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/Brownie44l1/modelserver/internal/engine"
	"github.com/Brownie44l1/modelserver/internal/tensor"
)

// Recorder observes session outcomes. err is nil on success.
type Recorder interface {
	ObserveInit(engine string, duration time.Duration, err error)
	ObservePredict(engine string, duration time.Duration, err error)
}

type NopRecorder struct{}

func (NopRecorder) ObserveInit(_ string, _ time.Duration, _ error) {}

func (NopRecorder) ObservePredict(_ string, _ time.Duration, _ error) {}

type Option func(*Session)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *Session) {
		if r != nil {
			s.recorder = r
		}
	}
}

// Session owns at most one model handle. A handle is built completely
// before it replaces the current one, so a failed Initialize leaves the
// previous model loaded.
type Session struct {
	engine   engine.Engine
	logger   *slog.Logger
	recorder Recorder

	mu     sync.RWMutex
	handle engine.Model
}

func NewSession(e engine.Engine, opts ...Option) *Session {
	s := &Session{
		engine:   e,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		recorder: NopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) Engine() string { return s.engine.Name() }

func (s *Session) Initialize(ctx context.Context, def Definition) error {
	start := time.Now()
	handle, err := s.load(ctx, def)
	s.recorder.ObserveInit(s.engine.Name(), time.Since(start), err)
	if err != nil {
		s.logger.Warn("model_load_failed", "engine", s.engine.Name(), "error", err)
		return fail(ModelLoadError, err)
	}

	s.mu.Lock()
	old := s.handle
	s.handle = handle
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			s.logger.Warn("model_close_failed", "error", err)
		}
	}
	s.logger.Info("model_initialized",
		"engine", s.engine.Name(),
		"parameters", len(handle.Parameters()),
		"inputs", len(handle.Inputs()),
		"replaced", old != nil,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (s *Session) load(ctx context.Context, def Definition) (handle engine.Model, err error) {
	defer func() {
		if r := recover(); r != nil {
			if handle != nil {
				handle.Close()
			}
			handle, err = nil, fmt.Errorf("%w: %v", ErrEnginePanic, r)
		}
	}()

	m, err := s.engine.Build(ctx, def.Structure)
	if err != nil {
		return nil, fmt.Errorf("failed to build model: %w", err)
	}
	handle = m
	if err := m.AssignWeights(def.Weights); err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to assign weights: %w", err)
	}
	if err := m.Finalize(engine.DefaultCompileOptions); err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to finalize model: %w", err)
	}
	return m, nil
}

// Predict runs one forward pass over req, each input wrapped as a batch of
// one, and returns the first scalar of the first output. Every failure
// returns Sentinel alongside a *Failure.
func (s *Session) Predict(ctx context.Context, req PredictionRequest) (float64, error) {
	start := time.Now()
	v, err := s.predict(ctx, req)
	s.recorder.ObservePredict(s.engine.Name(), time.Since(start), err)
	if err != nil {
		level := slog.LevelWarn
		if KindOf(err) == NotInitialized {
			level = slog.LevelDebug
		}
		s.logger.Log(ctx, level, "predict_failed", "kind", KindOf(err).String(), "error", errors.Unwrap(err))
	}
	return v, err
}

func (s *Session) predict(ctx context.Context, req PredictionRequest) (result float64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.handle == nil {
		return Sentinel, fail(NotInitialized, ErrNotLoaded)
	}

	defer func() {
		if r := recover(); r != nil {
			result, err = Sentinel, fail(PredictionError, fmt.Errorf("%w: %v", ErrEnginePanic, r))
		}
	}()

	batch := make(map[string]tensor.Tensor, len(req))
	for name, t := range req {
		batch[name] = t.Batch()
	}
	outputs, err := s.handle.Forward(ctx, batch)
	if err != nil {
		return Sentinel, fail(PredictionError, err)
	}
	if len(outputs) == 0 {
		return Sentinel, fail(PredictionError, ErrNoOutput)
	}
	v, err := outputs[0].First()
	if err != nil {
		return Sentinel, fail(PredictionError, fmt.Errorf("%w: %v", ErrNoOutput, err))
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Sentinel, fail(PredictionError, fmt.Errorf("%w: %v", ErrNonFinite, v))
	}
	return v, nil
}

func (s *Session) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle != nil
}

// Inputs lists the input slots of the loaded model, or nil.
func (s *Session) Inputs() []engine.Slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.handle == nil {
		return nil
	}
	return s.handle.Inputs()
}

// Close releases the loaded model and returns the session to Unloaded.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil
	}
	err := s.handle.Close()
	s.handle = nil
	return err
}
