package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/boddenberg/cv-analyzer-bfa-go/internal/domain"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/extract"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/infra/cache"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/infra/observability"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/port"
)

var tracer = otel.Tracer("service/pipeline")

// Stage declares one step of the pipeline. Stages read the accumulator built
// by the stages before them and add their own payload under Name.
type Stage struct {
	Name     string
	Critical bool
	// RequiredKeys must be present at the top level of the extracted object.
	RequiredKeys []string
	// Tools are backend capabilities enabled for this stage's call.
	Tools []string
	// BuildPrompt returns a *domain.ErrValidation when the accumulator lacks
	// the inputs the stage needs.
	BuildPrompt func(acc map[string]any) (domain.Content, error)
	// CacheKey returns the stage-specific part of the cache key, or "" to
	// bypass the cache.
	CacheKey func(acc map[string]any) string
	CacheTTL time.Duration
	// Fallback builds a deterministic substitute payload. Only per-agent
	// calls use it; pipeline runs record the failure instead.
	Fallback func(acc map[string]any) map[string]any
}

// Pipeline runs an ordered list of stages strictly sequentially.
type Pipeline struct {
	stages    []Stage
	index     map[string]int
	gen       port.Generator
	extractor *extract.Extractor
	cache     port.Cache[map[string]any]
	metrics   *observability.Metrics
	logger    *zap.Logger
	genCfg    domain.ModelConfig
	now       func() time.Time
}

// PipelineOption customises a Pipeline.
type PipelineOption func(*Pipeline)

// WithGenerationConfig sets the sampling parameters sent with every stage call.
func WithGenerationConfig(cfg domain.ModelConfig) PipelineOption {
	return func(p *Pipeline) { p.genCfg = cfg }
}

// WithPipelineClock overrides time.Now for snapshot timestamps.
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline validates the stage list and wires the pipeline.
func NewPipeline(
	stages []Stage,
	gen port.Generator,
	extractor *extract.Extractor,
	c port.Cache[map[string]any],
	metrics *observability.Metrics,
	logger *zap.Logger,
	opts ...PipelineOption,
) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, errors.New("pipeline: no stages")
	}
	index := make(map[string]int, len(stages))
	for i, st := range stages {
		if st.Name == "" || st.BuildPrompt == nil {
			return nil, fmt.Errorf("pipeline: stage %d needs a name and a prompt builder", i)
		}
		if _, dup := index[st.Name]; dup {
			return nil, fmt.Errorf("pipeline: duplicate stage %q", st.Name)
		}
		index[st.Name] = i
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pipeline{
		stages:    stages,
		index:     index,
		gen:       gen,
		extractor: extractor,
		cache:     c,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StageNames lists the stages in execution order.
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.stages))
	for i, st := range p.stages {
		names[i] = st.Name
	}
	return names
}

// Stage looks up a stage declaration by name.
func (p *Pipeline) Stage(name string) (Stage, bool) {
	i, ok := p.index[name]
	if !ok {
		return Stage{}, false
	}
	return p.stages[i], true
}

// Model returns the model stages are generated with.
func (p *Pipeline) Model() string {
	return p.gen.Model()
}

// SetModel forwards a model switch to the generation layer. Cache keys
// include the model, so results of the previous model are not reused.
func (p *Pipeline) SetModel(model string) {
	p.gen.SetModel(model)
}

// ResetCache drops every cached stage result.
func (p *Pipeline) ResetCache() {
	p.cache.Reset()
}

// run is the mutable state of one pipeline execution.
type run struct {
	snap     domain.Snapshot
	acc      map[string]any
	statuses []domain.StageStatus
}

func (r *run) transition(i int, next domain.StageStatus) error {
	cur := r.statuses[i]
	if !cur.CanTransition(next) {
		return fmt.Errorf("stage %s: illegal transition %s -> %s", r.snap.Stages[i].Stage, cur, next)
	}
	r.statuses[i] = next
	r.snap.Stages[i].Status = next
	r.snap.StageStatuses[r.snap.Stages[i].Stage] = next
	return nil
}

// snapshot returns a copy that later transitions do not mutate.
func (r *run) snapshot(now time.Time) domain.Snapshot {
	s := r.snap
	s.UpdatedAt = now
	s.StageStatuses = make(map[string]domain.StageStatus, len(r.snap.StageStatuses))
	for k, v := range r.snap.StageStatuses {
		s.StageStatuses[k] = v
	}
	s.Stages = append([]domain.StageResult(nil), r.snap.Stages...)
	s.Accumulator = make(map[string]any, len(r.acc))
	for k, v := range r.acc {
		s.Accumulator[k] = v
	}
	return s
}

// Run executes every stage in order. emit, when non-nil, receives a snapshot
// after each stage transition and once more when the run is done.
//
// A failed critical stage aborts the run: later stages stay pending, the
// final snapshot carries the error and a *domain.ErrPipelineAbort is
// returned. A failed optional stage leaves {error, details} in the
// accumulator and the run continues.
func (p *Pipeline) Run(ctx context.Context, input map[string]any, emit func(domain.Snapshot)) (domain.Snapshot, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.Run")
	defer span.End()

	start := p.now()
	r := &run{
		snap: domain.Snapshot{
			RunID:         uuid.New().String(),
			Model:         p.gen.Model(),
			StageStatuses: make(map[string]domain.StageStatus, len(p.stages)),
			Stages:        make([]domain.StageResult, len(p.stages)),
		},
		acc:      map[string]any{"input": input},
		statuses: make([]domain.StageStatus, len(p.stages)),
	}
	for i, st := range p.stages {
		r.snap.Stages[i] = domain.StageResult{Stage: st.Name, Critical: st.Critical, Status: domain.StagePending}
		r.snap.StageStatuses[st.Name] = domain.StagePending
	}
	span.SetAttributes(attribute.String("run.id", r.snap.RunID), attribute.String("model", r.snap.Model))
	logger := p.logger.With(zap.String("run_id", r.snap.RunID))

	publish := func() {
		if emit != nil {
			emit(r.snapshot(p.now()))
		}
	}
	finish := func(result string) domain.Snapshot {
		r.snap.Done = true
		final := r.snapshot(p.now())
		if emit != nil {
			emit(final)
		}
		p.metrics.IncrPipelineRun(result)
		p.metrics.RecordRequestDuration("pipeline", p.now().Sub(start))
		return final
	}

	for i, st := range p.stages {
		if err := ctx.Err(); err != nil {
			r.snap.Error = &domain.PipelineError{Stage: st.Name, Message: "run cancelled", Source: domain.ErrorSource(err)}
			logger.Warn("pipeline cancelled", zap.String("stage", st.Name))
			span.SetStatus(codes.Error, "cancelled")
			return finish("cancelled"), err
		}

		if err := r.transition(i, domain.StageProcessing); err != nil {
			return finish("aborted"), err
		}
		started := p.now()
		r.snap.Stages[i].StartedAt = &started
		publish()

		payload, cached, err := p.execute(ctx, st, r.acc, r.snap.Model)
		finished := p.now()
		r.snap.Stages[i].FinishedAt = &finished

		if err == nil {
			r.acc[st.Name] = payload
			r.snap.Stages[i].Payload = payload
			r.snap.Stages[i].Cached = cached
			if terr := r.transition(i, domain.StageCompleted); terr != nil {
				return finish("aborted"), terr
			}
			p.metrics.RecordStage(st.Name, domain.StageCompleted.String())
			logger.Info("stage completed",
				zap.String("stage", st.Name),
				zap.Bool("cached", cached),
				zap.Duration("elapsed", finished.Sub(started)),
			)
			publish()
			continue
		}

		source := domain.ErrorSource(err)
		r.snap.Stages[i].Error = &domain.StageError{Kind: source, Message: err.Error()}
		if terr := r.transition(i, domain.StageFailed); terr != nil {
			return finish("aborted"), terr
		}
		p.metrics.RecordStage(st.Name, domain.StageFailed.String())

		if st.Critical {
			r.snap.Error = &domain.PipelineError{Stage: st.Name, Message: err.Error(), Source: source}
			logger.Error("critical stage failed, aborting run",
				zap.String("stage", st.Name),
				zap.String("source", source),
				zap.Error(err),
			)
			span.SetStatus(codes.Error, "aborted at "+st.Name)
			publish()
			return finish("aborted"), &domain.ErrPipelineAbort{Stage: st.Name, Err: err}
		}

		r.acc[st.Name] = map[string]any{"error": err.Error(), "details": source}
		logger.Warn("optional stage failed, continuing",
			zap.String("stage", st.Name),
			zap.String("source", source),
			zap.Error(err),
		)
		publish()
	}

	return finish("completed"), nil
}

// RunStage executes a single stage against a caller-supplied accumulator.
// It backs the per-agent endpoints.
func (p *Pipeline) RunStage(ctx context.Context, name string, acc map[string]any) (map[string]any, bool, error) {
	st, ok := p.Stage(name)
	if !ok {
		return nil, false, &domain.ErrNotFound{Resource: "agent", ID: name}
	}
	ctx, span := tracer.Start(ctx, "Pipeline.RunStage")
	defer span.End()
	span.SetAttributes(attribute.String("stage", name))

	payload, cached, err := p.execute(ctx, st, acc, p.gen.Model())
	if err != nil {
		span.RecordError(err)
		p.metrics.RecordStage(name, domain.StageFailed.String())
		return nil, false, err
	}
	p.metrics.RecordStage(name, domain.StageCompleted.String())
	return payload, cached, nil
}

// execute builds the prompt, consults the cache and otherwise generates and
// extracts the stage payload.
func (p *Pipeline) execute(ctx context.Context, st Stage, acc map[string]any, model string) (map[string]any, bool, error) {
	content, err := st.BuildPrompt(acc)
	if err != nil {
		return nil, false, fmt.Errorf("stage %s: %w", st.Name, err)
	}

	compute := func() (map[string]any, error) {
		gen, err := p.gen.Generate(ctx, domain.GenerationRequest{
			Content:      content,
			AffinityHint: st.Name,
			Tools:        st.Tools,
			Config:       p.genCfg,
		})
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", st.Name, err)
		}
		obj, pass, err := p.extractor.ExtractWithPass(gen.Text)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", st.Name, err)
		}
		if pass != "" {
			p.metrics.IncrRepair(pass)
		}
		if err := extract.RequireKeys(obj, st.RequiredKeys...); err != nil {
			return nil, fmt.Errorf("stage %s: %w", st.Name, err)
		}
		return obj, nil
	}

	if st.CacheKey == nil {
		obj, err := compute()
		return obj, false, err
	}
	part := st.CacheKey(acc)
	if part == "" {
		obj, err := compute()
		return obj, false, err
	}

	key := cache.Key(st.Name, model, part)
	obj, hit, err := p.cache.GetOrCompute(key, st.CacheTTL, compute)
	if hit {
		p.metrics.IncrCacheHit(st.Name)
	} else {
		p.metrics.IncrCacheMiss(st.Name)
	}
	return obj, hit, err
}
