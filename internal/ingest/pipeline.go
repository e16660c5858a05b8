// Package ingest records IO completions delivered through a JetStream
// stream.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gftdcojp/cas-ioclass/internal/config"
	"github.com/gftdcojp/cas-ioclass/internal/engine"
	"github.com/gftdcojp/cas-ioclass/internal/metrics"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// PipelineConfig holds dependencies for the ingest pipeline.
type PipelineConfig struct {
	JS      jetstream.JetStream
	Manager *engine.Manager
	Ingest  config.IngestConfig
	Logger  *zap.Logger
}

// Pipeline consumes completion events from a durable pull consumer and
// records them against the active generation of their cache. Delivery is
// at least once, so a redelivered event is counted again.
type Pipeline struct {
	js     jetstream.JetStream
	mgr    *engine.Manager
	cfg    config.IngestConfig
	logger *zap.Logger
}

// NewPipeline creates a new ingest pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		js:     cfg.JS,
		mgr:    cfg.Manager,
		cfg:    cfg.Ingest,
		logger: logger.Named("ingest"),
	}
}

func (p *Pipeline) filterSubject() string {
	return p.cfg.SubjectPrefix + ".completions.>"
}

// ensureStream creates the completion stream when configured to.
func (p *Pipeline) ensureStream(ctx context.Context) error {
	if !p.cfg.CreateStream {
		return nil
	}
	_, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      p.cfg.Stream,
		Subjects:  []string{p.filterSubject()},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    p.cfg.MaxAge.Duration(),
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("creating stream %s: %w", p.cfg.Stream, err)
	}
	return nil
}

// Run consumes completions until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.ensureStream(ctx); err != nil {
		return err
	}

	batchSize := p.cfg.FetchBatch
	if batchSize == 0 {
		batchSize = 256
	}

	cons, err := p.js.CreateOrUpdateConsumer(ctx, p.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       p.cfg.ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		FilterSubject: p.filterSubject(),
		MaxAckPending: batchSize * 4,
	})
	if err != nil {
		return fmt.Errorf("creating consumer %s on stream %s: %w", p.cfg.ConsumerName, p.cfg.Stream, err)
	}

	p.logger.Info("ingest pipeline started",
		zap.String("stream", p.cfg.Stream),
		zap.String("consumer", p.cfg.ConsumerName),
		zap.String("filter", p.filterSubject()),
		zap.Int("fetch_batch", batchSize),
	)

	fetchTimeout := p.cfg.FetchTimeout.Duration()
	if fetchTimeout == 0 {
		fetchTimeout = 5 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := cons.Fetch(batchSize, jetstream.FetchMaxWait(fetchTimeout))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			p.logger.Warn("fetch error, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for msg := range msgs.Messages() {
			p.handle(msg)
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
			p.logger.Warn("batch error", zap.Error(err))
		}
	}
}

// handle records one event. Events that can never be recorded are
// terminated; everything else is acknowledged.
func (p *Pipeline) handle(msg jetstream.Msg) {
	result, cache := p.record(msg)
	metrics.CompletionsIngested.WithLabelValues(cache, result).Inc()

	var err error
	if result == "malformed" {
		err = msg.Term()
	} else {
		err = msg.Ack()
	}
	if err != nil {
		p.logger.Warn("failed to ack completion", zap.String("subject", msg.Subject()), zap.Error(err))
	}
}

func (p *Pipeline) record(msg jetstream.Msg) (result, cache string) {
	cache, core, ok := ParseCompletionSubject(p.cfg.SubjectPrefix, msg.Subject())
	if !ok {
		p.logger.Debug("unexpected subject", zap.String("subject", msg.Subject()))
		return "malformed", ""
	}
	var ev Completion
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		p.logger.Debug("undecodable completion", zap.String("subject", msg.Subject()), zap.Error(err))
		return "malformed", cache
	}
	o, err := ev.outcome()
	if err != nil {
		p.logger.Debug("invalid completion", zap.String("subject", msg.Subject()), zap.Error(err))
		return "malformed", cache
	}

	c, err := p.mgr.Get(cache)
	if err != nil {
		return "unknown_cache", cache
	}
	if ev.Generation != 0 {
		err = c.ReportCompletionAt(ev.Generation, core, ev.ClassID, o)
	} else {
		err = c.ReportCompletion(core, ev.ClassID, o)
	}
	switch {
	case errors.Is(err, engine.ErrStaleGeneration):
		return "stale", cache
	case err != nil:
		return "rejected", cache
	}
	return "recorded", cache
}
