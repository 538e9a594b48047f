package genclient

import (
	"context"
	"log/slog"
	"time"

	"github.com/tmorrow/bookweaver/internal/config"
	"github.com/tmorrow/bookweaver/internal/metrics"
	"github.com/tmorrow/bookweaver/internal/resilience"
	"github.com/tmorrow/bookweaver/pkg/models"
)

// Request is one text generation call described in domain terms. Role picks
// the configured model; the client layer translates the rest to the wire.
type Request struct {
	Role     string // author, critic, editor
	System   string
	Prompt   string
	JSONMode bool
	Priority models.Priority
}

// Generator is the single entry point for generative text calls. Every call
// goes through the resilience wrapper; when the request queue is enabled the
// wrapped call is additionally serialized through it.
type Generator struct {
	cfg       *config.Config
	secrets   *config.Secrets
	client    *Client
	wrapper   *resilience.Wrapper
	queue     *resilience.RequestQueue
	collector *metrics.Collector
	logger    *slog.Logger
}

// NewGenerator creates a generator. queue may be nil when admission control
// is disabled.
func NewGenerator(
	cfg *config.Config,
	secrets *config.Secrets,
	client *Client,
	wrapper *resilience.Wrapper,
	queue *resilience.RequestQueue,
	collector *metrics.Collector,
	logger *slog.Logger,
) *Generator {
	return &Generator{
		cfg:       cfg,
		secrets:   secrets,
		client:    client,
		wrapper:   wrapper,
		queue:     queue,
		collector: collector,
		logger:    logger,
	}
}

// Status exposes the shared availability record
func (g *Generator) Status() *resilience.Status {
	return g.wrapper.Status()
}

// Generate runs one buffered text call
func (g *Generator) Generate(ctx context.Context, name string, req Request) (string, error) {
	modelCfg := g.cfg.Model(req.Role)
	apiKey := g.secrets.GetAPIKey(modelCfg.BaseURL)

	op := func(ctx context.Context) (string, error) {
		return g.client.Complete(ctx, modelCfg, apiKey, g.messages(req), req.JSONMode)
	}
	return g.execute(ctx, name, req, modelCfg, op)
}

// GenerateStream runs one streaming text call, forwarding deltas to onChunk
func (g *Generator) GenerateStream(ctx context.Context, name string, req Request, onChunk ChunkFunc) (string, error) {
	modelCfg := g.cfg.Model(req.Role)
	apiKey := g.secrets.GetAPIKey(modelCfg.BaseURL)

	op := func(ctx context.Context) (string, error) {
		return g.client.CompleteStreaming(ctx, modelCfg, apiKey, g.messages(req), onChunk)
	}
	return g.execute(ctx, name, req, modelCfg, op)
}

func (g *Generator) execute(
	ctx context.Context,
	name string,
	req Request,
	modelCfg config.ModelConfig,
	op resilience.Operation,
) (string, error) {
	wrapped := func(ctx context.Context) (string, error) {
		return g.wrapper.ExecuteN(ctx, name, modelCfg.MaxRetries, op)
	}

	start := time.Now()
	result, err := g.run(ctx, req, wrapped)
	g.collector.RecordServiceCall(req.Role, time.Since(start), err == nil)

	if err != nil {
		g.logger.Error("Generation call failed",
			"call", name,
			"role", req.Role,
			"model", modelCfg.ModelName,
			"error", err)
		return "", err
	}
	return result, nil
}

// run routes the wrapped call through the queue when one is configured
func (g *Generator) run(ctx context.Context, req Request, op resilience.Operation) (string, error) {
	if g.queue == nil {
		return op(ctx)
	}

	priority := req.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}

	done := g.queue.Enqueue(op, priority)
	g.collector.SetQueueDepth(g.queue.Depth())

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case outcome := <-done:
		return outcome.Result, outcome.Err
	}
}

func (g *Generator) messages(req Request) []Message {
	msgs := make([]Message, 0, 2)
	if req.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, Message{Role: "user", Content: req.Prompt})
	return msgs
}
