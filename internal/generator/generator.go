// Package generator drafts follow-up emails. Stream yields model output as it
// arrives; Generate drains the same stream and reduces it to a Result.
package generator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/salesmail/internal/composer"
	"github.com/kalambet/salesmail/internal/customer"
	"github.com/kalambet/salesmail/internal/document"
	"github.com/kalambet/salesmail/internal/prompt"
	"github.com/kalambet/salesmail/internal/serving"
	"github.com/kalambet/salesmail/internal/tracking"
)

const (
	traceName        = "generate_email"
	noInstructions   = "No instructions provided"
	parseFailurePref = "Failed to parse email JSON: "
)

// Model streams chat completions from a served model.
type Model interface {
	StreamChat(ctx context.Context, model string, msgs []serving.Message) iter.Seq2[string, error]
}

// Customers resolves an account name to its record.
type Customers interface {
	Lookup(name string) (customer.Record, error)
}

// Tracer records the lifecycle of a generation.
type Tracer interface {
	StartTrace(ctx context.Context, start tracking.TraceStart) (string, error)
	EndTrace(ctx context.Context, traceID string, end tracking.TraceEnd) error
}

// Observer is told about every generation that produced a parsed email.
type Observer interface {
	Observe(ctx context.Context, s Sample)
}

// Request asks for an email to one customer.
type Request struct {
	CustomerName string `json:"customer_name"`
	UserInput    string `json:"user_input"`
}

// Sample is a finished generation together with the context it was built
// from.
type Sample struct {
	TraceID      string
	CustomerName string
	UserInput    string
	Documents    []document.Document
	Result       Result
}

// Config holds the fixed inputs of a Generator.
type Config struct {
	// Endpoint is the serving endpoint name sent as the model.
	Endpoint string
	Prompt   prompt.Coordinate
	// ReloadPerRequest resolves the prompt alias before every generation.
	ReloadPerRequest bool
}

// Deps are the collaborators of a Generator. Observer and Logger are
// optional.
type Deps struct {
	Model     Model
	Customers Customers
	Prompts   prompt.Registry
	Tracer    Tracer
	Observer  Observer
	Logger    *slog.Logger
}

type Generator struct {
	cfg       Config
	model     Model
	customers Customers
	prompts   prompt.Registry
	tracer    Tracer
	observer  Observer
	log       *slog.Logger

	current atomic.Pointer[prompt.Prompt]
}

// New builds a Generator and loads the configured prompt once.
func New(ctx context.Context, cfg Config, deps Deps) (*Generator, error) {
	if deps.Model == nil || deps.Customers == nil || deps.Prompts == nil || deps.Tracer == nil {
		return nil, errors.New("generator: model, customers, prompts and tracer are required")
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	g := &Generator{
		cfg:       cfg,
		model:     deps.Model,
		customers: deps.Customers,
		prompts:   deps.Prompts,
		tracer:    deps.Tracer,
		observer:  deps.Observer,
		log:       log,
	}
	if _, err := g.Reload(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// Reload resolves the prompt alias again and swaps in the result. In-flight
// generations keep the prompt they started with.
func (g *Generator) Reload(ctx context.Context) (prompt.Prompt, error) {
	p, err := g.prompts.Load(ctx, g.cfg.Prompt)
	if err != nil {
		return prompt.Prompt{}, fmt.Errorf("load prompt %s: %w", g.cfg.Prompt.URI(), err)
	}
	g.current.Store(&p)
	g.log.Info("prompt loaded", "prompt", p.ModelName())
	return p, nil
}

// Prompt returns the prompt currently in use.
func (g *Generator) Prompt() prompt.Prompt {
	return *g.current.Load()
}

func (g *Generator) promptFor(ctx context.Context) (prompt.Prompt, error) {
	if !g.cfg.ReloadPerRequest {
		return g.Prompt(), nil
	}
	return g.Reload(ctx)
}

// Stream generates an email for req, yielding one TokenChunk per model delta
// and then exactly one DoneChunk or ErrorChunk. Failures before the terminal
// chunk are yielded as an *Error and end the sequence. Nothing happens until
// the sequence is ranged over; stopping early closes the model stream.
func (g *Generator) Stream(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return g.stream(ctx, req, nil)
}

// Generate drains Stream and reduces it.
func (g *Generator) Generate(ctx context.Context, req Request) (Result, error) {
	s, err := g.Run(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return s.Result, nil
}

// Run is Generate that also returns the documents the email was built from.
func (g *Generator) Run(ctx context.Context, req Request) (Sample, error) {
	var (
		sample Sample
		chunks []Chunk
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		for c, err := range g.stream(egCtx, req, &sample) {
			if err != nil {
				return err
			}
			chunks = append(chunks, c)
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		return Sample{}, err
	}
	sample.Result = Reduce(chunks, sample.TraceID)
	return sample, nil
}

func (g *Generator) stream(ctx context.Context, req Request, out *Sample) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		p, err := g.promptFor(ctx)
		if err != nil {
			yield(nil, &Error{Kind: KindInternal, Op: "prompt", Err: err})
			return
		}
		rec, err := g.customers.Lookup(req.CustomerName)
		if err != nil {
			yield(nil, lookupError(err))
			return
		}
		docs := rec.Documents()
		msgs := composer.Compose(p.Template, docs, req.UserInput)

		traceID := g.startTrace(ctx, req, docs, p)
		if out != nil {
			*out = Sample{TraceID: traceID, CustomerName: req.CustomerName, UserInput: req.UserInput, Documents: docs}
		}
		g.log.Debug("generation started",
			"trace_id", traceID,
			"customer", req.CustomerName,
			"documents", len(docs),
			"estimated_tokens", composer.EstimateTokens(msgs),
		)

		var (
			buf      strings.Builder
			chunks   []Chunk
			finished bool
		)
		defer func() {
			if !finished {
				g.endTrace(context.WithoutCancel(ctx), traceID, tracking.TraceEnd{Status: tracking.StatusError})
			}
		}()

		for delta, err := range g.model.StreamChat(ctx, g.cfg.Endpoint, msgs) {
			if err != nil {
				yield(nil, &Error{Kind: KindUnavailable, Op: "model stream", Err: err})
				return
			}
			buf.WriteString(delta)
			chunks = append(chunks, TokenChunk{Text: delta})
			if !yield(TokenChunk{Text: delta}, nil) {
				return
			}
		}

		var terminal Chunk
		end := tracking.TraceEnd{Status: tracking.StatusOK}
		if _, perr := ParseEmail(buf.String()); perr != nil {
			terminal = ErrorChunk{Message: parseFailurePref + perr.Error()}
			end.Status = tracking.StatusError
		} else {
			terminal = DoneChunk{TraceID: traceID}
		}
		result := Reduce(append(chunks, terminal), traceID)
		if end.Status == tracking.StatusOK {
			end = successEnd(req, result)
		}

		finished = true
		g.endTrace(context.WithoutCancel(ctx), traceID, end)

		sample := Sample{
			TraceID:      traceID,
			CustomerName: req.CustomerName,
			UserInput:    req.UserInput,
			Documents:    docs,
			Result:       result,
		}
		if out != nil {
			*out = sample
		}
		if end.Status == tracking.StatusOK && g.observer != nil {
			g.observer.Observe(context.WithoutCancel(ctx), sample)
		}
		yield(terminal, nil)
	}
}

func successEnd(req Request, res Result) tracking.TraceEnd {
	instructions := req.UserInput
	hasInstructions := "yes"
	if instructions == "" {
		instructions = noInstructions
		hasInstructions = "no"
	}
	return tracking.TraceEnd{
		Status:          tracking.StatusOK,
		Subject:         res.Subject,
		Body:            res.Body,
		RequestPreview:  fmt.Sprintf("Customer: %s; User Instructions: %s", req.CustomerName, instructions),
		ResponsePreview: res.Body,
		Tags:            map[string]string{tracking.TagUserInstructions: hasInstructions},
	}
}

// startTrace never fails the generation: if the tracker is unreachable a
// locally issued id is used instead.
func (g *Generator) startTrace(ctx context.Context, req Request, docs []document.Document, p prompt.Prompt) string {
	id, err := g.tracer.StartTrace(ctx, tracking.TraceStart{
		Name:         traceName,
		CustomerName: req.CustomerName,
		UserInput:    req.UserInput,
		Documents:    docs,
		Tags:         map[string]string{tracking.TagPromptModel: p.ModelName()},
		StartedAt:    time.Now(),
	})
	if err != nil {
		id = tracking.NewTraceID()
		g.log.Warn("start trace failed, using local id", "trace_id", id, "error", err)
	}
	return id
}

func (g *Generator) endTrace(ctx context.Context, traceID string, end tracking.TraceEnd) {
	end.EndedAt = time.Now()
	if err := g.tracer.EndTrace(ctx, traceID, end); err != nil {
		g.log.Warn("end trace failed", "trace_id", traceID, "error", err)
	}
}
