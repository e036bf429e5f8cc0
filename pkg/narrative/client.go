package narrative

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gowebpki/jcs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	statePath = "/api/narrative/state"
	applyPath = "/api/narrative/events/apply"

	maxSnapshotBytes = 32 << 20
	maxErrorBody     = 4 << 10
)

// ErrEngineRejected is wrapped when the engine answers 2xx with ok:false.
var ErrEngineRejected = errors.New("narrative engine rejected request")

// HTTPError is a non-2xx engine response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d - %s", e.StatusCode, e.Body)
}

// Client calls the narrative engine's HTTP API. Outbound requests share one
// token bucket so bursts of validations or applies cannot flood the engine.
type Client struct {
	baseURL   string
	projectID string
	http      *http.Client
	limiter   *rate.Limiter
	tracer    trace.Tracer
	logger    *slog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client. The client carries no
// timeout of its own; deadlines come from the caller's context.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRateLimit paces outbound calls. rps <= 0 disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func NewClient(baseURL, projectID string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		projectID: projectID,
		http:      &http.Client{},
		limiter:   rate.NewLimiter(rate.Limit(10), 5),
		tracer:    otel.Tracer("github.com/naos-labs/spine/pkg/narrative"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "narrative")
	return c
}

// ProjectID is the project every call is scoped to.
func (c *Client) ProjectID() string { return c.projectID }

type stateEnvelope struct {
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	Snapshot *Snapshot `json:"snapshot"`
}

// FetchSnapshot reads the current narrative state for the project.
func (c *Client) FetchSnapshot(ctx context.Context) (*Snapshot, error) {
	ctx, span := c.tracer.Start(ctx, "narrative.fetch_snapshot",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("narrative.project_id", c.projectID)),
	)
	defer span.End()

	snap, err := c.fetchSnapshot(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.WarnContext(ctx, "snapshot fetch failed", "project_id", c.projectID, "error", err)
		return nil, err
	}
	return snap, nil
}

func (c *Client) fetchSnapshot(ctx context.Context) (*Snapshot, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	u := c.baseURL + statePath + "?projectId=" + url.QueryEscape(c.projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: readErrorBody(resp.Body)}
	}

	var env stateEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxSnapshotBytes)).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if !env.OK {
		return nil, fmt.Errorf("%w: %s", ErrEngineRejected, orUnknown(env.Error))
	}
	if env.Snapshot == nil {
		return nil, errors.New("snapshot missing from response")
	}
	return env.Snapshot, nil
}

type applyRequest struct {
	ProjectID  string `json:"projectId"`
	ProposalID string `json:"proposalId"`
	Event      Event  `json:"event"`
}

type applyResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ApplyEvent asks the engine to record one proposed event. The request
// carries an Idempotency-Key derived from the proposal id and event content.
func (c *Client) ApplyEvent(ctx context.Context, proposalID string, ev Event) error {
	ctx, span := c.tracer.Start(ctx, "narrative.apply_event",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("narrative.project_id", c.projectID),
			attribute.String("proposal.id", proposalID),
			attribute.String("narrative.event_id", ev.ID),
		),
	)
	defer span.End()

	if err := c.applyEvent(ctx, proposalID, ev); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (c *Client) applyEvent(ctx context.Context, proposalID string, ev Event) error {
	key, err := IdempotencyKey(proposalID, ev)
	if err != nil {
		return err
	}
	body, err := json.Marshal(applyRequest{ProjectID: c.projectID, ProposalID: proposalID, Event: ev})
	if err != nil {
		return fmt.Errorf("encode apply request: %w", err)
	}
	if err := c.wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+applyPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build apply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: readErrorBody(resp.Body)}
	}
	var out applyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&out); err != nil {
		return fmt.Errorf("decode apply response: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("%w: %s", ErrEngineRejected, orUnknown(out.Error))
	}
	return nil
}

// IdempotencyKey is the hex SHA-256 of the canonical JSON of the proposal id
// and the event without its timestamp, so a retried apply of the same event
// yields the same key.
func IdempotencyKey(proposalID string, ev Event) (string, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", fmt.Errorf("decode event: %w", err)
	}
	delete(fields, "timestamp")

	doc, err := json.Marshal(map[string]any{"proposalId": proposalID, "event": fields})
	if err != nil {
		return "", fmt.Errorf("encode idempotency document: %w", err)
	}
	canonical, err := jcs.Transform(doc)
	if err != nil {
		return "", fmt.Errorf("canonicalize idempotency document: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// Wait fails early when the next token lands after the deadline.
		if _, ok := ctx.Deadline(); ok {
			return fmt.Errorf("engine rate limit: %w", context.DeadlineExceeded)
		}
		return fmt.Errorf("engine rate limit: %w", err)
	}
	return nil
}

func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown error"
	}
	return s
}
