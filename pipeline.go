package yblocker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// RequestAction is the result of the request phase. A zero value lets the
// request continue unmodified.
type RequestAction struct {
	// Close terminates the client connection without forwarding.
	Close bool
}

// ResponseAction replaces the body of a response. The body must already
// carry the response's Content-Encoding.
type ResponseAction struct {
	Body []byte
}

// ExchangeHooks are invoked by the Interceptor for every exchange.
type ExchangeHooks interface {
	// BeforeRequest classifies the request identified by id.
	BeforeRequest(ctx context.Context, id string, req *http.Request) RequestAction

	// BeforeResponse is called with the upstream response of a request
	// that was not closed. A nil action sends the response unmodified. A
	// hook that reads resp.Body must leave an equivalent reader in place.
	BeforeResponse(ctx context.Context, id string, resp *http.Response) *ResponseAction
}

// VisitRecorder stores visit records.
type VisitRecorder interface {
	Append(rec VisitRecord) error
}

// Annotation results reported to metrics.
const (
	annotateUncorrelated = "uncorrelated"
	annotateNotHTML      = "not_html"
	annotateTooLarge     = "too_large"
	annotateMalformed    = "malformed"
	annotateUnchanged    = "unchanged"
	annotateInjected     = "injected"
)

// Mediator is the decision pipeline and response annotator. It
// implements ExchangeHooks.
type Mediator struct {
	// Engine classifies requests and supplies cosmetics.
	Engine Engine

	// Table correlates the request and response phases.
	Table *CorrelationTable

	// Recorder receives one visit record per annotated document (optional).
	Recorder VisitRecorder

	// MaxBodySize limits the decoded size of annotated bodies.
	MaxBodySize int64

	// Console prints BLOCK/PASS lines (optional).
	Console *Console

	// Metrics collects pipeline metrics (optional).
	Metrics *Metrics

	// Logger for pipeline events
	Logger *slog.Logger

	now func() time.Time
}

// NewMediator creates a Mediator over engine and table.
func NewMediator(engine Engine, table *CorrelationTable, recorder VisitRecorder) *Mediator {
	return &Mediator{
		Engine:      engine,
		Table:       table,
		Recorder:    recorder,
		MaxBodySize: DefaultMaxBodySize,
		Logger:      slog.Default(),
		now:         time.Now,
	}
}

// BeforeRequest implements ExchangeHooks. Blocked requests are never
// registered, so no response phase happens for them. Engine failures
// pass the request.
func (m *Mediator) BeforeRequest(ctx context.Context, id string, req *http.Request) RequestAction {
	rawURL := req.URL.String()
	d := DescribeRequest(rawURL, req.Header)

	blocked, err := m.match(d)
	if err != nil {
		m.Logger.Warn("match failed, passing request", "exchange", id, "url", rawURL, "error", err)
		if m.Metrics != nil {
			m.Metrics.RecordEngineError("match")
		}
		blocked = false
	}

	if blocked {
		m.Logger.Debug("blocked", "exchange", id, "url", rawURL)
		m.Console.Block(req.Host)
		if m.Metrics != nil {
			m.Metrics.RecordExchange("blocked")
		}
		return RequestAction{Close: true}
	}

	m.Table.Register(&Exchange{
		ID:       id,
		URL:      rawURL,
		Header:   req.Header.Clone(),
		Hostname: d.Hostname,
		Domain:   d.Domain,
	})
	m.Console.Pass(req.Host)
	if m.Metrics != nil {
		m.Metrics.RecordExchange("passed")
		m.Metrics.SetCorrelationSize(m.Table.Len())
	}
	return RequestAction{}
}

// BeforeResponse implements ExchangeHooks. Responses without a
// registered exchange, non-HTML responses and bodies that cannot be
// decoded pass through unmodified.
func (m *Mediator) BeforeResponse(ctx context.Context, id string, resp *http.Response) *ResponseAction {
	ex, ok := m.Table.Take(id)
	if m.Metrics != nil {
		m.Metrics.SetCorrelationSize(m.Table.Len())
	}
	if !ok {
		m.recordAnnotation(annotateUncorrelated)
		return nil
	}

	if resp.Body == nil || resp.Body == http.NoBody || !IsHTMLContentType(resp.Header.Get("Content-Type")) {
		m.recordAnnotation(annotateNotHTML)
		return nil
	}

	raw, complete, err := m.readBody(resp)
	if err != nil {
		m.Logger.Debug("read response body", "exchange", id, "url", ex.URL, "error", err)
		m.recordAnnotation(annotateMalformed)
		return nil
	}
	if !complete {
		m.recordAnnotation(annotateTooLarge)
		return nil
	}

	encoding := resp.Header.Get("Content-Encoding")
	body, err := DecompressBytes(raw, encoding, m.MaxBodySize)
	if err != nil {
		if errors.Is(err, ErrBodyTooLarge) {
			m.recordAnnotation(annotateTooLarge)
		} else {
			m.Logger.Debug("decode response body", "exchange", id, "url", ex.URL, "encoding", encoding, "error", err)
			m.recordAnnotation(annotateMalformed)
		}
		return nil
	}

	if !LooksLikeDocument(body) {
		m.recordAnnotation(annotateNotHTML)
		return nil
	}

	d := RequestDescriptor{
		URL:      ex.URL,
		Hostname: ex.Hostname,
		Domain:   ex.Domain,
		Type:     "document",
	}
	cosmetics, err := m.cosmetics(d)
	if err != nil {
		m.Logger.Warn("cosmetics failed", "exchange", id, "url", ex.URL, "error", err)
		if m.Metrics != nil {
			m.Metrics.RecordEngineError("cosmetics")
		}
	}

	annotated, changed := Inject(body, cosmetics)
	if !changed {
		m.recordVisit(ex, body)
		m.recordAnnotation(annotateUnchanged)
		return nil
	}

	encoded, err := CompressBytes(annotated, encoding)
	if err != nil {
		m.Logger.Warn("encode annotated body", "exchange", id, "url", ex.URL, "error", err)
		m.recordAnnotation(annotateMalformed)
		return nil
	}
	m.recordVisit(ex, body)
	m.recordAnnotation(annotateInjected)
	return &ResponseAction{Body: encoded}
}

// match calls the engine, turning panics into errors.
func (m *Mediator) match(d RequestDescriptor) (blocked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			blocked, err = false, fmt.Errorf("engine panic: %v", r)
		}
	}()
	return m.Engine.Match(d)
}

// cosmetics calls the engine, turning panics into errors.
func (m *Mediator) cosmetics(d RequestDescriptor) (c Cosmetics, err error) {
	defer func() {
		if r := recover(); r != nil {
			c, err = Cosmetics{}, fmt.Errorf("engine panic: %v", r)
		}
	}()
	return m.Engine.Cosmetics(d)
}

// readBody buffers resp.Body up to the size limit. When the body is
// larger, resp.Body is rewired to replay the buffered prefix followed by
// the rest of the stream and complete is false. On success resp.Body is
// replaced by a reader over the buffered bytes.
func (m *Mediator) readBody(resp *http.Response) (body []byte, complete bool, err error) {
	limit := m.MaxBodySize
	if limit <= 0 {
		limit = DefaultMaxBodySize
	}

	orig := resp.Body
	body, err = io.ReadAll(io.LimitReader(orig, limit+1))
	if err != nil {
		_ = orig.Close()
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return nil, false, err
	}

	if int64(len(body)) > limit {
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), orig), orig}
		return nil, false, nil
	}

	_ = orig.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return body, true, nil
}

func (m *Mediator) recordVisit(ex *Exchange, body []byte) {
	if m.Recorder == nil {
		return
	}
	rec := NewVisitRecord(ex.URL, ex.Hostname, ExtractTitle(body), m.now())
	if err := m.Recorder.Append(rec); err != nil {
		m.Logger.Error("record visit", "exchange", ex.ID, "url", ex.URL, "error", err)
		if m.Metrics != nil {
			m.Metrics.RecordStoreError("append")
		}
		return
	}
	if m.Metrics != nil {
		m.Metrics.RecordVisit()
	}
}

func (m *Mediator) recordAnnotation(result string) {
	if m.Metrics != nil {
		m.Metrics.RecordAnnotation(result)
	}
}
