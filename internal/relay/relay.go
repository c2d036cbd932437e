package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelai/acctproxy/internal/account"
	"github.com/kestrelai/acctproxy/internal/config"
	"github.com/kestrelai/acctproxy/internal/pricing"
	"github.com/kestrelai/acctproxy/internal/provider"
	"github.com/kestrelai/acctproxy/internal/ratelimit"
	"github.com/kestrelai/acctproxy/internal/scheduler"
	"github.com/kestrelai/acctproxy/internal/telemetry"
	"github.com/kestrelai/acctproxy/internal/writer"
)

// TransportProvider supplies per-account HTTP clients.
type TransportProvider interface {
	GetClient(acct *account.Account) *http.Client
}

// Relay orchestrates the request forwarding pipeline (spec.md §4.3).
type Relay struct {
	accounts  *account.AccountStore
	tokens    *account.TokenManager
	scheduler *scheduler.Scheduler
	registry  *provider.Registry
	rateLimit *ratelimit.Manager
	writer    *writer.Writer
	cfg       *config.Config
	transport TransportProvider
	metrics   *telemetry.Metrics // nil if metrics are disabled
}

func New(
	accounts *account.AccountStore,
	tokens *account.TokenManager,
	sched *scheduler.Scheduler,
	registry *provider.Registry,
	rl *ratelimit.Manager,
	w *writer.Writer,
	cfg *config.Config,
	transport TransportProvider,
	metrics *telemetry.Metrics,
) *Relay {
	return &Relay{
		accounts:  accounts,
		tokens:    tokens,
		scheduler: sched,
		registry:  registry,
		rateLimit: rl,
		writer:    w,
		cfg:       cfg,
		transport: transport,
		metrics:   metrics,
	}
}

// attempt records one candidate's outcome for the exhaustion summary and
// for the request record's failover-attempt count.
type attempt struct {
	AccountName string `json:"account_name"`
	Error       string `json:"error"`
	Retries     int    `json:"retries"`
}

// Handle processes a relay request end-to-end (spec.md §4.3).
func (r *Relay) Handle(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	start := time.Now()
	requestID := uuid.New().String()

	rawBody, err := io.ReadAll(io.LimitReader(req.Body, int64(r.cfg.MaxRequestBodyMB)*1024*1024+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}
	if len(rawBody) > r.cfg.MaxRequestBodyMB*1024*1024 {
		writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body too large")
		return
	}

	var body map[string]any
	if err := json.Unmarshal(rawBody, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}

	model, _ := body["model"].(string)
	isStream, _ := body["stream"].(bool)
	agent := extractAgent(req.Header)

	if r.metrics != nil {
		r.metrics.ActiveRequests.Inc()
		defer r.metrics.ActiveRequests.Dec()
	}

	var excludeIDs []string
	var attempts []attempt
	var lastErr error
	var earliestRetryAfter time.Time

	for {
		if ctx.Err() != nil {
			slog.Debug("client disconnected", "request_id", requestID)
			return
		}

		candidates, err := r.scheduler.Select(ctx, scheduler.SelectOptions{ExcludeIDs: excludeIDs})
		if err != nil {
			lastErr = err
			break
		}
		if len(candidates) == 0 {
			break
		}
		acct := candidates[0]

		outcome := r.tryAccount(ctx, w, req, acct, body, rawBody, model, isStream)
		switch outcome.kind {
		case outcomeSuccess:
			respBody := outcome.respBody
			if !outcome.respCaptured {
				respBody = nil
			}
			r.record(req, requestID, acct.ID, http.StatusOK, true, "", start, len(attempts), model, outcome.usage, outcome.outputTokensPerSec, agent, rawBody, respBody)
			if r.metrics != nil {
				r.metrics.RequestsTotal.WithLabelValues(string(acct.Provider), "success").Inc()
				r.metrics.RequestDuration.WithLabelValues(string(acct.Provider)).Observe(time.Since(start).Seconds())
			}
			return
		case outcomeTerminal:
			attempts = append(attempts, attempt{AccountName: acct.Name, Error: outcome.errMsg, Retries: outcome.retries})
			r.record(req, requestID, acct.ID, outcome.statusCode, false, outcome.errMsg, start, len(attempts), model, pricing.Usage{}, 0, agent, rawBody, outcome.respBody)
			if r.metrics != nil {
				r.metrics.RequestsTotal.WithLabelValues(string(acct.Provider), "client_error").Inc()
			}
			return
		case outcomeRateLimited:
			if !outcome.retryAfter.IsZero() && (earliestRetryAfter.IsZero() || outcome.retryAfter.Before(earliestRetryAfter)) {
				earliestRetryAfter = outcome.retryAfter
			}
			fallthrough
		default: // outcomeFailover
			attempts = append(attempts, attempt{AccountName: acct.Name, Error: outcome.errMsg, Retries: outcome.retries})
			excludeIDs = append(excludeIDs, acct.ID)
			lastErr = fmt.Errorf("%s", outcome.errMsg)
			if r.metrics != nil {
				r.metrics.FailoverTotal.WithLabelValues(outcome.reason).Inc()
			}
		}
	}

	// Candidate list exhausted.
	if lastErr != nil {
		slog.Error("all relay attempts failed", "request_id", requestID, "error", lastErr)
	}
	if !earliestRetryAfter.IsZero() {
		w.Header().Set("Retry-After", earliestRetryAfter.UTC().Format(time.RFC3339))
	}
	summary, _ := json.Marshal(map[string]any{
		"error":      "no available accounts",
		"attempts":   attempts,
		"request_id": requestID,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write(summary)

	r.record(req, requestID, "", http.StatusServiceUnavailable, false, "exhausted candidates", start, len(attempts), model, pricing.Usage{}, 0, agent, rawBody, nil)
	if r.metrics != nil {
		r.metrics.RequestsTotal.WithLabelValues("none", "exhausted").Inc()
	}
}

type outcomeKind int

const (
	outcomeFailover outcomeKind = iota
	outcomeRateLimited
	outcomeTerminal
	outcomeSuccess
)

type outcome struct {
	kind               outcomeKind
	statusCode         int
	errMsg             string
	reason             string
	retries            int
	retryAfter         time.Time
	usage              pricing.Usage
	outputTokensPerSec float64
	respBody           []byte
	respCaptured       bool
}

// tryAccount drives one candidate through the retry-then-failover
// classification in spec.md §4.3 step 5. For outcomeSuccess, the response
// has already been streamed/written to w.
func (r *Relay) tryAccount(
	ctx context.Context,
	w http.ResponseWriter,
	req *http.Request,
	acct *account.Account,
	body map[string]any,
	rawBody []byte,
	model string,
	isStream bool,
) outcome {
	token, err := r.tokens.EnsureValidToken(ctx, acct.ID)
	if err != nil {
		return outcome{kind: outcomeFailover, errMsg: err.Error(), reason: "token_error"}
	}

	p, err := r.registry.Get(acct.Provider)
	if err != nil {
		return outcome{kind: outcomeFailover, errMsg: err.Error(), reason: "unknown_provider"}
	}
	caps := p.Capabilities()

	endpoint := acct.CustomEndpoint
	if endpoint == "" {
		endpoint = caps.DefaultEndpoint
	}
	upstreamURL := strings.TrimRight(endpoint, "/") + req.URL.Path
	if req.URL.RawQuery != "" {
		upstreamURL += "?" + req.URL.RawQuery
	}

	var lastErr error
	for retry := 0; ; retry++ {
		if ctx.Err() != nil {
			return outcome{kind: outcomeFailover, errMsg: "client disconnected", reason: "client_disconnected"}
		}

		transformed, err := p.RequestTransform(cloneBody(body), acct.ModelMappings)
		if err != nil {
			return outcome{kind: outcomeFailover, errMsg: err.Error(), reason: "transform_error"}
		}
		upstreamBody, _ := json.Marshal(transformed)

		upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, bytes.NewReader(upstreamBody))
		if err != nil {
			return outcome{kind: outcomeFailover, errMsg: err.Error(), reason: "build_request"}
		}
		upReq.Header = filterHeaders(req.Header)
		setAuthHeader(upReq.Header, caps.AuthHeader, token)
		if isStream {
			upReq.Header.Set("Accept", "text/event-stream")
		}

		client := r.transport.GetClient(acct)
		resp, err := client.Do(upReq)
		if err != nil {
			lastErr = err
			if retry < r.cfg.RetryAttempts {
				if !sleepBackoff(ctx, r.cfg.RetryDelayMs, r.cfg.RetryBackoff, retry) {
					return outcome{kind: outcomeFailover, errMsg: "client disconnected", reason: "client_disconnected"}
				}
				continue
			}
			return outcome{kind: outcomeFailover, errMsg: lastErr.Error(), reason: "network_error", retries: retry}
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			usage, outputTokensPerSec, captured, truncated := r.serveSuccess(ctx, w, resp, acct, model, isStream)
			return outcome{
				kind:               outcomeSuccess,
				usage:              usage,
				outputTokensPerSec: outputTokensPerSec,
				respBody:           captured,
				respCaptured:       !truncated,
			}

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			errBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			go func() { _, _ = r.tokens.ForceRefresh(context.Background(), acct.ID) }()
			return outcome{
				kind:   outcomeFailover,
				errMsg: fmt.Sprintf("upstream %d: %s", resp.StatusCode, truncate(string(errBody), 200)),
				reason: "auth_failed",
			}

		case resp.StatusCode == http.StatusTooManyRequests:
			sig := ratelimit.ParseHeaders(resp.Header, time.Now())
			errBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err := r.rateLimit.Apply(ctx, acct.ID, sig, time.Now()); err != nil {
				slog.Error("apply rate limit", "account_id", acct.ID, "error", err)
			}
			return outcome{
				kind:       outcomeRateLimited,
				errMsg:     fmt.Sprintf("upstream 429: %s", truncate(string(errBody), 200)),
				reason:     "rate_limited",
				retryAfter: sig.Until,
			}

		case resp.StatusCode >= 500:
			errBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("upstream %d: %s", resp.StatusCode, truncate(string(errBody), 200))
			if retry < r.cfg.RetryAttempts {
				if !sleepBackoff(ctx, r.cfg.RetryDelayMs, r.cfg.RetryBackoff, retry) {
					return outcome{kind: outcomeFailover, errMsg: "client disconnected", reason: "client_disconnected"}
				}
				continue
			}
			return outcome{kind: outcomeFailover, errMsg: lastErr.Error(), reason: "upstream_5xx", retries: retry}

		default:
			errBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			sanitizedStatus, sanitizedBody := SanitizeError(resp.StatusCode, errBody)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(sanitizedStatus)
			w.Write(sanitizedBody)
			return outcome{kind: outcomeTerminal, statusCode: sanitizedStatus, errMsg: string(errBody), respBody: sanitizedBody}
		}
	}
}

// serveSuccess forwards the upstream 2xx response to the client, tapping
// usage telemetry along the way (spec.md §4.4), and updates session
// affinity/usage counters via the async writer.
func (r *Relay) serveSuccess(
	ctx context.Context,
	w http.ResponseWriter,
	resp *http.Response,
	acct *account.Account,
	model string,
	isStream bool,
) (pricing.Usage, float64, []byte, bool) {
	defer resp.Body.Close()

	var usage Usage
	var respCapture bytes.Buffer
	capLimit := r.cfg.MaxPayloadCaptureBytes
	truncated := false
	var outputTokensPerSec float64

	if isStream {
		copyHeaders(w.Header(), resp.Header)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)

		scanner := NewSSEScanner(resp.Body)
		var firstByte, lastByte time.Time
		for scanner.Scan() {
			if ctx.Err() != nil {
				break
			}
			line := scanner.Text()
			if firstByte.IsZero() {
				firstByte = time.Now()
			}
			lastByte = time.Now()

			if strings.HasPrefix(line, "data:") {
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				ParseMessageStart([]byte(data), &usage)
				ParseMessageDelta([]byte(data), &usage)
				ParseMessageStop([]byte(data), &usage)

				if isSSEErrorEvent([]byte(data)) {
					sanitized := SanitizeSSEError(http.StatusBadGateway, []byte(data))
					fmt.Fprint(w, sanitized)
					if respCapture.Len() < capLimit {
						respCapture.WriteString(sanitized)
					} else {
						truncated = true
					}
					if flusher != nil {
						flusher.Flush()
					}
					continue
				}
			}

			fmt.Fprintf(w, "%s\n", line)
			if respCapture.Len() < capLimit {
				respCapture.WriteString(line)
				respCapture.WriteByte('\n')
			} else {
				truncated = true
			}
			if line == "" && flusher != nil {
				flusher.Flush()
			}
		}
		if flusher != nil {
			flusher.Flush()
		}
		if !firstByte.IsZero() && lastByte.After(firstByte) {
			outputTokensPerSec = float64(usage.OutputTokens) / lastByte.Sub(firstByte).Seconds()
		}
	} else {
		rawResp, err := io.ReadAll(resp.Body)
		if err != nil {
			writeError(w, http.StatusBadGateway, "api_error", "failed to read upstream response")
			return pricing.Usage{}, 0, nil, true
		}
		p, _ := r.registry.Get(acct.Provider)
		transformedResp := rawResp
		if p != nil {
			if out, err := p.ResponseTransform(rawResp, false); err == nil {
				transformedResp = out
			}
		}
		if u := ParseJSONUsage(transformedResp); u != nil {
			usage = *u
		}
		copyHeaders(w.Header(), resp.Header)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(transformedResp)
		if len(transformedResp) <= capLimit {
			respCapture.Write(transformedResp)
		} else {
			truncated = true
		}
	}

	now := time.Now()
	sessionStartMs := int64(0)
	sessionRequests := acct.Session.RequestCount + 1
	if !acct.InSession(now, r.cfg.SessionDurationMs) {
		sessionStartMs = now.UnixMilli()
		sessionRequests = 1
	}
	r.writer.Enqueue(writer.UpdateAccountUsageJob{
		AccountID:          acct.ID,
		LastUsedMs:         now.UnixMilli(),
		RequestCountDelta:  1,
		TotalRequestsDelta: 1,
		SessionStartMs:     sessionStartMs,
		SessionRequests:    sessionRequests,
	})

	resolvedModel := model
	if usage.Model != "" {
		resolvedModel = usage.Model
	}
	cost := pricing.Cost(resolvedModel, pricing.Usage{
		InputTokens:       usage.InputTokens,
		OutputTokens:      usage.OutputTokens,
		CacheReadTokens:   usage.CacheReadInputTokens,
		CacheCreateTokens: usage.CacheCreationInputTokens,
	})
	if r.metrics != nil {
		r.metrics.TokensProcessed.WithLabelValues(resolvedModel, "input").Add(float64(usage.InputTokens))
		r.metrics.TokensProcessed.WithLabelValues(resolvedModel, "output").Add(float64(usage.OutputTokens))
		r.metrics.CostUSDTotal.WithLabelValues(resolvedModel).Add(cost)
	}

	return pricing.Usage{
		InputTokens:       usage.InputTokens,
		OutputTokens:      usage.OutputTokens,
		CacheReadTokens:   usage.CacheReadInputTokens,
		CacheCreateTokens: usage.CacheCreationInputTokens,
	}, outputTokensPerSec, respCapture.Bytes(), truncated
}

// record enqueues the audit request row and its payload via the async
// writer, exactly once per request (spec.md §3 "Request record").
func (r *Relay) record(
	req *http.Request,
	requestID, accountID string,
	statusCode int,
	success bool,
	errMsg string,
	start time.Time,
	failoverAttempts int,
	model string,
	usage pricing.Usage,
	outputTokensPerSec float64,
	agent string,
	rawReqBody []byte,
	rawRespBody []byte,
) {
	cost := pricing.Cost(model, usage)

	rec := writer.RequestRecord{
		ID:                 requestID,
		TimestampMs:        start.UnixMilli(),
		Method:             req.Method,
		Path:               req.URL.Path,
		AccountID:          accountID,
		StatusCode:         statusCode,
		Success:            success,
		ErrorMessage:       truncate(errMsg, 500),
		ResponseTimeMs:     time.Since(start).Milliseconds(),
		FailoverAttempts:   failoverAttempts,
		Model:              model,
		InputTokens:        usage.InputTokens,
		OutputTokens:       usage.OutputTokens,
		CacheReadTokens:    usage.CacheReadTokens,
		CacheCreateTokens:  usage.CacheCreateTokens,
		PromptTokens:       usage.InputTokens,
		CompletionTokens:   usage.OutputTokens,
		TotalTokens:        usage.InputTokens + usage.CacheReadTokens + usage.CacheCreateTokens + usage.OutputTokens,
		CostUSD:            cost,
		Agent:              agent,
		OutputTokensPerSec: outputTokensPerSec,
	}
	r.writer.Enqueue(writer.InsertRequestJob{Request: rec})

	reqHeadersJSON, _ := json.Marshal(req.Header)
	respBodyB64 := "[streamed]"
	if rawRespBody != nil && len(rawRespBody) <= r.cfg.MaxPayloadCaptureBytes {
		respBodyB64 = base64.StdEncoding.EncodeToString(rawRespBody)
	}
	reqBodyB64 := ""
	if len(rawReqBody) <= r.cfg.MaxPayloadCaptureBytes {
		reqBodyB64 = base64.StdEncoding.EncodeToString(rawReqBody)
	}
	r.writer.Enqueue(writer.UpsertPayloadJob{
		RequestID:      requestID,
		RequestHeaders: string(reqHeadersJSON),
		RequestBody:    reqBodyB64,
		ResponseBody:   respBodyB64,
	})
}

func sleepBackoff(ctx context.Context, base time.Duration, factor float64, attempt int) bool {
	delay := base
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * factor)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func cloneBody(body map[string]any) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = v
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vals := range src {
		lower := strings.ToLower(k)
		if lower == "content-length" || lower == "connection" || lower == "transfer-encoding" {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":"error","error":{"type":"%s","message":"%s"}}`, errType, msg)
}
