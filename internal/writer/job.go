// Package writer implements the proxy's async database writer: a single
// consumer goroutine drains a bounded job queue and applies jobs in
// batched transactions, so the hot request path never opens a SQL
// transaction itself (spec.md §4.5).
package writer

// Job is the typed sum type accepted by the writer queue. Every mutation
// the hot path wants persisted is expressed as one of the concrete types
// below; Backend.ApplyBatch type-switches over them inside one transaction.
type Job interface {
	isJob()
}

// RequestRecord is the immutable audit row created exactly once per
// completed (or finally-failed) client request.
type RequestRecord struct {
	ID               string
	TimestampMs      int64
	Method           string
	Path             string
	AccountID        string // empty if no candidate was ever reached
	StatusCode       int
	Success          bool
	ErrorMessage     string
	ResponseTimeMs   int64
	FailoverAttempts int
	Model            string
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheCreateTokens int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          float64
	Agent            string
	OutputTokensPerSec float64
}

// InsertRequestJob persists one RequestRecord.
type InsertRequestJob struct{ Request RequestRecord }

func (InsertRequestJob) isJob() {}

// UpsertPayloadJob persists the raw request/response bodies and headers
// for a request, subject to its own shorter retention window.
type UpsertPayloadJob struct {
	RequestID       string
	RequestHeaders  string // JSON
	RequestBody     string // base64, "" if not captured
	ResponseHeaders string // JSON
	ResponseBody    string // base64, or "[streamed]" sentinel
}

func (UpsertPayloadJob) isJob() {}

// UpdateAccountTokensJob persists a refreshed OAuth access/refresh token
// pair for an account.
type UpdateAccountTokensJob struct {
	AccountID    string
	AccessToken  string
	RefreshToken string
	ExpiresAtMs  int64
}

func (UpdateAccountTokensJob) isJob() {}

// UpdateAccountUsageJob records the last-used/request-count counters and
// session-affinity bookkeeping for an account after a request completes.
type UpdateAccountUsageJob struct {
	AccountID          string
	LastUsedMs         int64
	RequestCountDelta  int
	TotalRequestsDelta int
	SessionStartMs     int64 // 0 leaves the session window untouched
	SessionRequests    int
}

func (UpdateAccountUsageJob) isJob() {}

// SetRateLimitJob persists a rate-limit lock. internal/ratelimit does not
// enqueue it; it writes its locks through AccountStore.Update.
type SetRateLimitJob struct {
	AccountID string
	UntilMs   int64
	Status    string
	Remaining int
}

func (SetRateLimitJob) isJob() {}

// ClearRateLimitJob clears an account's rate-limit lock once it has expired.
type ClearRateLimitJob struct{ AccountID string }

func (ClearRateLimitJob) isJob() {}

// PauseAccountJob marks an account paused. Reason is not persisted.
type PauseAccountJob struct {
	AccountID string
	Reason    string
}

func (PauseAccountJob) isJob() {}

// ResumeAccountJob clears an account's paused flag.
type ResumeAccountJob struct{ AccountID string }

func (ResumeAccountJob) isJob() {}
