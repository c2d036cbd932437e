// Package store is the proxy's persistent-state layer: one embedded
// SQLite schema (spec.md §6) behind a narrow set of Backend interfaces
// that internal/account, internal/writer, and internal/maintenance each
// consume directly, instead of one god-interface.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kestrelai/acctproxy/internal/account"
	"github.com/kestrelai/acctproxy/internal/writer"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is the sole implementation of account.Backend,
// writer.Backend, and maintenance.Backend. Account mutations and request/
// payload writes only ever happen inside writer.Backend.ApplyBatch's
// transaction; account.Backend's Upsert/Delete are used directly because
// AccountStore.Create/Update are themselves the writer's caller for the
// account-mutation job kinds (see ApplyBatch below).
type SQLiteStore struct {
	db *sql.DB
}

func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	if err := checkSchemaVersion(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

// currentSchemaVersion must match schema.sql's seeded schema_version row.
// Bumping it without a migration that updates existing on-disk databases
// would silently corrupt rows, so startup refuses to proceed on mismatch.
const currentSchemaVersion = 1

func checkSchemaVersion(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	if version != currentSchemaVersion {
		return fmt.Errorf("on-disk schema version %d does not match expected %d; run a migration before starting", version, currentSchemaVersion)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteStore) Close() error                   { return s.db.Close() }

// ---------------------------------------------------------------------------
// account.Backend
// ---------------------------------------------------------------------------

const accountCols = `id, name, provider, refresh_token, access_token, expires_at,
	api_key, priority, paused, rate_limited_until, rate_limit_status,
	rate_limit_remaining, session_start, session_request_count, request_count,
	total_requests, last_used, auto_refresh_enabled, auto_fallback_enabled,
	custom_endpoint, model_mappings, created_at, state`

func (s *SQLiteStore) UpsertAccount(ctx context.Context, row account.Row) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, provider=excluded.provider,
			refresh_token=excluded.refresh_token, access_token=excluded.access_token,
			expires_at=excluded.expires_at, api_key=excluded.api_key,
			priority=excluded.priority, paused=excluded.paused,
			rate_limited_until=excluded.rate_limited_until,
			rate_limit_status=excluded.rate_limit_status,
			rate_limit_remaining=excluded.rate_limit_remaining,
			session_start=excluded.session_start,
			session_request_count=excluded.session_request_count,
			request_count=excluded.request_count,
			total_requests=excluded.total_requests,
			last_used=excluded.last_used,
			auto_refresh_enabled=excluded.auto_refresh_enabled,
			auto_fallback_enabled=excluded.auto_fallback_enabled,
			custom_endpoint=excluded.custom_endpoint,
			model_mappings=excluded.model_mappings,
			state=excluded.state`,
		row.ID, row.Name, row.Provider, row.RefreshTokenEnc, row.AccessTokenEnc, row.ExpiresAtMs,
		row.APIKeyEnc, row.Priority, boolInt(row.Paused), row.RateLimitUntilMs, row.RateLimitStatus,
		row.RateLimitRemaining, row.SessionStartMs, row.SessionRequestCount, row.RequestCount,
		row.TotalRequests, row.LastUsedMs, boolInt(row.AutoRefreshEnabled), boolInt(row.AutoFallbackEnabled),
		row.CustomEndpoint, row.ModelMappingsJSON, row.CreatedAtMs, row.State,
	)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (account.Row, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	r, err := scanAccountRow(row)
	if err == sql.ErrNoRows {
		return account.Row{}, false, nil
	}
	if err != nil {
		return account.Row{}, false, fmt.Errorf("get account: %w", err)
	}
	return r, true, nil
}

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]account.Row, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountCols+` FROM accounts`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []account.Row
	for rows.Next() {
		r, err := scanAccountRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

func scanAccountRow(scanner interface{ Scan(...any) error }) (account.Row, error) {
	var r account.Row
	var paused, autoRefresh, autoFallback int
	err := scanner.Scan(
		&r.ID, &r.Name, &r.Provider, &r.RefreshTokenEnc, &r.AccessTokenEnc, &r.ExpiresAtMs,
		&r.APIKeyEnc, &r.Priority, &paused, &r.RateLimitUntilMs, &r.RateLimitStatus,
		&r.RateLimitRemaining, &r.SessionStartMs, &r.SessionRequestCount, &r.RequestCount,
		&r.TotalRequests, &r.LastUsedMs, &autoRefresh, &autoFallback,
		&r.CustomEndpoint, &r.ModelMappingsJSON, &r.CreatedAtMs, &r.State,
	)
	if err != nil {
		return account.Row{}, err
	}
	r.Paused = paused != 0
	r.AutoRefreshEnabled = autoRefresh != 0
	r.AutoFallbackEnabled = autoFallback != 0
	return r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ---------------------------------------------------------------------------
// writer.Backend
// ---------------------------------------------------------------------------

// ApplyBatch applies every job in one transaction, matching spec.md §4.5's
// "the consumer groups up-to-N jobs into a single transaction" contract.
func (s *SQLiteStore) ApplyBatch(ctx context.Context, jobs []writer.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, job := range jobs {
		if err := applyJob(ctx, tx, job); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func applyJob(ctx context.Context, tx *sql.Tx, job writer.Job) error {
	switch j := job.(type) {
	case writer.InsertRequestJob:
		return insertRequest(ctx, tx, j.Request)
	case writer.UpsertPayloadJob:
		return upsertPayload(ctx, tx, j)
	case writer.UpdateAccountTokensJob:
		return updateAccountTokens(ctx, tx, j)
	case writer.UpdateAccountUsageJob:
		return updateAccountUsage(ctx, tx, j)
	case writer.SetRateLimitJob:
		return setRateLimit(ctx, tx, j)
	case writer.ClearRateLimitJob:
		return clearRateLimit(ctx, tx, j.AccountID)
	case writer.PauseAccountJob:
		return setPaused(ctx, tx, j.AccountID, true)
	case writer.ResumeAccountJob:
		return setPaused(ctx, tx, j.AccountID, false)
	default:
		return fmt.Errorf("apply job: unknown job type %T", job)
	}
}

const requestCols = `id, timestamp, method, path, account_used, status_code, success,
	error_message, response_time_ms, failover_attempts, model, input_tokens,
	cache_read_input_tokens, cache_creation_input_tokens, output_tokens,
	prompt_tokens, completion_tokens, total_tokens, cost_usd, agent_used,
	output_tokens_per_second`

func insertRequest(ctx context.Context, tx *sql.Tx, r writer.RequestRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO requests (`+requestCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.TimestampMs, r.Method, r.Path, r.AccountID, r.StatusCode, boolInt(r.Success),
		r.ErrorMessage, r.ResponseTimeMs, r.FailoverAttempts, r.Model, r.InputTokens,
		r.CacheReadTokens, r.CacheCreateTokens, r.OutputTokens,
		r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.CostUSD, r.Agent,
		r.OutputTokensPerSec,
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func upsertPayload(ctx context.Context, tx *sql.Tx, j writer.UpsertPayloadJob) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO request_payloads (request_id, request_headers_json, request_body_b64,
			response_headers_json, response_body_b64, created_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(request_id) DO UPDATE SET
			response_headers_json=excluded.response_headers_json,
			response_body_b64=excluded.response_body_b64`,
		j.RequestID, j.RequestHeaders, j.RequestBody, j.ResponseHeaders, j.ResponseBody,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert payload: %w", err)
	}
	return nil
}

func updateAccountTokens(ctx context.Context, tx *sql.Tx, j writer.UpdateAccountTokensJob) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE accounts SET access_token=?, refresh_token=?, expires_at=?, state='active'
		WHERE id=?`,
		j.AccessToken, j.RefreshToken, j.ExpiresAtMs, j.AccountID,
	)
	if err != nil {
		return fmt.Errorf("update account tokens: %w", err)
	}
	return nil
}

func updateAccountUsage(ctx context.Context, tx *sql.Tx, j writer.UpdateAccountUsageJob) error {
	if j.SessionStartMs > 0 {
		_, err := tx.ExecContext(ctx, `
			UPDATE accounts SET
				last_used=?,
				request_count=request_count+?,
				total_requests=total_requests+?,
				session_start=?,
				session_request_count=?
			WHERE id=?`,
			j.LastUsedMs, j.RequestCountDelta, j.TotalRequestsDelta,
			j.SessionStartMs, j.SessionRequests, j.AccountID,
		)
		if err != nil {
			return fmt.Errorf("update account usage: %w", err)
		}
		return nil
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE accounts SET
			last_used=?,
			request_count=request_count+?,
			total_requests=total_requests+?,
			session_request_count=?
		WHERE id=?`,
		j.LastUsedMs, j.RequestCountDelta, j.TotalRequestsDelta, j.SessionRequests, j.AccountID,
	)
	if err != nil {
		return fmt.Errorf("update account usage: %w", err)
	}
	return nil
}

func setRateLimit(ctx context.Context, tx *sql.Tx, j writer.SetRateLimitJob) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE accounts SET rate_limited_until=?, rate_limit_status=?, rate_limit_remaining=?,
			state='rate_limited'
		WHERE id=?`,
		j.UntilMs, j.Status, j.Remaining, j.AccountID,
	)
	if err != nil {
		return fmt.Errorf("set rate limit: %w", err)
	}
	return nil
}

func clearRateLimit(ctx context.Context, tx *sql.Tx, accountID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE accounts SET rate_limited_until=0, rate_limit_status='', rate_limit_remaining=0,
			state='active'
		WHERE id=? AND state='rate_limited'`,
		accountID,
	)
	if err != nil {
		return fmt.Errorf("clear rate limit: %w", err)
	}
	return nil
}

func setPaused(ctx context.Context, tx *sql.Tx, accountID string, paused bool) error {
	state := "active"
	if paused {
		state = "paused"
	}
	_, err := tx.ExecContext(ctx, `UPDATE accounts SET paused=?, state=? WHERE id=?`,
		boolInt(paused), state, accountID)
	if err != nil {
		return fmt.Errorf("set paused: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// maintenance.Backend
// ---------------------------------------------------------------------------

func (s *SQLiteStore) DeleteRequestsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE timestamp < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete old requests: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) DeletePayloadsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_payloads WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete old payloads: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `VACUUM`)
	if err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// api_keys (auth package lookup)
// ---------------------------------------------------------------------------

// APIKeyRow is one row of the api_keys table (spec.md §6).
type APIKeyRow struct {
	ID          string
	Name        string
	HashedKey   string
	PrefixLast8 string
	CreatedAt   int64
	LastUsed    int64
	UsageCount  int64
	IsActive    bool
}

func (s *SQLiteStore) GetAPIKeyByHash(ctx context.Context, hashedKey string) (APIKeyRow, bool, error) {
	var r APIKeyRow
	var active int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, hashed_key, prefix_last_8, created_at, last_used, usage_count, is_active
		FROM api_keys WHERE hashed_key = ?`, hashedKey,
	).Scan(&r.ID, &r.Name, &r.HashedKey, &r.PrefixLast8, &r.CreatedAt, &r.LastUsed, &r.UsageCount, &active)
	if err == sql.ErrNoRows {
		return APIKeyRow{}, false, nil
	}
	if err != nil {
		return APIKeyRow{}, false, fmt.Errorf("get api key: %w", err)
	}
	r.IsActive = active != 0
	return r, true, nil
}

func (s *SQLiteStore) TouchAPIKeyUsage(ctx context.Context, id string, usedAtMs int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used=?, usage_count=usage_count+1 WHERE id=?`, usedAtMs, id)
	if err != nil {
		return fmt.Errorf("touch api key usage: %w", err)
	}
	return nil
}
