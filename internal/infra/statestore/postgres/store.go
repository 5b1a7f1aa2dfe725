// Package postgres provides the durable statestore backend used by live
// trading sessions. Entries live in the kv_entries table; expiry is lazy,
// with PurgeExpired available for periodic cleanup.
package postgres

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/domain/statestore"
)

const scope = "statestore/postgres"

// Store persists runtime state in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ statestore.Store = (*Store)(nil)

// New constructs a Store backed by the provided pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, errs.New(scope, errs.CodeUnavailable, errs.WithMessage("pool not configured"))
	}
	return s.pool, nil
}

const (
	scalarSelectSQL = `
SELECT kind, scalar
FROM kv_entries
WHERE key = @key AND (expires_at IS NULL OR expires_at > NOW());
`

	scalarUpsertSQL = `
INSERT INTO kv_entries (key, kind, scalar, expires_at, updated_at)
VALUES (@key, 0, @scalar, @expires_at, NOW())
ON CONFLICT (key) DO UPDATE SET
    kind = 0,
    scalar = EXCLUDED.scalar,
    fields = NULL,
    items = NULL,
    expires_at = EXCLUDED.expires_at,
    updated_at = NOW();
`

	keyDeleteSQL = `
DELETE FROM kv_entries WHERE key = @key;
`

	keysSelectSQL = `
SELECT key
FROM kv_entries
WHERE key LIKE @pattern ESCAPE '\' AND (expires_at IS NULL OR expires_at > NOW())
ORDER BY key;
`

	expireUpdateSQL = `
UPDATE kv_entries
SET expires_at = @expires_at, updated_at = NOW()
WHERE key = @key AND (expires_at IS NULL OR expires_at > NOW());
`

	entrySelectForUpdateSQL = `
SELECT kind, scalar, fields, items, expires_at
FROM kv_entries
WHERE key = @key
FOR UPDATE;
`

	entryReadSQL = `
SELECT kind, fields, items
FROM kv_entries
WHERE key = @key AND (expires_at IS NULL OR expires_at > NOW());
`

	entryUpsertSQL = `
INSERT INTO kv_entries (key, kind, scalar, fields, items, expires_at, updated_at)
VALUES (@key, @kind, @scalar, @fields::jsonb, @items::jsonb, @expires_at, NOW())
ON CONFLICT (key) DO UPDATE SET
    kind = EXCLUDED.kind,
    scalar = EXCLUDED.scalar,
    fields = EXCLUDED.fields,
    items = EXCLUDED.items,
    expires_at = EXCLUDED.expires_at,
    updated_at = NOW();
`

	purgeExpiredSQL = `
DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= NOW();
`
)

func notFound(key string) error {
	return errs.New(scope, errs.CodeNotFound, errs.WithMessage("key "+key+" not found"))
}

func wrongType(key string) error {
	return errs.New(scope, errs.CodeInvalid, errs.WithMessage("key "+key+" holds a different kind"))
}

func storeErr(op string, err error) error {
	return errs.New(scope, errs.CodeUnavailable, errs.WithMessage(op+" failed"), errs.WithCause(err))
}

func expiresArg(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return time.Now().Add(ttl)
}

func escapeLike(raw string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(raw)
}

// Get implements statestore.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	var (
		kind   int16
		scalar []byte
	)
	err = pool.QueryRow(ctx, scalarSelectSQL, pgx.NamedArgs{"key": key}).Scan(&kind, &scalar)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, storeErr("get", err)
	}
	if kind != 0 {
		return nil, wrongType(key)
	}
	return scalar, nil
}

// Set implements statestore.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"key":        key,
		"scalar":     value,
		"expires_at": expiresArg(ttl),
	}
	if _, err := pool.Exec(ctx, scalarUpsertSQL, args); err != nil {
		return storeErr("set", err)
	}
	return nil
}

// Delete implements statestore.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, keyDeleteSQL, pgx.NamedArgs{"key": key}); err != nil {
		return storeErr("delete", err)
	}
	return nil
}

// Keys implements statestore.Store.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, keysSelectSQL, pgx.NamedArgs{"pattern": escapeLike(prefix) + "%"})
	if err != nil {
		return nil, storeErr("keys", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, storeErr("keys", err)
		}
		out = append(out, key)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("keys", err)
	}
	return out, nil
}

// Expire implements statestore.Store.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{"key": key, "expires_at": expiresArg(ttl)}
	tag, err := pool.Exec(ctx, expireUpdateSQL, args)
	if err != nil {
		return storeErr("expire", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(key)
	}
	return nil
}

// entryRow mirrors one kv_entries row decoded into Go values.
type entryRow struct {
	kind      int16
	scalar    []byte
	fields    map[string]string
	items     [][]byte
	expiresAt *time.Time
}

func (r *entryRow) expired(now time.Time) bool {
	return r.expiresAt != nil && now.After(*r.expiresAt)
}

func (s *Store) loadForUpdate(ctx context.Context, tx pgx.Tx, key string) (*entryRow, bool, error) {
	var (
		row       entryRow
		rawFields []byte
		rawItems  []byte
	)
	err := tx.QueryRow(ctx, entrySelectForUpdateSQL, pgx.NamedArgs{"key": key}).
		Scan(&row.kind, &row.scalar, &rawFields, &rawItems, &row.expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storeErr("load", err)
	}
	if row.expired(time.Now()) {
		if _, err := tx.Exec(ctx, keyDeleteSQL, pgx.NamedArgs{"key": key}); err != nil {
			return nil, false, storeErr("load", err)
		}
		return nil, false, nil
	}
	if len(rawFields) > 0 {
		if err := json.Unmarshal(rawFields, &row.fields); err != nil {
			return nil, false, storeErr("load", err)
		}
	}
	if len(rawItems) > 0 {
		items, err := decodeItems(rawItems)
		if err != nil {
			return nil, false, err
		}
		row.items = items
	}
	return &row, true, nil
}

func (s *Store) saveRow(ctx context.Context, tx pgx.Tx, key string, row *entryRow) error {
	var (
		rawFields any
		rawItems  any
	)
	if row.fields != nil {
		encoded, err := json.Marshal(row.fields)
		if err != nil {
			return storeErr("save", err)
		}
		rawFields = string(encoded)
	}
	if row.items != nil {
		encoded, err := encodeItems(row.items)
		if err != nil {
			return err
		}
		rawItems = string(encoded)
	}
	var expiresAt any
	if row.expiresAt != nil {
		expiresAt = *row.expiresAt
	}
	args := pgx.NamedArgs{
		"key":        key,
		"kind":       row.kind,
		"scalar":     row.scalar,
		"fields":     rawFields,
		"items":      rawItems,
		"expires_at": expiresAt,
	}
	if _, err := tx.Exec(ctx, entryUpsertSQL, args); err != nil {
		return storeErr("save", err)
	}
	return nil
}

// withTx runs fn inside a read-committed transaction, matching the
// persistence layer's transaction conventions.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return storeErr("begin tx", err)
	}
	runErr := fn(tx)
	if runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return storeErr("rollback tx", rbErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return storeErr("commit tx", err)
	}
	return nil
}

// HashSet implements statestore.Store.
func (s *Store) HashSet(ctx context.Context, key, field, value string) error {
	return s.HashSetAll(ctx, key, map[string]string{field: value})
}

// HashSetAll implements statestore.Store.
func (s *Store) HashSetAll(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		row, ok, err := s.loadForUpdate(ctx, tx, key)
		if err != nil {
			return err
		}
		if !ok {
			row = &entryRow{kind: 1, fields: make(map[string]string, len(fields))}
		}
		if row.kind != 1 {
			return wrongType(key)
		}
		if row.fields == nil {
			row.fields = make(map[string]string, len(fields))
		}
		for field, value := range fields {
			row.fields[field] = value
		}
		return s.saveRow(ctx, tx, key, row)
	})
}

// HashGet implements statestore.Store.
func (s *Store) HashGet(ctx context.Context, key, field string) (string, error) {
	fields, kind, ok, err := s.readFields(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", notFound(key)
	}
	if kind != 1 {
		return "", wrongType(key)
	}
	value, present := fields[field]
	if !present {
		return "", notFound(key + "/" + field)
	}
	return value, nil
}

// HashGetAll implements statestore.Store.
func (s *Store) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, kind, ok, err := s.readFields(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]string{}, nil
	}
	if kind != 1 {
		return nil, wrongType(key)
	}
	if fields == nil {
		fields = map[string]string{}
	}
	return fields, nil
}

func (s *Store) readFields(ctx context.Context, key string) (map[string]string, int16, bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, 0, false, err
	}
	var (
		kind      int16
		rawFields []byte
		rawItems  []byte
	)
	err = pool.QueryRow(ctx, entryReadSQL, pgx.NamedArgs{"key": key}).Scan(&kind, &rawFields, &rawItems)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, storeErr("hash get", err)
	}
	var fields map[string]string
	if len(rawFields) > 0 {
		if err := json.Unmarshal(rawFields, &fields); err != nil {
			return nil, 0, false, storeErr("hash get", err)
		}
	}
	return fields, kind, true, nil
}

// HashDelete implements statestore.Store.
func (s *Store) HashDelete(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		row, ok, err := s.loadForUpdate(ctx, tx, key)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if row.kind != 1 {
			return wrongType(key)
		}
		for _, field := range fields {
			delete(row.fields, field)
		}
		if len(row.fields) == 0 {
			if _, err := tx.Exec(ctx, keyDeleteSQL, pgx.NamedArgs{"key": key}); err != nil {
				return storeErr("hash delete", err)
			}
			return nil
		}
		return s.saveRow(ctx, tx, key, row)
	})
}

// HashIncr implements statestore.Store.
func (s *Store) HashIncr(ctx context.Context, key, field string, delta decimal.Decimal) (decimal.Decimal, error) {
	var next decimal.Decimal
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row, ok, err := s.loadForUpdate(ctx, tx, key)
		if err != nil {
			return err
		}
		if !ok {
			row = &entryRow{kind: 1, fields: make(map[string]string, 1)}
		}
		if row.kind != 1 {
			return wrongType(key)
		}
		if row.fields == nil {
			row.fields = make(map[string]string, 1)
		}
		current := decimal.Zero
		if raw, present := row.fields[field]; present {
			parsed, err := decimal.NewFromString(raw)
			if err != nil {
				return errs.New(scope, errs.CodeInvalid,
					errs.WithMessage("field "+field+" of "+key+" is not numeric"), errs.WithCause(err))
			}
			current = parsed
		}
		next = current.Add(delta)
		row.fields[field] = next.String()
		return s.saveRow(ctx, tx, key, row)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return next, nil
}

// ListPush implements statestore.Store.
func (s *Store) ListPush(ctx context.Context, key string, values ...[]byte) error {
	if len(values) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		row, ok, err := s.loadForUpdate(ctx, tx, key)
		if err != nil {
			return err
		}
		if !ok {
			row = &entryRow{kind: 2}
		}
		if row.kind != 2 {
			return wrongType(key)
		}
		row.items = append(row.items, values...)
		return s.saveRow(ctx, tx, key, row)
	})
}

// ListRange implements statestore.Store.
func (s *Store) ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	var (
		kind     int16
		rawItems []byte
	)
	err = pool.QueryRow(ctx, entryReadSQL, pgx.NamedArgs{"key": key}).Scan(&kind, nil, &rawItems)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("list range", err)
	}
	if kind != 2 {
		return nil, wrongType(key)
	}
	items, err := decodeItems(rawItems)
	if err != nil {
		return nil, err
	}
	lo, hi, empty := normalizeRange(start, stop, int64(len(items)))
	if empty {
		return nil, nil
	}
	return items[lo : hi+1], nil
}

// ListTrim implements statestore.Store.
func (s *Store) ListTrim(ctx context.Context, key string, start, stop int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		row, ok, err := s.loadForUpdate(ctx, tx, key)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if row.kind != 2 {
			return wrongType(key)
		}
		lo, hi, empty := normalizeRange(start, stop, int64(len(row.items)))
		if empty {
			if _, err := tx.Exec(ctx, keyDeleteSQL, pgx.NamedArgs{"key": key}); err != nil {
				return storeErr("list trim", err)
			}
			return nil
		}
		row.items = row.items[lo : hi+1]
		return s.saveRow(ctx, tx, key, row)
	})
}

// ListLen implements statestore.Store.
func (s *Store) ListLen(ctx context.Context, key string) (int64, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return 0, err
	}
	var (
		kind     int16
		rawItems []byte
	)
	err = pool.QueryRow(ctx, entryReadSQL, pgx.NamedArgs{"key": key}).Scan(&kind, nil, &rawItems)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storeErr("list len", err)
	}
	if kind != 2 {
		return 0, wrongType(key)
	}
	items, err := decodeItems(rawItems)
	if err != nil {
		return 0, err
	}
	return int64(len(items)), nil
}

// PurgeExpired removes rows past their expiry. Intended for periodic
// invocation by the owning process.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, purgeExpiredSQL)
	if err != nil {
		return 0, storeErr("purge", err)
	}
	return tag.RowsAffected(), nil
}

// Ping implements statestore.Store.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// Close implements statestore.Store. The pool is owned by the caller, so
// Close only detaches from it.
func (s *Store) Close() error { return nil }

// List elements are stored as a jsonb array of base64 strings to stay
// byte-safe regardless of the payload encoding.
func encodeItems(items [][]byte) ([]byte, error) {
	encoded := make([]string, 0, len(items))
	for _, item := range items {
		encoded = append(encoded, base64.StdEncoding.EncodeToString(item))
	}
	out, err := json.Marshal(encoded)
	if err != nil {
		return nil, storeErr("encode items", err)
	}
	return out, nil
}

func decodeItems(raw []byte) ([][]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var encoded []string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, storeErr("decode items", err)
	}
	items := make([][]byte, 0, len(encoded))
	for _, item := range encoded {
		decoded, err := base64.StdEncoding.DecodeString(item)
		if err != nil {
			return nil, storeErr("decode items", err)
		}
		items = append(items, decoded)
	}
	return items, nil
}

func normalizeRange(start, stop, length int64) (lo, hi int64, empty bool) {
	if length == 0 {
		return 0, 0, true
	}
	lo = start
	if lo < 0 {
		lo += length
	}
	if lo < 0 {
		lo = 0
	}
	hi = stop
	if hi < 0 {
		hi += length
	}
	if hi >= length {
		hi = length - 1
	}
	if lo > hi || lo >= length {
		return 0, 0, true
	}
	return lo, hi, false
}
