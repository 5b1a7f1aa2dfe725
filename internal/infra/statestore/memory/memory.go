// Package memory provides the in-process statestore backend used by paper
// trading sessions and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/domain/statestore"
)

const scope = "statestore/memory"

// reapInterval bounds how long an expired entry can linger before the
// janitor removes it. Reads already treat expired entries as missing.
const reapInterval = 30 * time.Second

type entryKind int

const (
	kindScalar entryKind = iota
	kindHash
	kindList
)

type entry struct {
	kind      entryKind
	scalar    []byte
	hash      map[string]string
	list      [][]byte
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store keeps all state in process memory guarded by a single RWMutex.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	done      chan struct{}
	closeOnce sync.Once
}

var _ statestore.Store = (*Store)(nil)

// New returns an empty store and starts its expiry janitor.
func New() *Store {
	s := &Store{
		entries: make(map[string]*entry),
		done:    make(chan struct{}),
	}
	go s.reapLoop()
	return s
}

func (s *Store) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for key, ent := range s.entries {
				if ent.expired(now) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

// live returns the entry at key, treating expired entries as absent.
// Callers must hold at least the read lock.
func (s *Store) live(key string) (*entry, bool) {
	ent, ok := s.entries[key]
	if !ok || ent.expired(time.Now()) {
		return nil, false
	}
	return ent, true
}

func notFound(key string) error {
	return errs.New(scope, errs.CodeNotFound, errs.WithMessage("key "+key+" not found"))
}

func wrongType(key string) error {
	return errs.New(scope, errs.CodeInvalid, errs.WithMessage("key "+key+" holds a different kind"))
}

// Get implements statestore.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ent, ok := s.live(key)
	if !ok {
		return nil, notFound(key)
	}
	if ent.kind != kindScalar {
		return nil, wrongType(key)
	}
	out := make([]byte, len(ent.scalar))
	copy(out, ent.scalar)
	return out, nil
}

// Set implements statestore.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	ent := &entry{kind: kindScalar, scalar: stored}
	if ttl > 0 {
		ent.expiresAt = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[key] = ent
	s.mu.Unlock()
	return nil
}

// Delete implements statestore.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Keys implements statestore.Store.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now()
	s.mu.RLock()
	out := make([]string, 0, len(s.entries))
	for key, ent := range s.entries {
		if ent.expired(now) {
			continue
		}
		if prefix == "" || strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

// Expire implements statestore.Store.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.live(key)
	if !ok {
		return notFound(key)
	}
	if ttl <= 0 {
		ent.expiresAt = time.Time{}
		return nil
	}
	ent.expiresAt = time.Now().Add(ttl)
	return nil
}

// HashSet implements statestore.Store.
func (s *Store) HashSet(ctx context.Context, key, field, value string) error {
	return s.HashSetAll(ctx, key, map[string]string{field: value})
}

// HashSetAll implements statestore.Store.
func (s *Store) HashSetAll(ctx context.Context, key string, fields map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.live(key)
	if !ok {
		ent = &entry{kind: kindHash, hash: make(map[string]string, len(fields))}
		s.entries[key] = ent
	}
	if ent.kind != kindHash {
		return wrongType(key)
	}
	for field, value := range fields {
		ent.hash[field] = value
	}
	return nil
}

// HashGet implements statestore.Store.
func (s *Store) HashGet(ctx context.Context, key, field string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ent, ok := s.live(key)
	if !ok {
		return "", notFound(key)
	}
	if ent.kind != kindHash {
		return "", wrongType(key)
	}
	value, ok := ent.hash[field]
	if !ok {
		return "", notFound(key + "/" + field)
	}
	return value, nil
}

// HashGetAll implements statestore.Store.
func (s *Store) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ent, ok := s.live(key)
	if !ok {
		return map[string]string{}, nil
	}
	if ent.kind != kindHash {
		return nil, wrongType(key)
	}
	out := make(map[string]string, len(ent.hash))
	for field, value := range ent.hash {
		out[field] = value
	}
	return out, nil
}

// HashDelete implements statestore.Store.
func (s *Store) HashDelete(ctx context.Context, key string, fields ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.live(key)
	if !ok {
		return nil
	}
	if ent.kind != kindHash {
		return wrongType(key)
	}
	for _, field := range fields {
		delete(ent.hash, field)
	}
	if len(ent.hash) == 0 {
		delete(s.entries, key)
	}
	return nil
}

// HashIncr implements statestore.Store.
func (s *Store) HashIncr(ctx context.Context, key, field string, delta decimal.Decimal) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.live(key)
	if !ok {
		ent = &entry{kind: kindHash, hash: make(map[string]string, 1)}
		s.entries[key] = ent
	}
	if ent.kind != kindHash {
		return decimal.Zero, wrongType(key)
	}
	current := decimal.Zero
	if raw, ok := ent.hash[field]; ok {
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, errs.New(scope, errs.CodeInvalid,
				errs.WithMessage("field "+field+" of "+key+" is not numeric"), errs.WithCause(err))
		}
		current = parsed
	}
	next := current.Add(delta)
	ent.hash[field] = next.String()
	return next, nil
}

// ListPush implements statestore.Store.
func (s *Store) ListPush(ctx context.Context, key string, values ...[]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.live(key)
	if !ok {
		ent = &entry{kind: kindList}
		s.entries[key] = ent
	}
	if ent.kind != kindList {
		return wrongType(key)
	}
	for _, value := range values {
		stored := make([]byte, len(value))
		copy(stored, value)
		ent.list = append(ent.list, stored)
	}
	return nil
}

// ListRange implements statestore.Store.
func (s *Store) ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ent, ok := s.live(key)
	if !ok {
		return nil, nil
	}
	if ent.kind != kindList {
		return nil, wrongType(key)
	}
	lo, hi, empty := normalizeRange(start, stop, int64(len(ent.list)))
	if empty {
		return nil, nil
	}
	out := make([][]byte, 0, hi-lo+1)
	for _, value := range ent.list[lo : hi+1] {
		copied := make([]byte, len(value))
		copy(copied, value)
		out = append(out, copied)
	}
	return out, nil
}

// ListTrim implements statestore.Store.
func (s *Store) ListTrim(ctx context.Context, key string, start, stop int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.live(key)
	if !ok {
		return nil
	}
	if ent.kind != kindList {
		return wrongType(key)
	}
	lo, hi, empty := normalizeRange(start, stop, int64(len(ent.list)))
	if empty {
		delete(s.entries, key)
		return nil
	}
	ent.list = ent.list[lo : hi+1]
	return nil
}

// ListLen implements statestore.Store.
func (s *Store) ListLen(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ent, ok := s.live(key)
	if !ok {
		return 0, nil
	}
	if ent.kind != kindList {
		return 0, wrongType(key)
	}
	return int64(len(ent.list)), nil
}

// Ping implements statestore.Store.
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// Close implements statestore.Store.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// normalizeRange resolves negative indices against length and clamps the
// window to valid bounds. empty reports a window that selects nothing.
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
