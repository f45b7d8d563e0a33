package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	responsePrefix = "a:"
	expiryPrefix   = "ax:"
	expiryDigits   = 20
)

// Response is a cached API response body keyed by request URL.
type Response struct {
	URL       string          `json:"url"`
	Payload   json.RawMessage `json:"payload"`
	StoredAt  time.Time       `json:"storedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Expired reports whether the response is no longer servable at now.
func (r Response) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// ResponseStore is the goleveldb-backed durable response cache. Entries are
// stored under "a:<url>" with a secondary "ax:<expiry>:<url>" index used by
// Sweep.
type ResponseStore struct {
	db *leveldb.DB
}

func NewResponseStore(db *leveldb.DB) *ResponseStore {
	return &ResponseStore{db: db}
}

func responseKey(url string) []byte { return []byte(responsePrefix + url) }

func expiryKey(expiresAt time.Time, url string) []byte {
	return []byte(expiryPrefix + padInt(expiresAt.UnixNano()) + ":" + url)
}

func padInt(n int64) string {
	if n < 0 {
		n = 0
	}
	s := strconv.FormatInt(n, 10)
	for len(s) < expiryDigits {
		s = "0" + s
	}
	return s
}

func (s *ResponseStore) Get(_ context.Context, url string) (Response, error) {
	b, err := s.db.Get(responseKey(url), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Response{}, ErrNotFound
	}
	if err != nil {
		return Response{}, err
	}
	var r Response
	if err := json.Unmarshal(b, &r); err != nil {
		return Response{}, fmt.Errorf("decode %s: %w", url, err)
	}
	return r, nil
}

// Put stores r, replacing any previous record and its expiry index entry in
// the same transaction.
func (s *ResponseStore) Put(_ context.Context, r Response) error {
	if !r.ExpiresAt.After(r.StoredAt) {
		return fmt.Errorf("put %s: expiresAt must be after storedAt", r.URL)
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}

	tr, err := s.db.OpenTransaction()
	if err != nil {
		return err
	}
	if old, err := tr.Get(responseKey(r.URL), nil); err == nil {
		var prev Response
		if json.Unmarshal(old, &prev) == nil {
			if err := tr.Delete(expiryKey(prev.ExpiresAt, prev.URL), nil); err != nil {
				tr.Discard()
				return err
			}
		}
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		tr.Discard()
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(responseKey(r.URL), b)
	batch.Put(expiryKey(r.ExpiresAt, r.URL), nil)
	if err := tr.Write(batch, nil); err != nil {
		tr.Discard()
		return err
	}
	return tr.Commit()
}

func (s *ResponseStore) Delete(_ context.Context, url string) error {
	tr, err := s.db.OpenTransaction()
	if err != nil {
		return err
	}
	old, err := tr.Get(responseKey(url), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		tr.Discard()
		return nil
	}
	if err != nil {
		tr.Discard()
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete(responseKey(url))
	var prev Response
	if json.Unmarshal(old, &prev) == nil {
		batch.Delete(expiryKey(prev.ExpiresAt, url))
	}
	if err := tr.Write(batch, nil); err != nil {
		tr.Discard()
		return err
	}
	return tr.Commit()
}

// Sweep removes every entry whose expiresAt <= now and returns how many were
// removed.
func (s *ResponseStore) Sweep(_ context.Context, now time.Time) (int, error) {
	tr, err := s.db.OpenTransaction()
	if err != nil {
		return 0, err
	}
	rng := &util.Range{
		Start: []byte(expiryPrefix),
		Limit: []byte(expiryPrefix + padInt(now.UnixNano()+1)),
	}
	it := tr.NewIterator(rng, nil)
	batch := new(leveldb.Batch)
	removed := 0
	for it.Next() {
		k := string(it.Key())
		rest := k[len(expiryPrefix):]
		if len(rest) < expiryDigits+1 {
			continue
		}
		url := rest[expiryDigits+1:]
		batch.Delete([]byte(k))
		batch.Delete(responseKey(url))
		removed++
	}
	it.Release()
	if err := it.Error(); err != nil {
		tr.Discard()
		return 0, err
	}
	if removed == 0 {
		tr.Discard()
		return 0, nil
	}
	if err := tr.Write(batch, nil); err != nil {
		tr.Discard()
		return 0, err
	}
	if err := tr.Commit(); err != nil {
		return 0, err
	}
	return removed, nil
}

// Clear deletes every cached response unconditionally.
func (s *ResponseStore) Clear(_ context.Context) error {
	batch := new(leveldb.Batch)
	for _, prefix := range []string{responsePrefix, expiryPrefix} {
		it := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return err
		}
	}
	return s.db.Write(batch, nil)
}

// Len counts stored responses.
func (s *ResponseStore) Len() int {
	it := s.db.NewIterator(util.BytesPrefix([]byte(responsePrefix)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n
}
