// Package queue persists form submissions that could not be delivered and
// replays them, oldest first, once the network is back.
//
// Records live in the shared goleveldb database:
//
//	q:<id>   submission record (JSON), kept after sync for auditing
//	qp:<id>  pending index, present while synced=false
//	qseq     last assigned id
//
// Ids are zero-padded so key order is insertion order. Every mutation is a
// read-modify-write inside one goleveldb transaction.
package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"sgkoffline/internal/offline"
	"sgkoffline/internal/store"
)

var (
	ErrNotFound      = errors.New("queue: submission not found")
	ErrInvalidMethod = errors.New("queue: only POST, PUT and PATCH submissions can be queued")
	ErrSynced        = errors.New("queue: submission already synced")
	ErrInvalid       = errors.New("queue: invalid submission")
)

const (
	recordPrefix  = "q:"
	pendingPrefix = "qp:"
	seqKey        = "qseq"
)

// Submission is one queued mutating request. Payload is a snapshot taken at
// submission time and never changes afterwards.
type Submission struct {
	ID            uint64          `json:"id"`
	Endpoint      string          `json:"endpoint"`
	Method        string          `json:"method"`
	Payload       json.RawMessage `json:"payload"`
	FormID        string          `json:"formId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`
	Synced        bool            `json:"synced"`
	SyncedAt      *time.Time      `json:"syncedAt,omitempty"`

	// Set when the terminal transition was a 4xx rejection.
	Rejected   bool   `json:"rejected,omitempty"`
	LastStatus int    `json:"lastStatus,omitempty"`
	LastError  string `json:"lastError,omitempty"`
}

type Queue struct {
	db  *leveldb.DB
	bus *offline.Bus
	now func() time.Time
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

func New(db *leveldb.DB, bus *offline.Bus, opts ...Option) *Queue {
	q := &Queue{db: db, bus: bus, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func recordKey(id uint64) []byte  { return []byte(recordPrefix + padID(id)) }
func pendingKey(id uint64) []byte { return []byte(pendingPrefix + padID(id)) }

func padID(id uint64) string {
	s := strconv.FormatUint(id, 10)
	return strings.Repeat("0", 20-len(s)) + s
}

// NormalizeMethod upper-cases method and rejects anything that is not a
// mutating verb.
func NormalizeMethod(method string) (string, error) {
	m := strings.ToUpper(strings.TrimSpace(method))
	switch m {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMethod, method)
}

// Enqueue durably stores a new pending submission and returns its id. The
// record is on disk when Enqueue returns nil; any storage error is returned to
// the caller rather than dropped.
func (q *Queue) Enqueue(_ context.Context, endpoint, method string, payload json.RawMessage, formID string) (uint64, error) {
	m, err := NormalizeMethod(method)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(endpoint) == "" {
		return 0, fmt.Errorf("%w: endpoint is required", ErrInvalid)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return 0, fmt.Errorf("%w: payload is not valid JSON", ErrInvalid)
	}

	tr, err := q.db.OpenTransaction()
	if err != nil {
		return 0, fmt.Errorf("queue: enqueue: %w", err)
	}
	var last uint64
	b, err := tr.Get([]byte(seqKey), nil)
	switch {
	case err == nil && len(b) == 8:
		last = binary.BigEndian.Uint64(b)
	case err != nil && !errors.Is(err, leveldb.ErrNotFound):
		tr.Discard()
		return 0, fmt.Errorf("queue: enqueue: %w", err)
	}
	id := last + 1

	sub := Submission{
		ID:        id,
		Endpoint:  endpoint,
		Method:    m,
		Payload:   append(json.RawMessage(nil), payload...),
		FormID:    formID,
		CreatedAt: q.now().UTC(),
	}
	rec, err := json.Marshal(sub)
	if err != nil {
		tr.Discard()
		return 0, err
	}
	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, id)

	batch := new(leveldb.Batch)
	batch.Put([]byte(seqKey), seq)
	batch.Put(recordKey(id), rec)
	batch.Put(pendingKey(id), nil)
	if err := tr.Write(batch, store.SyncWrite); err != nil {
		tr.Discard()
		return 0, fmt.Errorf("queue: enqueue: %w", err)
	}
	if err := tr.Commit(); err != nil {
		return 0, fmt.Errorf("queue: enqueue: %w", err)
	}

	log.Printf("queue: saved %s %s as #%d", m, endpoint, id)
	q.bus.Publish(offline.SubmissionQueued{ID: id, FormID: formID})
	q.publishCount()
	return id, nil
}

func (q *Queue) Get(id uint64) (Submission, error) {
	b, err := q.db.Get(recordKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Submission{}, ErrNotFound
	}
	if err != nil {
		return Submission{}, err
	}
	var s Submission
	if err := json.Unmarshal(b, &s); err != nil {
		return Submission{}, fmt.Errorf("queue: decode #%d: %w", id, err)
	}
	return s, nil
}

// ListPending returns every unsynced submission, oldest first. This is the
// replay order.
func (q *Queue) ListPending() ([]Submission, error) {
	snap, err := q.db.GetSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	it := snap.NewIterator(util.BytesPrefix([]byte(pendingPrefix)), nil)
	defer it.Release()
	var out []Submission
	for it.Next() {
		id, err := strconv.ParseUint(string(it.Key()[len(pendingPrefix):]), 10, 64)
		if err != nil {
			continue
		}
		b, err := snap.Get(recordKey(id), nil)
		if err != nil {
			log.Printf("queue: pending #%d has no record: %v", id, err)
			continue
		}
		var s Submission
		if err := json.Unmarshal(b, &s); err != nil {
			log.Printf("queue: decode #%d: %v", id, err)
			continue
		}
		out = append(out, s)
	}
	return out, it.Error()
}

// List returns every record, synced or not, oldest first.
func (q *Queue) List() ([]Submission, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte(recordPrefix)), nil)
	defer it.Release()
	var out []Submission
	for it.Next() {
		var s Submission
		if err := json.Unmarshal(it.Value(), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, it.Error()
}

func (q *Queue) PendingCount() (int, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte(pendingPrefix)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

// RecordAttempt bumps the attempt counter. It is called before each network
// try so a crash mid-replay still shows the attempt.
func (q *Queue) RecordAttempt(id uint64) (Submission, error) {
	return q.update(id, func(s *Submission) (bool, error) {
		if s.Synced {
			return false, ErrSynced
		}
		now := q.now().UTC()
		s.Attempts++
		s.LastAttemptAt = &now
		return true, nil
	})
}

// MarkSynced moves a submission to its terminal state. Marking an already
// synced submission is a no-op.
func (q *Queue) MarkSynced(id uint64) error {
	_, err := q.update(id, func(s *Submission) (bool, error) {
		if s.Synced {
			return false, nil
		}
		now := q.now().UTC()
		s.Synced = true
		s.SyncedAt = &now
		return true, nil
	})
	if err == nil {
		q.publishCount()
	}
	return err
}

// MarkRejected is MarkSynced for a submission the server refused; status and
// message are kept for auditing.
func (q *Queue) MarkRejected(id uint64, status int, message string) error {
	_, err := q.update(id, func(s *Submission) (bool, error) {
		if s.Synced {
			return false, nil
		}
		now := q.now().UTC()
		s.Synced = true
		s.SyncedAt = &now
		s.Rejected = true
		s.LastStatus = status
		s.LastError = message
		return true, nil
	})
	if err == nil {
		q.publishCount()
	}
	return err
}

func (q *Queue) update(id uint64, fn func(*Submission) (bool, error)) (Submission, error) {
	tr, err := q.db.OpenTransaction()
	if err != nil {
		return Submission{}, err
	}
	b, err := tr.Get(recordKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		tr.Discard()
		return Submission{}, fmt.Errorf("%w: #%d", ErrNotFound, id)
	}
	if err != nil {
		tr.Discard()
		return Submission{}, err
	}
	var s Submission
	if err := json.Unmarshal(b, &s); err != nil {
		tr.Discard()
		return Submission{}, fmt.Errorf("queue: decode #%d: %w", id, err)
	}
	changed, err := fn(&s)
	if err != nil || !changed {
		tr.Discard()
		return s, err
	}
	rec, err := json.Marshal(s)
	if err != nil {
		tr.Discard()
		return Submission{}, err
	}
	batch := new(leveldb.Batch)
	batch.Put(recordKey(id), rec)
	if s.Synced {
		batch.Delete(pendingKey(id))
	}
	if err := tr.Write(batch, store.SyncWrite); err != nil {
		tr.Discard()
		return Submission{}, err
	}
	if err := tr.Commit(); err != nil {
		return Submission{}, err
	}
	return s, nil
}

// Purge deletes synced records that reached their terminal state before
// cutoff. Pending records are never purged.
func (q *Queue) Purge(cutoff time.Time) (int, error) {
	tr, err := q.db.OpenTransaction()
	if err != nil {
		return 0, err
	}
	it := tr.NewIterator(util.BytesPrefix([]byte(recordPrefix)), nil)
	batch := new(leveldb.Batch)
	n := 0
	for it.Next() {
		var s Submission
		if json.Unmarshal(it.Value(), &s) != nil {
			continue
		}
		if s.Synced && s.SyncedAt != nil && s.SyncedAt.Before(cutoff) {
			batch.Delete(recordKey(s.ID))
			n++
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		tr.Discard()
		return 0, err
	}
	if n == 0 {
		tr.Discard()
		return 0, nil
	}
	if err := tr.Write(batch, nil); err != nil {
		tr.Discard()
		return 0, err
	}
	return n, tr.Commit()
}

func (q *Queue) publishCount() {
	n, err := q.PendingCount()
	if err != nil {
		log.Printf("queue: count pending: %v", err)
		return
	}
	q.bus.Publish(offline.PendingCount{Count: n})
}
