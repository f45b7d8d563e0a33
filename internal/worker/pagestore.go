package worker

import (
	"bytes"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"sgkoffline/internal/store"
)

// Page cache layout inside the shared database:
//
//	c:<generation>:<url>   gob Entry
//	cm:<generation>:<url>  gob pageMeta
//
// Generation names never contain ':'.
const (
	entryPrefix = "c:"
	metaPrefix  = "cm:"
)

type pageMeta struct {
	Size     int64
	StoredAt int64
}

func entryKey(gen, key string) []byte { return []byte(entryPrefix + gen + ":" + key) }
func metaKey(gen, key string) []byte  { return []byte(metaPrefix + gen + ":" + key) }

// pageOp is one unit of work for the writer goroutine. Ops with a non-nil res
// are synchronous; the caller waits for the result.
type pageOp struct {
	gen     string
	key     string
	ent     *Entry
	del     bool
	batch   map[string]Entry
	dropGen bool
	res     chan error
}

// pageStore keeps page cache generations in goleveldb. All writes go through
// a single writer goroutine so async puts and generation drops stay ordered.
type pageStore struct {
	db *leveldb.DB

	mu        sync.Mutex
	index     map[string]map[string]pageMeta
	totalSize int64

	ops  chan pageOp
	done chan struct{}
}

func newPageStore(db *leveldb.DB) (*pageStore, error) {
	p := &pageStore{
		db:    db,
		index: map[string]map[string]pageMeta{},
		ops:   make(chan pageOp, 1024),
		done:  make(chan struct{}),
	}
	if err := p.loadIndex(); err != nil {
		return nil, err
	}
	go p.writerLoop()
	return p, nil
}

// close stops the writer after draining queued ops. The database is owned by
// the caller and stays open.
func (p *pageStore) close() {
	close(p.ops)
	<-p.done
}

func splitGen(rest []byte) (gen, key string, ok bool) {
	i := bytes.IndexByte(rest, ':')
	if i <= 0 {
		return "", "", false
	}
	return string(rest[:i]), string(rest[i+1:]), true
}

func (p *pageStore) loadIndex() error {
	it := p.db.NewIterator(util.BytesPrefix([]byte(metaPrefix)), nil)
	defer it.Release()

	var total int64
	idx := map[string]map[string]pageMeta{}
	for it.Next() {
		gen, key, ok := splitGen(bytes.TrimPrefix(it.Key(), []byte(metaPrefix)))
		if !ok {
			continue
		}
		var meta pageMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		if idx[gen] == nil {
			idx[gen] = map[string]pageMeta{}
		}
		idx[gen][key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	p.mu.Lock()
	p.index = idx
	p.totalSize = total
	p.mu.Unlock()
	return nil
}

func (p *pageStore) TotalSize() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalSize
}

func (p *pageStore) KeyCount(gen string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.index[gen])
}

func (p *pageStore) HasKey(gen, key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.index[gen][key]
	return ok
}

func (p *pageStore) Keys(gen string) []string {
	p.mu.Lock()
	out := make([]string, 0, len(p.index[gen]))
	for k := range p.index[gen] {
		out = append(out, k)
	}
	p.mu.Unlock()
	sort.Strings(out)
	return out
}

func (p *pageStore) Generations() []string {
	p.mu.Lock()
	out := make([]string, 0, len(p.index))
	for g, keys := range p.index {
		if len(keys) > 0 {
			out = append(out, g)
		}
	}
	p.mu.Unlock()
	sort.Strings(out)
	return out
}

func (p *pageStore) Get(gen, key string) (Entry, bool) {
	b, err := p.db.Get(entryKey(gen, key), nil)
	if err != nil {
		return Entry{}, false
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false
	}
	return ent, true
}

func (p *pageStore) PutAsync(gen, key string, ent Entry) {
	clone := ent
	p.ops <- pageOp{gen: gen, key: key, ent: &clone}
}

func (p *pageStore) Delete(gen, key string) {
	p.ops <- pageOp{gen: gen, key: key, del: true}
}

// PutAll writes every entry of batch into gen in one leveldb batch: either
// all of them are stored or none.
func (p *pageStore) PutAll(gen string, batch map[string]Entry) error {
	res := make(chan error, 1)
	p.ops <- pageOp{gen: gen, batch: batch, res: res}
	return <-res
}

// DropGeneration deletes every entry of gen.
func (p *pageStore) DropGeneration(gen string) error {
	res := make(chan error, 1)
	p.ops <- pageOp{gen: gen, dropGen: true, res: res}
	return <-res
}

// Flush waits until every op queued before it has been applied.
func (p *pageStore) Flush() {
	res := make(chan error, 1)
	p.ops <- pageOp{res: res}
	<-res
}

func (p *pageStore) writerLoop() {
	defer close(p.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range p.ops {
		var err error
		switch {
		case op.dropGen:
			err = p.applyDrop(op.gen)
		case op.batch != nil:
			err = p.applyBatch(op.gen, op.batch)
		case op.del:
			err = p.applyDelete(op.gen, op.key)
		case op.ent != nil:
			err = p.applyBatch(op.gen, map[string]Entry{op.key: *op.ent})
		}
		if op.res != nil {
			op.res <- err
		}
	}
}

func (p *pageStore) applyBatch(gen string, ents map[string]Entry) error {
	batch := new(leveldb.Batch)
	metas := make(map[string]pageMeta, len(ents))
	for key, ent := range ents {
		b, err := encodeGob(ent)
		if err != nil {
			return err
		}
		meta := pageMeta{Size: int64(len(b)), StoredAt: ent.StoredAt}
		mb, err := encodeGob(meta)
		if err != nil {
			return err
		}
		batch.Put(entryKey(gen, key), b)
		batch.Put(metaKey(gen, key), mb)
		metas[key] = meta
	}
	if err := p.db.Write(batch, store.SyncWrite); err != nil {
		return err
	}

	p.mu.Lock()
	if p.index[gen] == nil {
		p.index[gen] = map[string]pageMeta{}
	}
	for key, meta := range metas {
		p.totalSize -= p.index[gen][key].Size
		p.index[gen][key] = meta
		p.totalSize += meta.Size
	}
	p.mu.Unlock()
	return nil
}

func (p *pageStore) applyDelete(gen, key string) error {
	batch := new(leveldb.Batch)
	batch.Delete(entryKey(gen, key))
	batch.Delete(metaKey(gen, key))
	if err := p.db.Write(batch, nil); err != nil {
		return err
	}

	p.mu.Lock()
	if meta, ok := p.index[gen][key]; ok {
		p.totalSize -= meta.Size
		delete(p.index[gen], key)
	}
	p.mu.Unlock()
	return nil
}

func (p *pageStore) applyDrop(gen string) error {
	batch := new(leveldb.Batch)
	for _, prefix := range []string{entryPrefix, metaPrefix} {
		it := p.db.NewIterator(util.BytesPrefix([]byte(prefix+gen+":")), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return err
		}
	}
	if err := p.db.Write(batch, store.SyncWrite); err != nil {
		return err
	}

	p.mu.Lock()
	for _, meta := range p.index[gen] {
		p.totalSize -= meta.Size
	}
	delete(p.index, gen)
	p.mu.Unlock()
	return nil
}

func validGeneration(gen string) bool {
	return gen != "" && !strings.Contains(gen, ":")
}
