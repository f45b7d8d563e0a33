package worker

import (
	"bytes"
	"encoding/gob"
	"hash/crc32"
	"log"
	"net/http"
	"time"
)

// Entry is one cached HTTP response.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix nanoseconds
	Hash32   uint32

	// DiscoveredBy records how the URL entered the cache.
	// Expected values: "shell" | "visit" | "message" | "sitemap" | "asset".
	DiscoveredBy string
}

func newEntry(status int, h http.Header, body []byte, by string) Entry {
	ent := Entry{
		Status:       status,
		Header:       cloneHeader(h),
		Body:         body,
		StoredAt:     time.Now().UnixNano(),
		Hash32:       crc32.ChecksumIEEE(body),
		DiscoveredBy: by,
	}
	ent.Header.Del("Content-Length")
	return ent
}

func (e Entry) storedTime() time.Time { return time.Unix(0, e.StoredAt).UTC() }

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
