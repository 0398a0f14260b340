package domain

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/campusbridge/internal/apperr"
	"github.com/pendergraft/campusbridge/internal/contentstore"
	"github.com/pendergraft/campusbridge/internal/retry"
	"github.com/pendergraft/campusbridge/internal/storage"
)

// countingStore wraps a memory store and can inject failures.
type countingStore struct {
	*contentstore.Memory
	puts     atomic.Int32
	failures atomic.Int32
	err      error
}

func (c *countingStore) Put(ctx context.Context, data []byte) (string, error) {
	c.puts.Add(1)
	if c.failures.Load() > 0 {
		c.failures.Add(-1)
		return "", c.err
	}
	return c.Memory.Put(ctx, data)
}

// gatedStore holds every Put until release is closed or the upload's
// context ends.
type gatedStore struct {
	*countingStore
	started chan struct{}
	once    sync.Once
	release chan struct{}
}

func (g *gatedStore) Put(ctx context.Context, data []byte) (string, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return g.countingStore.Put(ctx, data)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type memIndex struct {
	mu   sync.Mutex
	pubs map[string]*storage.Publication
}

func newMemIndex() *memIndex { return &memIndex{pubs: map[string]*storage.Publication{}} }

func (m *memIndex) GetPublication(_ context.Context, digest string) (*storage.Publication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pubs[digest]; ok {
		return p, nil
	}
	return nil, storage.ErrNotFound
}

func (m *memIndex) RecordPublication(_ context.Context, p *storage.Publication) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pubs[p.Digest]; !ok {
		m.pubs[p.Digest] = p
	}
	return nil
}

func testConfig() Config {
	return Config{
		MaxMembersCap: 10,
		Retry:         retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}
}

func newTestService(maxBytes int) (*service, *countingStore, *memIndex) {
	store := &countingStore{Memory: contentstore.NewMemory(maxBytes)}
	idx := newMemIndex()
	return NewService(store, idx, testConfig(), nil), store, idx
}

func decode(t *testing.T, s string) Document {
	t.Helper()
	var d Document
	require.NoError(t, json.Unmarshal([]byte(s), &d))
	return d
}

func TestCanonical(t *testing.T) {
	d := decode(t, `{
		"title": "  Robotics <b>club</b> ",
		"description": "R&D for <script>alert(1)</script>line followers",
		"maxMembers": 4,
		"members": ["0xabc0000000000000000000000000000000000001"],
		"zeta": 1,
		"alpha": {"b": 2, "a": "x"}
	}`)

	got, err := Canonical(d, 10)
	require.NoError(t, err)
	assert.Equal(t,
		`{"alpha":{"a":"x","b":2},"description":"R&amp;D for line followers","governanceMode":"solo",`+
			`"maxMembers":4,"members":["0xABC0000000000000000000000000000000000001"],"title":"Robotics club","zeta":1}`,
		string(got))
	assert.NotContains(t, string(got), `\u0026`)
	assert.False(t, strings.HasSuffix(string(got), "\n"))
}

func TestCanonicalRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty title", `{"title":"   "}`},
		{"title only markup", `{"title":"<p></p>"}`},
		{"bad governance", `{"title":"x","governanceMode":"dictator"}`},
		{"bad repository", `{"title":"x","repositoryLink":"ftp://example.com"}`},
		{"bad member", `{"title":"x","members":["0x123"]}`},
		{"too many members", `{"title":"x","maxMembers":1,"members":["0xabc0000000000000000000000000000000000001","0xabc0000000000000000000000000000000000002"]}`},
		{"maxMembers over cap", `{"title":"x","maxMembers":11}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Canonical(decode(t, tt.doc), 10)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrMalformed)
		})
	}
}

func TestPublish_ContentEqualDocumentsShareReference(t *testing.T) {
	svc, store, _ := newTestService(1 << 20)
	ctx := context.Background()

	p1, err := svc.Publish(ctx, decode(t, `{"title":"Chess","extra":{"x":1,"y":2},"members":["0xabc0000000000000000000000000000000000001"]}`))
	require.NoError(t, err)
	p2, err := svc.Publish(ctx, decode(t, `{"members":["0xABC0000000000000000000000000000000000001"],"extra":{"y":2,"x":1},"title":" Chess "}`))
	require.NoError(t, err)

	assert.Equal(t, p1.Reference, p2.Reference)
	assert.Equal(t, p1.Digest, p2.Digest)
	assert.False(t, p1.Existing)
	assert.True(t, p2.Existing)
	assert.Equal(t, int32(1), store.puts.Load())
}

func TestPublish_ConcurrentSameContentUploadsOnce(t *testing.T) {
	svc, store, _ := newTestService(1 << 20)
	doc := Document{Title: "Hackathon team"}

	var wg sync.WaitGroup
	refs := make([]string, 8)
	for i := range refs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := svc.Publish(context.Background(), doc)
			if assert.NoError(t, err) {
				refs[i] = p.Reference
			}
		}()
	}
	wg.Wait()

	for _, r := range refs {
		assert.Equal(t, refs[0], r)
	}
	assert.Equal(t, int32(1), store.puts.Load())
}

func TestPublish_CallerCancelDoesNotFailOthers(t *testing.T) {
	store := &gatedStore{
		countingStore: &countingStore{Memory: contentstore.NewMemory(1 << 20)},
		started:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	svc := NewService(store, newMemIndex(), testConfig(), nil)
	doc := Document{Title: "Robotics club"}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.Publish(ctx, doc)
		firstErr <- err
	}()
	<-store.started

	type result struct {
		pub *Published
		err error
	}
	second := make(chan result, 1)
	go func() {
		p, err := svc.Publish(context.Background(), doc)
		second <- result{p, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(store.release)
	res := <-second
	require.NoError(t, res.err)
	assert.NotEmpty(t, res.pub.Reference)
	assert.Equal(t, int32(1), store.puts.Load())
}

func TestPublish_Oversize(t *testing.T) {
	svc, store, _ := newTestService(64)

	_, err := svc.Publish(context.Background(), Document{Title: "x", Description: strings.Repeat("long ", 50)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOversize)
	assert.ErrorIs(t, err, apperr.ErrTooLarge)
	assert.ErrorIs(t, err, apperr.ErrFatal)
	assert.Equal(t, int32(0), store.puts.Load())
}

func TestPublish_MalformedDoesNotUpload(t *testing.T) {
	svc, store, _ := newTestService(1 << 20)
	_, err := svc.Publish(context.Background(), Document{})
	assert.ErrorIs(t, err, apperr.ErrMalformed)
	assert.Equal(t, int32(0), store.puts.Load())
}

func TestPublish_RetriesTransientUploads(t *testing.T) {
	svc, store, idx := newTestService(1 << 20)
	store.err = apperr.Transient("pinata-put", errors.New("HTTP 502"))
	store.failures.Store(2)

	p, err := svc.Publish(context.Background(), Document{Title: "Retry me"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), store.puts.Load())

	rec, err := idx.GetPublication(context.Background(), p.Digest)
	require.NoError(t, err)
	assert.Equal(t, p.Reference, rec.Reference)
	assert.Equal(t, "memory", rec.Backend)
}

func TestPublish_UploadFailed(t *testing.T) {
	svc, store, idx := newTestService(1 << 20)
	store.err = apperr.Transient("pinata-put", errors.New("HTTP 503"))
	store.failures.Store(100)

	_, err := svc.Publish(context.Background(), Document{Title: "Never lands"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUploadFailed)
	assert.True(t, apperr.IsRetryable(err))
	assert.Equal(t, 3, retry.Attempts(err))
	assert.Empty(t, idx.pubs)
}

func TestPublish_FatalUploadNotRetried(t *testing.T) {
	svc, store, _ := newTestService(1 << 20)
	store.err = apperr.Fatal("pinata-put", errors.New("HTTP 401: bad jwt"))
	store.failures.Store(100)

	_, err := svc.Publish(context.Background(), Document{Title: "Unauthorized"})
	assert.ErrorIs(t, err, apperr.ErrFatal)
	assert.Equal(t, int32(1), store.puts.Load())
}

func TestResolve(t *testing.T) {
	svc, _, _ := newTestService(1 << 20)
	ctx := context.Background()

	p, err := svc.Publish(ctx, decode(t, `{"title":"Garden","projectId":7,"governanceMode":"snapshot","budget":120}`))
	require.NoError(t, err)

	doc, err := svc.Resolve(ctx, p.Reference)
	require.NoError(t, err)
	assert.Equal(t, "Garden", doc.Title)
	assert.Equal(t, uint64(7), doc.ProjectID)
	assert.Equal(t, GovernanceSnapshot, doc.GovernanceMode)
	assert.Equal(t, json.Number("120"), doc.Extra["budget"])

	_, err = svc.Resolve(ctx, contentstore.Reference([]byte("unpublished")))
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = svc.Resolve(ctx, "bad ref/with slash")
	assert.ErrorIs(t, err, apperr.ErrMalformed)
}

func TestDocumentRoundTripIsStable(t *testing.T) {
	in := `{"budget":12345678901234567890,"title":"Big numbers"}`
	d := decode(t, in)
	out, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, in, string(out))
}
