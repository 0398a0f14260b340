package transport

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/campusbridge/internal/apperr"
	"github.com/pendergraft/campusbridge/internal/gateway"
)

var (
	alice = common.HexToAddress("0xA11CE00000000000000000000000000000000001")
	bob   = common.HexToAddress("0xB0B0000000000000000000000000000000000002")
	badge = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

// mockReader serves projects from memory and counts reads.
type mockReader struct {
	projects []*gateway.Project
	reads    int
	listErr  error
	uris     map[string]string
}

func (m *mockReader) ReadProject(ctx context.Context, id uint64) (*gateway.Project, error) {
	m.reads++
	for _, p := range m.projects {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, apperr.NotFound("readProject", "project %d", id)
}

func (m *mockReader) list(filter func(*gateway.Project) bool) iter.Seq2[*gateway.Project, error] {
	return func(yield func(*gateway.Project, error) bool) {
		if m.listErr != nil {
			yield(nil, m.listErr)
			return
		}
		for _, p := range m.projects {
			if !filter(p) {
				continue
			}
			m.reads++
			if !yield(p, nil) {
				return
			}
		}
	}
}

func (m *mockReader) ListProjectsOwnedBy(ctx context.Context, owner common.Address) iter.Seq2[*gateway.Project, error] {
	return m.list(func(p *gateway.Project) bool { return p.Owner == owner })
}

func (m *mockReader) ListAllProjects(ctx context.Context) iter.Seq2[*gateway.Project, error] {
	return m.list(func(*gateway.Project) bool { return true })
}

func (m *mockReader) ResolveTokenURI(ctx context.Context, contract common.Address, tokenID *big.Int) (string, error) {
	if u, ok := m.uris[tokenID.String()]; ok {
		return u, nil
	}
	return "", apperr.NotFound("tokenURI", "token %s", tokenID)
}

func newReader(n int) *mockReader {
	m := &mockReader{uris: map[string]string{"1": "ipfs://QmBadge1"}}
	for i := 1; i <= n; i++ {
		owner := alice
		if i%2 == 0 {
			owner = bob
		}
		m.projects = append(m.projects, &gateway.Project{
			ID: uint64(i), Title: "Project", Owner: owner, Members: []common.Address{owner}, MaxMembers: 4, IsActive: true,
		})
	}
	return m
}

func newRouter(reader Reader) http.Handler {
	h := NewHandler(reader, nil)
	r := chi.NewRouter()
	r.Route("/projects", h.RegisterReadRoutes)
	r.Route("/tokens", h.RegisterTokenRoutes)
	return r
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHandleList(t *testing.T) {
	reader := newReader(5)
	h := newRouter(reader)

	w := get(t, h, "/projects?limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	var page ListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Data, 2)
	assert.True(t, page.Pagination.HasMore)
	assert.Equal(t, "2", page.Pagination.NextCursor)
	assert.Equal(t, 3, reader.reads, "lazy listing stops after limit+1")

	w = get(t, h, "/projects?limit=2&cursor=4")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Data, 1)
	assert.Equal(t, uint64(5), page.Data[0].ID)
	assert.False(t, page.Pagination.HasMore)
	assert.Empty(t, page.Pagination.NextCursor)
}

func TestHandleListByOwner(t *testing.T) {
	h := newRouter(newReader(5))

	w := get(t, h, "/projects?owner="+bob.Hex())
	require.Equal(t, http.StatusOK, w.Code)
	var page ListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Data, 2)
	for _, p := range page.Data {
		assert.Equal(t, bob, p.Owner)
	}

	w = get(t, h, "/projects?owner=nope")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleListUpstreamError(t *testing.T) {
	reader := newReader(1)
	reader.listErr = apperr.Transient("projectCount", errors.New("connection refused"))

	w := get(t, newRouter(reader), "/projects")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleGet(t *testing.T) {
	h := newRouter(newReader(2))

	w := get(t, h, "/projects/2")
	require.Equal(t, http.StatusOK, w.Code)
	var p gateway.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, bob, p.Owner)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/projects/9").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/projects/0").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/projects/abc").Code)
}

func TestHandleMembership(t *testing.T) {
	h := newRouter(newReader(1))

	w := get(t, h, "/projects/1/members/"+alice.Hex())
	require.Equal(t, http.StatusOK, w.Code)
	var m MembershipResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.True(t, m.Member)
	assert.True(t, m.Owner)

	w = get(t, h, "/projects/1/members/"+bob.Hex())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.False(t, m.Member)
}

func TestHandleTokenURI(t *testing.T) {
	h := newRouter(newReader(0))

	w := get(t, h, "/tokens/"+badge.Hex()+"/1/uri")
	require.Equal(t, http.StatusOK, w.Code)
	var resp TokenURIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ipfs://QmBadge1", resp.URI)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/tokens/"+badge.Hex()+"/2/uri").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/tokens/0x12/1/uri").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/tokens/"+badge.Hex()+"/-1/uri").Code)
}
