package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/campusbridge/internal/apperr"
	"github.com/pendergraft/campusbridge/internal/gateway"
	"github.com/pendergraft/campusbridge/internal/operations/domain"
)

// mockService implements domain.Service for testing
type mockService struct {
	mu         sync.Mutex
	dispatched []*gateway.OperationRequest
	receipts   map[string]*domain.Receipt
	dispatchFn func(req *gateway.OperationRequest) (*domain.Receipt, error)
}

func newMockService() *mockService {
	return &mockService{receipts: make(map[string]*domain.Receipt)}
}

func (m *mockService) Token(req *gateway.OperationRequest) (string, error) {
	if !req.Action.Valid() {
		return "", apperr.Malformed("token", "unknown action")
	}
	return "0xtoken-" + string(req.Action), nil
}

func (m *mockService) Dispatch(ctx context.Context, req *gateway.OperationRequest) (*domain.Receipt, error) {
	m.mu.Lock()
	m.dispatched = append(m.dispatched, req)
	m.mu.Unlock()
	if m.dispatchFn != nil {
		return m.dispatchFn(req)
	}
	token, _ := m.Token(req)
	return &domain.Receipt{Token: token, Action: req.Action, State: domain.StateConfirmed, Attempts: 1}, nil
}

func (m *mockService) Receipt(ctx context.Context, token string) (*domain.Receipt, error) {
	if rec, ok := m.receipts[token]; ok {
		return rec, nil
	}
	return nil, apperr.NotFound("receipt", "no operation with token %s", token)
}

func (m *mockService) List(ctx context.Context, filter domain.ListFilter, pagination domain.PaginationParams) (*domain.ListResult, error) {
	var out []domain.Receipt
	for _, rec := range m.receipts {
		if filter.State == "" || rec.State == filter.State {
			out = append(out, *rec)
		}
	}
	return &domain.ListResult{Receipts: out}, nil
}

func (m *mockService) dispatchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dispatched)
}

// stubEncoder records the decoded params
type stubEncoder struct {
	fields   gateway.ProjectFields
	proposal uint64
	choice   gateway.VoteChoice
	ref      string
}

func (e *stubEncoder) req(action gateway.Action) *gateway.OperationRequest {
	return &gateway.OperationRequest{Action: action, Target: common.HexToAddress("0xbb"), CallData: []byte{1}}
}

func (e *stubEncoder) EncodeCreateProject(f gateway.ProjectFields) (*gateway.OperationRequest, error) {
	if f.Title == "" {
		return nil, apperr.Malformed("createProject", "title is required")
	}
	e.fields = f
	return e.req(gateway.ActionCreateProject), nil
}

func (e *stubEncoder) EncodeCastVote(proposalID uint64, choice gateway.VoteChoice) (*gateway.OperationRequest, error) {
	e.proposal, e.choice = proposalID, choice
	return e.req(gateway.ActionCastVote), nil
}

func (e *stubEncoder) EncodeRequestJoin(projectID uint64) (*gateway.OperationRequest, error) {
	return e.req(gateway.ActionRequestJoin), nil
}

func (e *stubEncoder) EncodeRegisterProposal(projectID uint64, ref string) (*gateway.OperationRequest, error) {
	e.ref = ref
	return e.req(gateway.ActionRegisterProposal), nil
}

func setupRouter(svc domain.Service, enc Encoder) *chi.Mux {
	h := NewHandler(svc, enc, nil)
	r := chi.NewRouter()
	r.Route("/api/v1/operations", func(r chi.Router) {
		h.RegisterReadRoutes(r)
		h.RegisterWriteRoutes(r)
	})
	return r
}

func post(t *testing.T, r http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandleDispatch(t *testing.T) {
	t.Run("create project", func(t *testing.T) {
		svc, enc := newMockService(), &stubEncoder{}
		router := setupRouter(svc, enc)

		w := post(t, router, "/api/v1/operations", map[string]any{
			"action": "create-project",
			"params": map[string]any{"title": "Campus Rover", "maxMembers": 5, "repositoryLink": "https://github.com/x/y"},
		})

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var rec domain.Receipt
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
		assert.Equal(t, domain.StateConfirmed, rec.State)
		assert.Equal(t, "Campus Rover", enc.fields.Title)
		assert.Equal(t, uint64(5), enc.fields.MaxMembers)
	})

	t.Run("cast vote", func(t *testing.T) {
		svc, enc := newMockService(), &stubEncoder{}
		router := setupRouter(svc, enc)

		w := post(t, router, "/api/v1/operations", map[string]any{
			"action": "cast-vote",
			"params": map[string]any{"proposalId": 7, "choice": "no"},
		})

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, uint64(7), enc.proposal)
		assert.Equal(t, gateway.VoteNo, enc.choice)
	})

	t.Run("unknown action", func(t *testing.T) {
		svc := newMockService()
		w := post(t, setupRouter(svc, &stubEncoder{}), "/api/v1/operations", map[string]any{
			"action": "mint", "params": map[string]any{},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Zero(t, svc.dispatchCount())
	})

	t.Run("validation error", func(t *testing.T) {
		svc := newMockService()
		w := post(t, setupRouter(svc, &stubEncoder{}), "/api/v1/operations", map[string]any{
			"action": "create-project", "params": map[string]any{"title": ""},
		})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "INVALID_REQUEST")
		assert.Zero(t, svc.dispatchCount())
	})

	t.Run("invalid json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/operations", bytes.NewBufferString("{"))
		w := httptest.NewRecorder()
		setupRouter(newMockService(), &stubEncoder{}).ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("upstream unavailable", func(t *testing.T) {
		svc := newMockService()
		svc.dispatchFn = func(req *gateway.OperationRequest) (*domain.Receipt, error) {
			return &domain.Receipt{State: domain.StateDropped}, apperr.Transient("eth_sendUserOperation", errors.New("connection refused"))
		}
		w := post(t, setupRouter(svc, &stubEncoder{}), "/api/v1/operations", map[string]any{
			"action": "request-join", "params": map[string]any{"projectId": 3},
		})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("no wait", func(t *testing.T) {
		svc, enc := newMockService(), &stubEncoder{}
		w := post(t, setupRouter(svc, enc), "/api/v1/operations?wait=false", map[string]any{
			"action": "register-proposal", "params": map[string]any{"projectId": 3, "reference": "QmRef"},
		})

		require.Equal(t, http.StatusAccepted, w.Code)
		var rec domain.Receipt
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
		assert.Equal(t, "0xtoken-register-proposal", rec.Token)
		assert.Equal(t, domain.StateBuilt, rec.State)
		assert.Equal(t, "QmRef", enc.ref)
		assert.Eventually(t, func() bool { return svc.dispatchCount() == 1 }, time.Second, time.Millisecond)
	})

	t.Run("no wait returns a settled receipt from the ledger", func(t *testing.T) {
		svc, enc := newMockService(), &stubEncoder{}
		svc.receipts["0xtoken-cast-vote"] = &domain.Receipt{
			Token: "0xtoken-cast-vote", Action: gateway.ActionCastVote, State: domain.StateRejected, Reason: "already voted",
		}
		w := post(t, setupRouter(svc, enc), "/api/v1/operations?wait=false", map[string]any{
			"action": "cast-vote", "params": map[string]any{"proposalId": 4, "choice": "no"},
		})

		require.Equal(t, http.StatusOK, w.Code)
		var rec domain.Receipt
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
		assert.Equal(t, domain.StateRejected, rec.State)
		assert.Equal(t, "already voted", rec.Reason)
		time.Sleep(10 * time.Millisecond)
		assert.Zero(t, svc.dispatchCount())
	})

	t.Run("no wait on a submitting operation reports it", func(t *testing.T) {
		svc, enc := newMockService(), &stubEncoder{}
		svc.receipts["0xtoken-request-join"] = &domain.Receipt{
			Token: "0xtoken-request-join", Action: gateway.ActionRequestJoin, State: domain.StateSubmitting, Handle: "0xhandle",
		}
		w := post(t, setupRouter(svc, enc), "/api/v1/operations?wait=false", map[string]any{
			"action": "request-join", "params": map[string]any{"projectId": 9},
		})

		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Contains(t, w.Body.String(), `"state":"submitting"`)
		assert.Eventually(t, func() bool { return svc.dispatchCount() == 1 }, time.Second, time.Millisecond)
	})
}

func TestHandleGet(t *testing.T) {
	svc := newMockService()
	svc.receipts["0xabc"] = &domain.Receipt{Token: "0xabc", State: domain.StateSubmitting, Handle: "0xhandle"}
	router := setupRouter(svc, &stubEncoder{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/operations/0xabc", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"submitting"`)
	assert.NotContains(t, w.Body.String(), "finishedAt")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/operations/0xmissing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleList(t *testing.T) {
	svc := newMockService()
	svc.receipts["0x1"] = &domain.Receipt{Token: "0x1", State: domain.StateConfirmed}
	svc.receipts["0x2"] = &domain.Receipt{Token: "0x2", State: domain.StateDropped}
	router := setupRouter(svc, &stubEncoder{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/operations?state=dropped", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp ListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "0x2", resp.Data[0].Token)
	assert.Equal(t, 20, resp.Pagination.Limit)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/operations?action=mint", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
