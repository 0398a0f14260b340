// Package domain dispatches state-changing operations through the bridge's
// smart account.
//
// Every logical operation is identified by an idempotency token derived from
// its content. The ledger records a receipt per token before the first
// submission, so a crashed or repeated dispatch resumes tracking instead of
// submitting the same operation twice.
package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/pendergraft/campusbridge/internal/apperr"
	"github.com/pendergraft/campusbridge/internal/gateway"
	"github.com/pendergraft/campusbridge/internal/observability/metrics"
	"github.com/pendergraft/campusbridge/internal/relay"
	"github.com/pendergraft/campusbridge/internal/retry"
	"github.com/pendergraft/campusbridge/internal/storage"
)

// Relay is the smart-account client used to build, submit and track
// operations.
type Relay interface {
	Account() common.Address
	Build(ctx context.Context, target common.Address, value *big.Int, data []byte) (*relay.UserOperation, common.Hash, error)
	Send(ctx context.Context, op *relay.UserOperation) (common.Hash, error)
	Status(ctx context.Context, hash common.Hash) (*relay.Status, error)
}

// ReceiptStore defines the ledger operations needed by the dispatcher.
type ReceiptStore interface {
	GetReceipt(ctx context.Context, token string) (*storage.Receipt, error)
	PutReceipt(ctx context.Context, r *storage.Receipt) error
	ListReceipts(ctx context.Context, filter storage.ReceiptFilter, pagination storage.PaginationParams) (*storage.PaginatedResult[storage.Receipt], error)
}

// Config tunes submission and confirmation tracking.
type Config struct {
	// PollInterval is the wait between relay status checks.
	PollInterval time.Duration
	// ConfirmTimeout bounds tracking after submission; past it the
	// operation is dropped.
	ConfirmTimeout time.Duration
	// NotFoundGrace is how long the relay may report an operation unknown
	// before it is considered dropped by the relay.
	NotFoundGrace time.Duration
	// MaxResubmits caps rebuild-and-resend cycles after the relay drops an
	// operation.
	MaxResubmits int
	// SendAttempts caps sends of one operation that provably never reached
	// the relay.
	SendAttempts int
	// Retry is the policy for sends; its MaxAttempts is replaced by
	// SendAttempts.
	Retry retry.Policy
}

// DefaultConfig returns the production tracking settings.
func DefaultConfig() Config {
	return Config{
		PollInterval:   2 * time.Second,
		ConfirmTimeout: 2 * time.Minute,
		NotFoundGrace:  20 * time.Second,
		MaxResubmits:   1,
		SendAttempts:   3,
		Retry:          retry.DefaultPolicy(),
	}
}

// Service is the dispatcher interface used by transports.
type Service interface {
	Token(req *gateway.OperationRequest) (string, error)
	Dispatch(ctx context.Context, req *gateway.OperationRequest) (*Receipt, error)
	Receipt(ctx context.Context, token string) (*Receipt, error)
	List(ctx context.Context, filter ListFilter, pagination PaginationParams) (*ListResult, error)
}

// call is one in-flight dispatch shared by every waiter on the same token.
type call struct {
	token   string
	done    chan struct{}
	receipt *Receipt
	err     error

	// guarded by service.mu
	waiters int
	sent    bool
	cancel  context.CancelFunc
}

type service struct {
	relay  Relay
	store  ReceiptStore
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]*call
}

// NewService creates a dispatcher.
func NewService(r Relay, store ReceiptStore, cfg Config, logger *slog.Logger) *service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendAttempts < 1 {
		cfg.SendAttempts = 1
	}
	return &service{
		relay:    r,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		inflight: make(map[string]*call),
	}
}

var tokenArgs = func() abi.Arguments {
	addressType, _ := abi.NewType("address", "", nil)
	stringType, _ := abi.NewType("string", "", nil)
	uint256Type, _ := abi.NewType("uint256", "", nil)
	bytesType, _ := abi.NewType("bytes", "", nil)
	return abi.Arguments{{Type: addressType}, {Type: stringType}, {Type: addressType}, {Type: uint256Type}, {Type: bytesType}}
}()

// Token derives the idempotency token of req when sent from account.
func Token(account common.Address, req *gateway.OperationRequest) (string, error) {
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	enc, err := tokenArgs.Pack(account, string(req.Action), req.Target, value, req.CallData)
	if err != nil {
		return "", apperr.Malformed("token", "encoding operation: %v", err)
	}
	return crypto.Keccak256Hash(enc).Hex(), nil
}

// Token returns the idempotency token req gets from this dispatcher.
func (s *service) Token(req *gateway.OperationRequest) (string, error) {
	if req == nil || !req.Action.Valid() {
		return "", apperr.Malformed("token", "unknown action")
	}
	return Token(s.relay.Account(), req)
}

// Dispatch submits req unless an identical operation already ran, and waits
// for a terminal receipt. Concurrent calls for the same operation share one
// submission. A caller that gives up gets ctx.Err(); the submission itself
// continues once it has been sent.
func (s *service) Dispatch(ctx context.Context, req *gateway.OperationRequest) (*Receipt, error) {
	if req != nil && req.Value != nil && req.Value.Sign() < 0 {
		return nil, apperr.Malformed("dispatch", "negative value")
	}
	token, err := s.Token(req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	c, ok := s.inflight[token]
	if !ok {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c = &call{token: token, done: make(chan struct{}), cancel: cancel}
		s.inflight[token] = c
		go s.run(runCtx, c, token, req)
	}
	c.waiters++
	s.mu.Unlock()

	select {
	case <-c.done:
		return c.receipt, c.err
	case <-ctx.Done():
		s.leave(c)
		return nil, ctx.Err()
	}
}

// leave drops a waiter; the last one out cancels work that has not been
// sent. A cancelled call is unlisted at once so the next caller for the
// token starts afresh instead of inheriting the cancellation.
func (s *service) leave(c *call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.waiters--
	if c.waiters == 0 && !c.sent {
		c.cancel()
		if s.inflight[c.token] == c {
			delete(s.inflight, c.token)
		}
	}
}

// markSent commits the call to run to completion. It fails when every
// waiter has already left.
func (s *service) markSent(ctx context.Context, c *call) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	c.sent = true
	return true
}

func (s *service) run(ctx context.Context, c *call, token string, req *gateway.OperationRequest) {
	start := time.Now()
	rec, err := s.execute(ctx, c, token, req)
	if rec != nil && rec.State.Terminal() {
		metrics.OperationDispatch(string(req.Action), string(rec.State), time.Since(start))
	}

	s.mu.Lock()
	if s.inflight[token] == c {
		delete(s.inflight, token)
	}
	c.receipt, c.err = rec, err
	s.mu.Unlock()
	c.cancel()
	close(c.done)
}

func (s *service) execute(ctx context.Context, c *call, token string, req *gateway.OperationRequest) (*Receipt, error) {
	stored, err := s.store.GetReceipt(ctx, token)
	switch {
	case err == nil:
		switch State(stored.State) {
		case StateConfirmed, StateRejected:
			return fromRecord(stored), nil
		case StateSubmitting:
			// A previous process sent this operation; never resend blindly.
			if !s.markSent(ctx, c) {
				return nil, context.Canceled
			}
			s.logger.Info("resuming operation tracking", "token", token, "handle", stored.Handle)
			return s.track(ctx, req, stored)
		}
	case errors.Is(err, storage.ErrNotFound):
		stored = nil
	default:
		return nil, apperr.Transient("ledger lookup", err)
	}

	rec := newRecord(token, s.relay.Account(), req, stored)
	op, hash, err := s.relay.Build(ctx, req.Target, req.Value, req.CallData)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		switch apperr.KindOf(err) {
		case apperr.KindMalformed, apperr.KindFatal:
			return s.finish(rec, StateRejected, err.Error()), nil
		}
		s.finish(rec, StateDropped, apperr.Reason(err))
		return fromRecord(rec), fmt.Errorf("building operation: %w", err)
	}

	if !s.markSent(ctx, c) {
		return nil, context.Canceled
	}
	return s.submit(ctx, req, rec, op, hash)
}

// submit persists the write-ahead record for op and sends it.
func (s *service) submit(ctx context.Context, req *gateway.OperationRequest, rec *storage.Receipt, op *relay.UserOperation, hash common.Hash) (*Receipt, error) {
	rec.State = string(StateSubmitting)
	rec.Handle = hash.Hex()
	rec.Attempts++
	rec.SubmittedAt = storage.FormatTime(time.Now())
	rec.Reason = ""
	if err := s.store.PutReceipt(ctx, rec); err != nil {
		return nil, apperr.Transient("ledger write", err)
	}

	accepted, err := s.send(ctx, op)
	switch {
	case err == nil:
		if accepted != (common.Hash{}) && accepted != hash {
			s.logger.Warn("relay returned a different operation hash", "local", hash.Hex(), "relay", accepted.Hex())
			rec.Handle = accepted.Hex()
			s.persist(rec)
		}
	case relay.IsRejected(err):
		return s.finish(rec, StateRejected, rejectionReason(err)), nil
	case relay.IsNotDelivered(err):
		// Nothing reached the relay, so giving up cannot leave a live operation behind.
		s.finish(rec, StateDropped, apperr.Reason(err))
		return fromRecord(rec), fmt.Errorf("sending operation: %w", err)
	default:
		s.logger.Warn("send outcome unknown, tracking instead of resending", "token", rec.Token, "handle", rec.Handle, "error", err)
	}

	return s.track(ctx, req, rec)
}

// send retries only while the relay provably never saw the request.
func (s *service) send(ctx context.Context, op *relay.UserOperation) (common.Hash, error) {
	policy := s.cfg.Retry.Named("eth_sendUserOperation").WithAttempts(s.cfg.SendAttempts)
	hash, err := retry.Do(ctx, policy, relay.IsNotDelivered, func(ctx context.Context) (common.Hash, error) {
		h, err := s.relay.Send(ctx, op)
		metrics.OperationSend(sendResult(err))
		return h, err
	})
	return hash, err
}

// track polls the relay until rec reaches a terminal state. Every relay
// call made while tracking is bounded by the confirmation deadline.
func (s *service) track(ctx context.Context, req *gateway.OperationRequest, rec *storage.Receipt) (*Receipt, error) {
	deadline := time.Now().Add(s.cfg.ConfirmTimeout)
	tctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	resubmits := 0
	var missingSince time.Time

	for {
		st, err := s.relay.Status(tctx, common.HexToHash(rec.Handle))
		switch {
		case err != nil:
			s.logger.Debug("status check failed", "token", rec.Token, "error", err)
		case st.State == relay.StateIncluded:
			rec.TxHash = st.TxHash.Hex()
			return s.finish(rec, StateConfirmed, ""), nil
		case st.State == relay.StateFailed:
			if st.TxHash != (common.Hash{}) {
				rec.TxHash = st.TxHash.Hex()
			}
			return s.finish(rec, StateRejected, st.Reason), nil
		case st.State == relay.StateNotFound:
			if missingSince.IsZero() {
				missingSince = time.Now()
				break
			}
			if time.Since(missingSince) < s.cfg.NotFoundGrace {
				break
			}
			if resubmits >= s.cfg.MaxResubmits {
				return s.finish(rec, StateDropped, "dropped by relay"), nil
			}
			resubmits++
			s.logger.Info("relay lost operation, resubmitting", "token", rec.Token, "handle", rec.Handle, "resubmit", resubmits)
			if done, err := s.resubmit(tctx, req, rec); done {
				return fromRecord(rec), err
			}
			missingSince = time.Time{}
		default:
			missingSince = time.Time{}
		}

		if !time.Now().Before(deadline) {
			return s.finish(rec, StateDropped, "timeout"), nil
		}
		if err := sleep(tctx, s.cfg.PollInterval); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return s.finish(rec, StateDropped, "timeout"), nil
		}
	}
}

// resubmit rebuilds and resends rec's operation. done reports that rec was
// finished and tracking must stop.
func (s *service) resubmit(ctx context.Context, req *gateway.OperationRequest, rec *storage.Receipt) (done bool, err error) {
	op, hash, err := s.relay.Build(ctx, req.Target, req.Value, req.CallData)
	if err != nil {
		s.finish(rec, StateDropped, apperr.Reason(err))
		return true, nil
	}
	rec.Handle = hash.Hex()
	rec.Attempts++
	rec.SubmittedAt = storage.FormatTime(time.Now())
	s.persist(rec)

	accepted, err := s.send(ctx, op)
	switch {
	case err == nil:
		if accepted != (common.Hash{}) && accepted != hash {
			rec.Handle = accepted.Hex()
			s.persist(rec)
		}
	case relay.IsRejected(err):
		s.finish(rec, StateRejected, rejectionReason(err))
		return true, nil
	case relay.IsNotDelivered(err):
		s.finish(rec, StateDropped, apperr.Reason(err))
		return true, nil
	}
	return false, nil
}

// finish records a terminal state. A ledger write failure is logged; the
// receipt is still returned and a later dispatch resumes from the
// submitting record.
func (s *service) finish(rec *storage.Receipt, state State, reason string) *Receipt {
	rec.State = string(state)
	rec.Reason = reason
	rec.FinishedAt = storage.FormatTime(time.Now())
	s.persist(rec)
	return fromRecord(rec)
}

func (s *service) persist(rec *storage.Receipt) {
	// The dispatch context may already be gone; the ledger write must not be.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.PutReceipt(ctx, rec); err != nil {
		s.logger.Error("failed to persist receipt", "token", rec.Token, "state", rec.State, "error", err)
	}
}

// Receipt returns the current receipt for token.
func (s *service) Receipt(ctx context.Context, token string) (*Receipt, error) {
	stored, err := s.store.GetReceipt(ctx, token)
	if err == nil {
		return fromRecord(stored), nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.Transient("ledger lookup", err)
	}

	s.mu.Lock()
	_, running := s.inflight[token]
	s.mu.Unlock()
	if running {
		return &Receipt{Token: token, State: StateBuilt}, nil
	}
	return nil, apperr.NotFound("receipt", "no operation with token %s", token)
}

// List returns ledger receipts newest first.
func (s *service) List(ctx context.Context, filter ListFilter, pagination PaginationParams) (*ListResult, error) {
	page, err := s.store.ListReceipts(ctx, storage.ReceiptFilter{
		State:  string(filter.State),
		Action: string(filter.Action),
	}, storage.PaginationParams{Limit: pagination.Limit, Cursor: pagination.Cursor})
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	out := &ListResult{
		Receipts:   make([]Receipt, len(page.Data)),
		HasMore:    page.HasMore,
		NextCursor: page.NextCursor,
	}
	for i := range page.Data {
		out.Receipts[i] = *fromRecord(&page.Data[i])
	}
	return out, nil
}

func newRecord(token string, account common.Address, req *gateway.OperationRequest, prev *storage.Receipt) *storage.Receipt {
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	rec := &storage.Receipt{
		Token:    token,
		Account:  account.Hex(),
		Action:   string(req.Action),
		State:    string(StateBuilt),
		Target:   req.Target.Hex(),
		Value:    value.String(),
		CallData: hexutil.Encode(req.CallData),
	}
	if prev != nil {
		// A dropped operation keeps its ledger identity and attempt count.
		rec.ID = prev.ID
		rec.CreatedAt = prev.CreatedAt
		rec.Attempts = prev.Attempts
	}
	return rec
}

func fromRecord(r *storage.Receipt) *Receipt {
	return &Receipt{
		Token:       r.Token,
		Action:      gateway.Action(r.Action),
		State:       State(r.State),
		Handle:      r.Handle,
		TxHash:      r.TxHash,
		Reason:      r.Reason,
		Attempts:    r.Attempts,
		SubmittedAt: storage.ParseTime(r.SubmittedAt),
		FinishedAt:  storage.ParseTime(r.FinishedAt),
	}
}

func rejectionReason(err error) string {
	var rej *relay.RejectedError
	if errors.As(err, &rej) {
		return rej.Message
	}
	return err.Error()
}

func sendResult(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case relay.IsRejected(err):
		return "rejected"
	case relay.IsNotDelivered(err):
		return "not_delivered"
	default:
		return "ambiguous"
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
