package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tasklane/settlement/internal/models"
	"github.com/tasklane/settlement/internal/queue"
)

type stubService struct {
	fundErr    error
	releaseErr error
	refundErr  error
	splitErr   error

	lastFund    *FundParams
	lastRelease *ReleaseParams
	lastRefund  *RefundParams
	lastSplit   *SplitParams
}

func (s *stubService) Fund(ctx context.Context, p FundParams) (*models.Escrow, error) {
	s.lastFund = &p
	return &models.Escrow{ID: p.EscrowID, State: models.EscrowStateFunded}, s.fundErr
}

func (s *stubService) Release(ctx context.Context, p ReleaseParams) (*models.Escrow, error) {
	s.lastRelease = &p
	return &models.Escrow{ID: p.EscrowID, State: models.EscrowStateReleased}, s.releaseErr
}

func (s *stubService) Refund(ctx context.Context, p RefundParams) (*models.Escrow, error) {
	s.lastRefund = &p
	return &models.Escrow{ID: p.EscrowID, State: models.EscrowStateRefunded}, s.refundErr
}

func (s *stubService) PartialSplit(ctx context.Context, p SplitParams) (*models.Escrow, error) {
	s.lastSplit = &p
	return &models.Escrow{ID: p.EscrowID, State: models.EscrowStateRefundPartial}, s.splitErr
}

type stubMarker struct {
	mu        sync.Mutex
	processed []string
	failed    map[string]string
}

func newStubMarker() *stubMarker {
	return &stubMarker{failed: make(map[string]string)}
}

func (m *stubMarker) MarkProcessed(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed = append(m.processed, key)
	return nil
}

func (m *stubMarker) MarkFailed(ctx context.Context, key, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[key] = cause
	return nil
}

func paymentsJob(t *testing.T, kind queue.Kind, payload any) queue.Job {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return queue.Job{
		Kind:           kind,
		AggregateType:  "escrow",
		AggregateID:    uuid.New(),
		EventVersion:   1,
		IdempotencyKey: "escrow.test:" + uuid.NewString() + ":1",
		Payload:        data,
	}
}

func TestHandlerDispatchesKinds(t *testing.T) {
	svc := &stubService{}
	marker := newStubMarker()
	h := NewHandler(svc, marker, zerolog.Nop())
	ctx := context.Background()

	job := paymentsJob(t, queue.KindEscrowFundConfirmed, fundPayload{PaymentIntentRef: "pi_9"})
	if err := h.Handle(ctx, job); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if svc.lastFund == nil || svc.lastFund.PaymentIntentRef != "pi_9" {
		t.Errorf("fund params = %+v, want payment intent pi_9", svc.lastFund)
	}
	if svc.lastFund.EscrowID != job.AggregateID {
		t.Error("escrow id not taken from the job aggregate")
	}
	if len(marker.processed) != 1 || marker.processed[0] != job.IdempotencyKey {
		t.Errorf("processed keys = %v, want the job key", marker.processed)
	}

	releaseJob := paymentsJob(t, queue.KindEscrowReleaseRequested, releasePayload{
		Destination:    "acct_worker_1",
		WorkerID:       uuid.New(),
		BasePoints:     100,
		ModeMultiplier: 1.5,
	})
	if err := h.Handle(ctx, releaseJob); err != nil {
		t.Fatalf("Handle release failed: %v", err)
	}
	if svc.lastRelease == nil || svc.lastRelease.Award.BasePoints != 100 || svc.lastRelease.Award.ModeMultiplier != 1.5 {
		t.Errorf("release params = %+v, want award carried through", svc.lastRelease)
	}

	splitJob := paymentsJob(t, queue.KindEscrowSplitRequested, splitPayload{
		RefundAmount: 1000, ReleaseAmount: 1500, Destination: "acct_worker_1",
	})
	if err := h.Handle(ctx, splitJob); err != nil {
		t.Fatalf("Handle split failed: %v", err)
	}
	if svc.lastSplit == nil || svc.lastSplit.RefundAmount != 1000 || svc.lastSplit.ReleaseAmount != 1500 {
		t.Errorf("split params = %+v, want legs carried through", svc.lastSplit)
	}
}

func TestHandlerRejectsUndecodablePayload(t *testing.T) {
	h := NewHandler(&stubService{}, newStubMarker(), zerolog.Nop())
	job := queue.Job{
		Kind:           queue.KindEscrowFundConfirmed,
		AggregateID:    uuid.New(),
		IdempotencyKey: "k",
		Payload:        []byte("{not json"),
	}
	err := h.Handle(context.Background(), job)
	if !queue.IsReject(err) {
		t.Fatalf("Handle error = %v, want a rejection", err)
	}
}

func TestHandlerRejectsUnknownKind(t *testing.T) {
	h := NewHandler(&stubService{}, newStubMarker(), zerolog.Nop())
	job := queue.Job{Kind: queue.KindNotificationRequested, IdempotencyKey: "k"}
	if err := h.Handle(context.Background(), job); !queue.IsReject(err) {
		t.Fatalf("Handle error = %v, want a rejection", err)
	}
}

func TestHandlerErrorDispositions(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantReject bool
	}{
		{"transient provider error retries", errors.New("provider timeout"), false},
		{"invalid split rejects", ErrInvalidSplit, true},
		{"missing payment ref rejects", ErrMissingPaymentRef, true},
		{"conflicting settlement rejects", ErrConflictingSettlement, true},
		{"not found rejects", ErrNotFound, true},
		{"terminal conflict rejects", &TerminalStateError{State: models.EscrowStateRefunded, Target: models.EscrowStateReleased}, true},
		{"illegal transition rejects", &IllegalTransitionError{From: models.EscrowStatePending, To: models.EscrowStateReleased}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubService{refundErr: tc.err}
			marker := newStubMarker()
			h := NewHandler(svc, marker, zerolog.Nop())

			job := paymentsJob(t, queue.KindEscrowRefundRequested, refundPayload{Reason: "test"})
			err := h.Handle(context.Background(), job)
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := queue.IsReject(err); got != tc.wantReject {
				t.Errorf("IsReject = %v, want %v", got, tc.wantReject)
			}
			if _, ok := marker.failed[job.IdempotencyKey]; !ok {
				t.Error("outbox row not marked failed")
			}
			if len(marker.processed) != 0 {
				t.Error("outbox row marked processed despite failure")
			}
		})
	}
}
