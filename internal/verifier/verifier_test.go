package verifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeflow/config"
	"tradeflow/models"
)

type fakeBroker struct {
	mu            sync.Mutex
	confirmations []*models.DealConfirmation // served in order, the last one repeats
	confErr       error
	positions     []models.Position
	positionsErr  error
	confCalls     int
	positionCalls int
}

func (f *fakeBroker) GetConfirmation(_ context.Context, ref string) (*models.DealConfirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confCalls++
	if f.confErr != nil {
		return nil, f.confErr
	}
	if len(f.confirmations) == 0 {
		return nil, fmt.Errorf("GET /confirms/%s: %w", ref, models.ErrNotFound)
	}
	c := f.confirmations[0]
	if len(f.confirmations) > 1 {
		f.confirmations = f.confirmations[1:]
	}
	return c, nil
}

func (f *fakeBroker) GetPositions(context.Context) ([]models.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positionCalls++
	return f.positions, f.positionsErr
}

func testConfig() config.VerifierConfig {
	return config.VerifierConfig{Timeout: 150 * time.Millisecond, PollInterval: 10 * time.Millisecond}
}

func TestAcceptedConfirmation(t *testing.T) {
	fb := &fakeBroker{confirmations: []*models.DealConfirmation{{DealReference: "o_ref-1", DealID: "deal-1", DealStatus: models.DealStatusAccepted}}}

	res, err := New(fb, testConfig()).Verify(context.Background(), "o_ref-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.Equal(t, SourceConfirmation, res.Source)
	assert.Equal(t, "deal-1", res.DealID)
	assert.Zero(t, fb.positionCalls)
}

func TestRejectedNotRetried(t *testing.T) {
	fb := &fakeBroker{confirmations: []*models.DealConfirmation{{DealReference: "o_ref-1", DealStatus: models.DealStatusRejected, RejectReason: "INSUFFICIENT_FUNDS"}}}

	res, err := New(fb, testConfig()).Verify(context.Background(), "o_ref-1")
	var rejected *models.OrderRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "INSUFFICIENT_FUNDS", rejected.Reason)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, 1, fb.confCalls)
	assert.False(t, models.IsRetryable(err))
}

func TestFallsBackToPositions(t *testing.T) {
	fb := &fakeBroker{
		confErr:   &models.NetworkError{Op: "GET /api/v1/confirms", Err: errors.New("timeout")},
		positions: []models.Position{{DealID: "deal-9", DealReference: "o_ref-9", Epic: "GOLD"}},
	}

	res, err := New(fb, testConfig()).Verify(context.Background(), "o_ref-9")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.Equal(t, SourcePositions, res.Source)
	require.NotNil(t, res.Position)
	assert.Equal(t, "GOLD", res.Position.Epic)
}

func TestPendingConfirmationMatchedByDealID(t *testing.T) {
	fb := &fakeBroker{
		confirmations: []*models.DealConfirmation{{DealReference: "o_ref-3", DealStatus: "PENDING", AffectedDeals: []models.AffectedDeal{{DealID: "deal-3"}}}},
		positions:     []models.Position{{DealID: "deal-3"}},
	}

	res, err := New(fb, testConfig()).Verify(context.Background(), "o_ref-3")
	require.NoError(t, err)
	assert.Equal(t, SourcePositions, res.Source)
	assert.Equal(t, "deal-3", res.DealID)
}

func TestSettlementLag(t *testing.T) {
	fb := &fakeBroker{confirmations: []*models.DealConfirmation{
		{DealReference: "o_ref-1", DealStatus: ""},
		{DealReference: "o_ref-1", DealStatus: ""},
		{DealReference: "o_ref-1", DealID: "deal-1", DealStatus: models.DealStatusAccepted},
	}}

	res, err := New(fb, testConfig()).Verify(context.Background(), "o_ref-1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
}

func TestUnconfirmedAfterTimeout(t *testing.T) {
	fb := &fakeBroker{}

	start := time.Now()
	res, err := New(fb, testConfig()).Verify(context.Background(), "o_ref-404")
	require.ErrorIs(t, err, models.ErrUnconfirmed)
	assert.Equal(t, OutcomeNotFound, res.Outcome)
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
	assert.Greater(t, res.Attempts, 1)

	var rejected *models.OrderRejectedError
	assert.False(t, errors.As(err, &rejected), "unconfirmed is not a rejection")
}

func TestAuthenticationErrorStops(t *testing.T) {
	fb := &fakeBroker{confErr: &models.AuthenticationError{Reason: "error.invalid.details", Status: 401}, positionsErr: &models.AuthenticationError{Reason: "error.invalid.details", Status: 401}}

	res, err := New(fb, testConfig()).Verify(context.Background(), "o_ref-1")
	var authErr *models.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 1, res.Attempts)
}

func TestContextCancelled(t *testing.T) {
	fb := &fakeBroker{}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := New(fb, config.VerifierConfig{Timeout: time.Second, PollInterval: 10 * time.Millisecond}).Verify(ctx, "o_ref-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMissingReference(t *testing.T) {
	_, err := New(&fakeBroker{}, testConfig()).Verify(context.Background(), "")
	var vErr *models.ValidationError
	assert.ErrorAs(t, err, &vErr)
}
