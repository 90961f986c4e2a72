package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
)

func sampleRedemption() loyalty.Redemption {
	return loyalty.Redemption{
		ID:          7,
		UserID:      "user-1",
		Status:      loyalty.StatusCancelled,
		TotalPoints: 150,
		Comment:     "out of stock at warehouse",
		UpdatedAt:   time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestWebhook_PostsStatusChangedEvent(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, time.Second).RedemptionStatusChanged(context.Background(), sampleRedemption(), loyalty.StatusProcessing)
	require.NoError(t, err)

	assert.Equal(t, EventRedemptionStatusChanged, got.Type)
	assert.Equal(t, int64(7), got.RedemptionID)
	assert.Equal(t, "CANCELLED", got.Status)
	assert.Equal(t, "PROCESSING", got.FromStatus)
	assert.Equal(t, int64(150), got.TotalPoints)
	assert.Equal(t, "out of stock at warehouse", got.Comment)
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	// GIVEN: An endpoint that fails once with 503
	// WHEN: Posting an event
	// THEN: The second attempt succeeds

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, time.Second).RedemptionCreated(context.Background(), sampleRedemption())

	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhook_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, time.Second).RedemptionCreated(context.Background(), sampleRedemption())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), calls.Load())
}

type failingNotifier struct{ err error }

func (f failingNotifier) RedemptionCreated(context.Context, loyalty.Redemption) error { return f.err }

func (f failingNotifier) RedemptionStatusChanged(context.Context, loyalty.Redemption, loyalty.RedemptionStatus) error {
	return f.err
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	first := errors.New("first")
	second := errors.New("second")
	m := Multi{failingNotifier{first}, Log{}, failingNotifier{second}}

	err := m.RedemptionCreated(context.Background(), sampleRedemption())
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)

	assert.NoError(t, Multi{Log{}, loyalty.NopNotifier{}}.RedemptionStatusChanged(context.Background(), sampleRedemption(), loyalty.StatusPending))
}
