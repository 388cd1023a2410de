package slots

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchSlots(t *testing.T) {
	earliest := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/slots/search", r.URL.Path)
		assert.Equal(t, "Bearer slot-token", r.Header.Get("Authorization"))

		var req SlotRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "acme", req.TenantID)
		assert.Equal(t, 45, req.RequiredDurationMinutes)
		require.NotNil(t, req.EarliestDate)
		assert.True(t, req.EarliestDate.Equal(earliest))

		json.NewEncoder(w).Encode([]Slot{
			{SlotID: "slot-1", Datetime: earliest.Add(9 * time.Hour), DurationMinutes: 45, LocationID: "loc-1"},
			{SlotID: "slot-2", Datetime: earliest.Add(13 * time.Hour), DurationMinutes: 45, LocationID: "loc-1"},
		})
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Token: "slot-token"})
	got, err := client.FetchSlots(context.Background(), SlotRequest{
		TenantID:                "acme",
		LocationID:              "loc-1",
		Modality:                "MRI",
		RequiredDurationMinutes: 45,
		EarliestDate:            &earliest,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "slot-1", got[0].SlotID)
}

func TestFetchSlotsEmptyIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Token: "t"})
	got, err := client.FetchSlots(context.Background(), SlotRequest{TenantID: "acme"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetchSlotsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Token: "t", Timeout: 50 * time.Millisecond})
	_, err := client.FetchSlots(context.Background(), SlotRequest{TenantID: "acme"})

	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "fetch_slots", timeout.Op)
}

func TestFetchSlotsFinalError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unknown location", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Token: "t"})
	_, err := client.FetchSlots(context.Background(), SlotRequest{TenantID: "acme"})

	var final *FinalError
	require.ErrorAs(t, err, &final)
	assert.Equal(t, http.StatusUnprocessableEntity, final.Status)
}

func TestBook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/bookings", r.URL.Path)
		var req BookingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "slot-1", req.SlotID)
		assert.NotEmpty(t, req.PatientPhoneEncrypted)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Confirmation{ConfirmationID: "conf-9", SlotID: "slot-1", Status: "confirmed"})
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Token: "t"})
	conf, err := client.Book(context.Background(), BookingRequest{
		TenantID: "acme", SlotID: "slot-1", OrderID: "ord-1", PatientPhoneEncrypted: "ZW5j",
	})
	require.NoError(t, err)
	assert.Equal(t, "conf-9", conf.ConfirmationID)
}

func TestBookConflictIsIdempotentSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(Confirmation{ConfirmationID: "conf-9", SlotID: "slot-1", Status: "confirmed"})
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Token: "t"})
	conf, err := client.Book(context.Background(), BookingRequest{TenantID: "acme", SlotID: "slot-1", OrderID: "ord-1"})
	require.NoError(t, err)
	assert.Equal(t, "conf-9", conf.ConfirmationID, "replay must return the original confirmation")
}

func TestBookConflictWithoutBodyStillSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Token: "t"})
	conf, err := client.Book(context.Background(), BookingRequest{TenantID: "acme", SlotID: "slot-1", OrderID: "ord-1"})
	require.NoError(t, err)
	assert.Equal(t, "slot-1", conf.SlotID)
}

func TestBookHardFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slot gone", http.StatusGone)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Token: "t"})
	_, err := client.Book(context.Background(), BookingRequest{TenantID: "acme", SlotID: "slot-1", OrderID: "ord-1"})

	var final *FinalError
	require.ErrorAs(t, err, &final)
	assert.False(t, errors.Is(err, context.DeadlineExceeded))
}
