package creditrail

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIssueOffer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/offers" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("authorization = %q", got)
		}
		var req IssueOfferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Principal != "5000000000000000" {
			t.Errorf("principal = %q", req.Principal)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Offer{ID: "offer-1", Status: "issued", Nonce: 1})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "tok-1", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	offer, err := client.IssueOffer(context.Background(), IssueOfferRequest{
		Borrower:        "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		Principal:       "5000000000000000",
		RateBps:         500,
		DurationSeconds: 3600,
		Action:          1,
	})
	if err != nil {
		t.Fatalf("issue offer: %v", err)
	}
	if offer.ID != "offer-1" || offer.Status != "issued" {
		t.Fatalf("offer = %+v", offer)
	}
}

func TestExecuteOfferSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		w.Write([]byte(`{"error":{"code":"OFFER_EXPIRED","message":"offer expired"}}`))
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "tok-1", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.ExecuteOffer(context.Background(), ExecuteOfferRequest{
		Borrower:  "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		Nonce:     1,
		Signature: "0xdeadbeef",
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusGone || apiErr.Code != "OFFER_EXPIRED" {
		t.Fatalf("apiErr = %+v", apiErr)
	}
}

func TestListActivityBuildsQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("agent_id") != "agent-1" || query.Get("category") != "executed" || query.Get("limit") != "10" {
			t.Errorf("query = %v", query)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"events":[{"id":"ev-1","category":"executed","loan_id":42}]}`))
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "tok-1", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	events, err := client.ListActivity(context.Background(), ActivityFilter{
		AgentID:  "agent-1",
		Category: "executed",
		Limit:    10,
	})
	if err != nil {
		t.Fatalf("list activity: %v", err)
	}
	if len(events) != 1 || events[0].LoanID != 42 {
		t.Fatalf("events = %+v", events)
	}
}

func TestClientRequiresToken(t *testing.T) {
	client, err := NewClient("http://localhost:1", "", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.ListActivity(context.Background(), ActivityFilter{}); err == nil {
		t.Fatal("expected missing token error")
	}
}
