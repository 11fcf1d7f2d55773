package x402

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"gateway/internal/pricing"
)

func newTestGate(t *testing.T, settlementURL string) *Gate {
	t.Helper()
	cat := NewTestCatalogue()
	settlement := NewSettlementClient(settlementURL, "secret", "0xServer", "0xRecipient")
	g, err := New(cat, settlement)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

// NewTestCatalogue is a tiny helper kept local to this test file.
func NewTestCatalogue() *pricing.Catalogue {
	c := pricing.NewCatalogue()
	c.Replace(map[string]pricing.Entry{
		"token-model": {PricePerMillionInputTokens: 1, PricePerMillionOutputTokens: 2, DefaultMaxTokens: 100},
	})
	price := 0.05
	c.Replace(map[string]pricing.Entry{
		"token-model": {PricePerMillionInputTokens: 1, PricePerMillionOutputTokens: 2, DefaultMaxTokens: 100},
		"image-model": {PricePerImage: &price},
	})
	return c
}

func TestComputeMaxPrice_ImageModelReturnsFixedPrice(t *testing.T) {
	g := newTestGate(t, "")
	price, ok, err := g.ComputeMaxPrice(context.Background(), "image-model", []byte(`{}`))
	if err != nil || !ok {
		t.Fatalf("ComputeMaxPrice: err=%v ok=%v", err, ok)
	}
	if price != 0.05 {
		t.Fatalf("expected 0.05, got %v", price)
	}
}

func TestComputeMaxPrice_TokenModelClampsToMinimum(t *testing.T) {
	g := newTestGate(t, "")
	body := []byte(`{"messages": [], "max_tokens": 1}`)
	price, ok, err := g.ComputeMaxPrice(context.Background(), "token-model", body)
	if err != nil || !ok {
		t.Fatalf("ComputeMaxPrice: err=%v ok=%v", err, ok)
	}
	if price != minPrice {
		t.Fatalf("expected clamped minimum %v, got %v", minPrice, price)
	}
}

func TestComputeMaxPrice_UnknownModel(t *testing.T) {
	g := newTestGate(t, "")
	_, ok, err := g.ComputeMaxPrice(context.Background(), "nope", []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected not eligible")
	}
}

func TestVerifyPayment_DelegatesToSettlement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-secret-key") != "secret" {
			t.Errorf("expected secret key header")
		}
		json.NewEncoder(w).Encode(map[string]bool{"isValid": true})
	}))
	defer srv.Close()

	g := newTestGate(t, srv.URL)
	ok := g.VerifyPayment(context.Background(), `{"signature":"0xabc"}`, Requirement{})
	if !ok {
		t.Fatal("expected verification to succeed")
	}
}

func TestVerifyPayment_NonOKIsFailureNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := newTestGate(t, srv.URL)
	if g.VerifyPayment(context.Background(), `{"signature":"0xabc"}`, Requirement{}) {
		t.Fatal("expected verification failure on non-200")
	}
}

func TestVerifyPayment_NonJSONHeaderFailsWithoutCallingSettlement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("settlement service should not be called for a malformed header")
	}))
	defer srv.Close()

	g := newTestGate(t, srv.URL)
	if g.VerifyPayment(context.Background(), "not-json", Requirement{}) {
		t.Fatal("expected verification failure for a non-JSON payment header")
	}
}

func TestBuildChallenge_Shape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(acceptsResponse{Accepts: []Requirement{{Scheme: "upto", Asset: USDCBaseAddress}}})
	}))
	defer srv.Close()

	g := newTestGate(t, srv.URL)
	challenge, err := g.BuildChallenge(context.Background(), "image-model", "https://gateway/x1", 0.05)
	if err != nil {
		t.Fatalf("BuildChallenge: %v", err)
	}
	if challenge.X402Version != 2 || len(challenge.Accepts) != 1 || challenge.Accepts[0].Scheme != "upto" {
		t.Fatalf("unexpected challenge: %+v", challenge)
	}
}
