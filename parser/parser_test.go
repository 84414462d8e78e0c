package parser

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/agentpay/x402pay/types"
)

func encodeHeaderChallenge(t *testing.T, challenge types.HeaderPaymentRequired) string {
	t.Helper()
	raw, err := json.Marshal(challenge)
	if err != nil {
		t.Fatalf("marshal challenge: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestParseHeaderFormat(t *testing.T) {
	header := http.Header{}
	header.Set(HeaderPaymentRequired, encodeHeaderChallenge(t, types.HeaderPaymentRequired{
		X402Version: 2,
		Error:       "payment required",
		Resource:    &types.ResourceInfo{URL: "https://api.example.com/report"},
		Accepts: []types.HeaderOffer{
			{
				Scheme:            "exact",
				Network:           "base",
				Amount:            "10000",
				Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
				PayTo:             "0x1111111111111111111111111111111111111111",
				MaxTimeoutSeconds: 600,
			},
		},
	}))

	set, err := Parse(http.StatusPaymentRequired, header, nil)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if set.Format != types.FormatHeader {
		t.Fatalf("expected header format, got %s", set.Format)
	}
	if set.X402Version != 2 {
		t.Fatalf("expected version 2, got %d", set.X402Version)
	}
	if len(set.Offers) != 1 {
		t.Fatalf("expected 1 offer, got %d", len(set.Offers))
	}

	offer := set.Offers[0]
	if offer.Network != "base" {
		t.Errorf("network not preserved: %s", offer.Network)
	}
	if offer.Amount != "10000" {
		t.Errorf("amount not preserved: %s", offer.Amount)
	}
	if offer.PayTo != "0x1111111111111111111111111111111111111111" {
		t.Errorf("payTo not preserved: %s", offer.PayTo)
	}
	if offer.Resource != "https://api.example.com/report" {
		t.Errorf("resource not carried from descriptor: %s", offer.Resource)
	}
}

func TestParseBodyFormat(t *testing.T) {
	body := []byte(`{
		"x402Version": 1,
		"error": "X-PAYMENT header is required",
		"accepts": [{
			"scheme": "exact",
			"network": "base-sepolia",
			"maxAmountRequired": "25000",
			"resource": "https://api.example.com/data",
			"payTo": "0x2222222222222222222222222222222222222222",
			"maxTimeoutSeconds": 120,
			"asset": "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
		}]
	}`)

	set, err := Parse(http.StatusPaymentRequired, http.Header{}, body)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if set.Format != types.FormatBody {
		t.Fatalf("expected body format, got %s", set.Format)
	}
	if set.Error != "X-PAYMENT header is required" {
		t.Errorf("error context not preserved: %q", set.Error)
	}

	offer := set.Offers[0]
	if offer.Amount != "25000" {
		t.Errorf("maxAmountRequired not mapped to amount: %s", offer.Amount)
	}
	if offer.Network != "base-sepolia" {
		t.Errorf("network not preserved: %s", offer.Network)
	}
	if offer.MaxTimeoutSeconds != 120 {
		t.Errorf("timeout not preserved: %d", offer.MaxTimeoutSeconds)
	}
}

func TestParseHeaderWinsOverBody(t *testing.T) {
	header := http.Header{}
	header.Set(HeaderPaymentRequired, encodeHeaderChallenge(t, types.HeaderPaymentRequired{
		X402Version: 2,
		Accepts: []types.HeaderOffer{
			{Scheme: "exact", Network: "base", Amount: "1", Asset: "0xA", PayTo: "0xB"},
		},
	}))
	body := []byte(`{"x402Version":1,"accepts":[{"scheme":"exact","network":"polygon","maxAmountRequired":"2","payTo":"0xC","asset":"0xD"}]}`)

	set, err := Parse(http.StatusPaymentRequired, header, body)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if set.Format != types.FormatHeader {
		t.Fatalf("header format should win, got %s", set.Format)
	}
	if set.Offers[0].Network != "base" {
		t.Fatalf("expected header offer, got network %s", set.Offers[0].Network)
	}
}

func TestParseMalformedHeaderFallsBackToBody(t *testing.T) {
	body := []byte(`{"x402Version":1,"accepts":[{"scheme":"exact","network":"base","maxAmountRequired":"5","payTo":"0xC","asset":"0xD"}]}`)

	for _, bad := range []string{"not-base64!!!", base64.StdEncoding.EncodeToString([]byte("{broken"))} {
		header := http.Header{}
		header.Set(HeaderPaymentRequired, bad)

		set, err := Parse(http.StatusPaymentRequired, header, body)
		if err != nil {
			t.Fatalf("malformed header %q should fall back to body: %v", bad, err)
		}
		if set.Format != types.FormatBody {
			t.Fatalf("expected body fallback for %q, got %s", bad, set.Format)
		}
	}
}

func TestParseDefaultsVersionPerFormat(t *testing.T) {
	body := []byte(`{"accepts":[{"scheme":"exact","network":"base","maxAmountRequired":"5","payTo":"0xC","asset":"0xD"}]}`)

	set, err := Parse(http.StatusPaymentRequired, http.Header{}, body)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if set.X402Version != 1 {
		t.Fatalf("body challenges without a version default to 1, got %d", set.X402Version)
	}

	header := http.Header{}
	header.Set(HeaderPaymentRequired, encodeHeaderChallenge(t, types.HeaderPaymentRequired{
		Accepts: []types.HeaderOffer{
			{Scheme: "exact", Network: "base", Amount: "1", Asset: "0xA", PayTo: "0xB"},
		},
	}))

	set, err = Parse(http.StatusPaymentRequired, header, nil)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if set.X402Version != 2 {
		t.Fatalf("header challenges without a version default to 2, got %d", set.X402Version)
	}
}

func TestParseNoValidRequirements(t *testing.T) {
	header := http.Header{}
	header.Set(HeaderPaymentRequired, "garbage")

	_, err := Parse(http.StatusPaymentRequired, header, []byte("not json either"))
	if !errors.Is(err, ErrNoValidRequirements) {
		t.Fatalf("expected ErrNoValidRequirements, got %v", err)
	}
}

func TestParseNotA402(t *testing.T) {
	_, err := Parse(http.StatusOK, http.Header{}, nil)
	if !errors.Is(err, ErrNotPaymentRequired) {
		t.Fatalf("expected ErrNotPaymentRequired, got %v", err)
	}
	if errors.Is(err, ErrNoValidRequirements) {
		t.Fatal("not-a-402 must be distinguishable from a malformed challenge")
	}
}

func TestParseEmptyAcceptsIsInvalid(t *testing.T) {
	body := []byte(`{"x402Version":1,"accepts":[]}`)
	_, err := Parse(http.StatusPaymentRequired, http.Header{}, body)
	if !errors.Is(err, ErrNoValidRequirements) {
		t.Fatalf("expected ErrNoValidRequirements for empty accepts, got %v", err)
	}
}
