package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/brandmeonline/integrity-spine/pkg/errkind"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubmitSignsAndDecodes(t *testing.T) {
	var gotSig, gotLedger string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/transactions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotSig = r.Header.Get("X-Spine-Signature")
		gotLedger = r.Header.Get("X-Spine-Ledger")
		gotBody, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(map[string]string{"tx_hash": "tx-abc-123"})
	}))
	defer srv.Close()

	c, err := NewClient(NameCardano, srv.URL, "master-secret", discard())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	res, err := c.Submit(context.Background(), "S1", map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.TxHash != "tx-abc-123" || res.Ledger != NameCardano {
		t.Errorf("result = %+v", res)
	}
	if gotLedger != NameCardano {
		t.Errorf("X-Spine-Ledger = %q", gotLedger)
	}

	// The signature must verify against the same derived key.
	key, err := deriveKey("master-secret", NameCardano)
	if err != nil {
		t.Fatal(err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(gotBody)
	if want := hex.EncodeToString(mac.Sum(nil)); gotSig != want {
		t.Errorf("signature = %s, want %s", gotSig, want)
	}
}

func TestKeyDerivationIsPerLedger(t *testing.T) {
	cardano, err := deriveKey("master", NameCardano)
	if err != nil {
		t.Fatal(err)
	}
	midnight, err := deriveKey("master", NameMidnight)
	if err != nil {
		t.Fatal(err)
	}
	if hmac.Equal(cardano, midnight) {
		t.Error("cardano and midnight derived the same key")
	}
	again, _ := deriveKey("master", NameCardano)
	if !hmac.Equal(cardano, again) {
		t.Error("key derivation is not deterministic")
	}
}

func TestServerErrorsClassified(t *testing.T) {
	status := http.StatusBadGateway
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c, err := NewClient(NameMidnight, srv.URL, "master", discard())
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Submit(context.Background(), "S1", nil)
	if !errkind.Retryable(err) {
		t.Errorf("5xx error not retryable: %v", err)
	}

	// Client-class failures are permanent.
	status = http.StatusUnprocessableEntity
	_, err = c.Submit(context.Background(), "S1", nil)
	if errkind.Retryable(err) {
		t.Errorf("4xx error marked retryable: %v", err)
	}

	status = http.StatusTooManyRequests
	_, err = c.Submit(context.Background(), "S1", nil)
	if errkind.Retryable(err) {
		t.Errorf("429 marked retryable: %v", err)
	}
}

func TestUnreachableAdapterIsServiceUnavailable(t *testing.T) {
	c, err := NewClient(NameCardano, "http://127.0.0.1:1", "master", discard())
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Submit(context.Background(), "S1", nil)
	if errkind.KindOf(err) != errkind.ServiceUnavailable && errkind.KindOf(err) != errkind.Timeout {
		t.Errorf("kind = %v, want ServiceUnavailable or Timeout", errkind.KindOf(err))
	}
}

func TestVerifyProof(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/proofs/verify") {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]any{
			"valid":   req["proof_hash"] == "good",
			"details": map[string]any{"slot": 12345},
		})
	}))
	defer srv.Close()

	c, err := NewClient(NameMidnight, srv.URL, "master", discard())
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.VerifyProof(context.Background(), "good", "G0")
	if err != nil {
		t.Fatalf("VerifyProof() error = %v", err)
	}
	if !res.Valid {
		t.Error("expected valid proof")
	}
	res, err = c.VerifyProof(context.Background(), "bad", "G0")
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid {
		t.Error("expected invalid proof")
	}
}

func TestLocalLedgerDeterminism(t *testing.T) {
	l := NewLocalLedger(NameCardano)
	ctx := context.Background()

	a, err := l.Submit(ctx, "S1", map[string]any{"x": 1})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := l.Submit(ctx, "S1", map[string]any{"x": 1})
	if a.TxHash != b.TxHash {
		t.Error("identical submissions hashed differently")
	}
	if len(a.TxHash) != 64 {
		t.Errorf("tx hash length = %d, want 64", len(a.TxHash))
	}
	c, _ := l.Submit(ctx, "S2", map[string]any{"x": 1})
	if a.TxHash == c.TxHash {
		t.Error("distinct subjects produced the same tx hash")
	}

	other := NewLocalLedger(NameMidnight)
	d, _ := other.Submit(ctx, "S1", map[string]any{"x": 1})
	if a.TxHash == d.TxHash {
		t.Error("distinct ledgers produced the same tx hash")
	}
}

func TestLocalProofAndScore(t *testing.T) {
	l := NewLocalLedger(NameCardano)
	ctx := context.Background()

	good := strings.Repeat("ab", 32)
	res, err := l.VerifyProof(ctx, good, "")
	if err != nil || !res.Valid {
		t.Errorf("VerifyProof(%q) = {%v, %v}, want valid", good, res, err)
	}
	res, _ = l.VerifyProof(ctx, "XYZ", "")
	if res.Valid {
		t.Error("malformed proof accepted")
	}

	score, _, err := l.MaterialScore(ctx, "organic-cotton")
	if err != nil {
		t.Fatal(err)
	}
	if score < 0.70 || score >= 0.95 {
		t.Errorf("score = %v, want [0.70, 0.95)", score)
	}
	again, _, _ := l.MaterialScore(ctx, "organic-cotton")
	if score != again {
		t.Error("material score not deterministic")
	}
}
