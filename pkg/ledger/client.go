package ledger

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/brandmeonline/integrity-spine/pkg/api"
	"github.com/brandmeonline/integrity-spine/pkg/errkind"
)

const (
	submitTimeout = 30 * time.Second
	verifyTimeout = 10 * time.Second

	keySalt = "integrity-spine/ledger/v1"
)

// Client is an HTTP adapter client for one chain. Each client derives its
// own HMAC key from the node master secret, so a leaked per-ledger key does
// not compromise the sibling adapter.
type Client struct {
	name    string
	baseURL string
	hc      *http.Client
	hmacKey []byte
	logger  *slog.Logger
}

// NewClient builds a signed adapter client. name must be a known ledger
// name; baseURL points at the adapter service root.
func NewClient(name, baseURL, masterSecret string, logger *slog.Logger) (*Client, error) {
	if name != NameCardano && name != NameMidnight {
		return nil, fmt.Errorf("ledger: unknown ledger name %q", name)
	}
	if baseURL == "" {
		return nil, fmt.Errorf("ledger: %s adapter URL is empty", name)
	}
	key, err := deriveKey(masterSecret, name)
	if err != nil {
		return nil, err
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		hc:      &http.Client{Timeout: submitTimeout},
		hmacKey: key,
		logger:  logger,
	}, nil
}

// deriveKey expands the master secret into a 32-byte per-ledger HMAC key.
func deriveKey(masterSecret, name string) ([]byte, error) {
	if masterSecret == "" {
		return nil, errors.New("ledger: master secret is empty")
	}
	r := hkdf.New(sha256.New, []byte(masterSecret), []byte(keySalt), []byte(name))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("ledger: derive %s key: %w", name, err)
	}
	return key, nil
}

func (c *Client) Name() string { return c.name }

type submitRequest struct {
	SubjectID string         `json:"subject_id"`
	Payload   map[string]any `json:"payload"`
}

type submitResponse struct {
	TxHash string `json:"tx_hash"`
}

// Submit anchors a subject's payload on the chain.
func (c *Client) Submit(ctx context.Context, subjectID string, payload map[string]any) (*SubmitResult, error) {
	var out submitResponse
	err := c.post(ctx, "/v1/transactions", submitTimeout, submitRequest{SubjectID: subjectID, Payload: payload}, &out)
	if err != nil {
		return nil, err
	}
	if out.TxHash == "" {
		return nil, errkind.New(errkind.ServiceUnavailable, "%s adapter returned no tx_hash", c.name)
	}
	return &SubmitResult{Ledger: c.name, TxHash: out.TxHash, SubmittedAt: time.Now().UTC()}, nil
}

type verifyRequest struct {
	ProofHash     string `json:"proof_hash"`
	ParentAssetID string `json:"parent_asset_id,omitempty"`
}

// VerifyProof asks the adapter whether a burn proof is committed on-chain.
func (c *Client) VerifyProof(ctx context.Context, proofHash, parentAssetID string) (*ProofResult, error) {
	var out ProofResult
	err := c.post(ctx, "/v1/proofs/verify", verifyTimeout, verifyRequest{ProofHash: proofHash, ParentAssetID: parentAssetID}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type materialResponse struct {
	Score   float64        `json:"score"`
	Details map[string]any `json:"details,omitempty"`
}

// MaterialScore fetches a material's sustainability score from the adapter's
// ESG oracle.
func (c *Client) MaterialScore(ctx context.Context, materialID string) (float64, map[string]any, error) {
	var out materialResponse
	err := c.post(ctx, "/v1/materials/score", verifyTimeout, map[string]string{"material_id": materialID}, &out)
	if err != nil {
		return 0, nil, err
	}
	if out.Score < 0 || out.Score > 1 {
		return 0, nil, errkind.New(errkind.ServiceUnavailable, "%s adapter returned score %v outside [0,1]", c.name, out.Score)
	}
	return out.Score, out.Details, nil
}

func (c *Client) post(ctx context.Context, path string, timeout time.Duration, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "encode adapter request")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "build adapter request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Spine-Ledger", c.name)
	req.Header.Set("X-Spine-Signature", c.sign(body))
	if id := api.RequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errkind.New(errkind.Timeout, "%s adapter timed out on %s", c.name, path)
		}
		return errkind.Wrap(errkind.ServiceUnavailable, err, fmt.Sprintf("%s adapter unreachable", c.name))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := errkind.FromStatus(resp.StatusCode)
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("ledger adapter error",
			"ledger", c.name, "path", path, "status", resp.StatusCode)
		return errkind.New(kind, "%s adapter returned %d: %s", c.name, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errkind.Wrap(errkind.ServiceUnavailable, err, fmt.Sprintf("decode %s adapter response", c.name))
	}
	return nil
}

// sign computes the request body HMAC the adapter checks.
func (c *Client) sign(body []byte) string {
	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
