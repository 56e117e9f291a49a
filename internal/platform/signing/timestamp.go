package signing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Timestamp proof sources.
const (
	TimestampSourceSystem    = "SYSTEM"
	TimestampSourceAuthority = "TRUSTED_AUTHORITY"
)

// TimestampProof binds a confirmation event to a point in time.
type TimestampProof struct {
	Hash   string `json:"hash"`
	Source string `json:"source"`
}

// TimestampAuthority obtains a timestamp attestation from an external
// trusted source.
type TimestampAuthority interface {
	Attest(ctx context.Context, at time.Time) (string, error)
}

// TimestampService issues timestamp proofs, delegating to a trusted
// authority when one is configured and falling back to a local hash proof.
type TimestampService struct {
	authority TimestampAuthority
}

// NewTimestampService creates a TimestampService. authority may be nil, in
// which case all proofs have the SYSTEM source.
func NewTimestampService(authority TimestampAuthority) *TimestampService {
	return &TimestampService{authority: authority}
}

// systemTimestampHash is the local proof: SHA-256 over the RFC 3339 UTC
// rendering of the confirmation instant.
func systemTimestampHash(at time.Time) string {
	sum := sha256.Sum256([]byte(at.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}

// BindTimestamp produces a proof for the given confirmation time. When a
// trusted authority is configured its attestation becomes the proof hash;
// an authority failure falls back to the SYSTEM proof rather than blocking
// confirmation.
func (t *TimestampService) BindTimestamp(ctx context.Context, confirmedAt time.Time) TimestampProof {
	if t != nil && t.authority != nil {
		if hash, err := t.authority.Attest(ctx, confirmedAt); err == nil && hash != "" {
			return TimestampProof{Hash: hash, Source: TimestampSourceAuthority}
		}
	}
	return TimestampProof{
		Hash:   systemTimestampHash(confirmedAt),
		Source: TimestampSourceSystem,
	}
}

// VerifyTimestamp recomputes a SYSTEM proof from the stored confirmation
// time and compares it to the stored hash. Authority-backed proofs cannot be
// recomputed offline; they verify as long as a hash is present.
func VerifyTimestamp(proof *TimestampProof, confirmedAt *time.Time) bool {
	if proof == nil || proof.Hash == "" {
		return false
	}
	switch proof.Source {
	case TimestampSourceSystem:
		if confirmedAt == nil {
			return false
		}
		return proof.Hash == systemTimestampHash(*confirmedAt)
	case TimestampSourceAuthority:
		return true
	default:
		return false
	}
}

// HTTPTimestampAuthority calls a remote timestamping endpoint. The endpoint
// receives the RFC 3339 instant and responds with {"hash": "..."}.
type HTTPTimestampAuthority struct {
	url    string
	client *http.Client
}

// NewHTTPTimestampAuthority creates an authority client for the given URL.
func NewHTTPTimestampAuthority(url string) *HTTPTimestampAuthority {
	return &HTTPTimestampAuthority{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Attest requests an attestation for the given instant.
func (a *HTTPTimestampAuthority) Attest(ctx context.Context, at time.Time) (string, error) {
	body := fmt.Sprintf(`{"instant":%q}`, at.UTC().Format(time.RFC3339Nano))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("timestamp authority: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("timestamp authority: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("timestamp authority returned status %d", resp.StatusCode)
	}

	var out struct {
		Hash string `json:"hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("timestamp authority: decode response: %w", err)
	}
	if out.Hash == "" {
		return "", fmt.Errorf("timestamp authority returned empty hash")
	}
	return out.Hash, nil
}
