package signing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAuthority struct {
	hash string
	err  error
}

func (s *stubAuthority) Attest(_ context.Context, _ time.Time) (string, error) {
	return s.hash, s.err
}

func TestBindTimestamp_SystemSource(t *testing.T) {
	ts := NewTimestampService(nil)
	at := time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)

	proof := ts.BindTimestamp(context.Background(), at)
	assert.Equal(t, TimestampSourceSystem, proof.Source)
	assert.Len(t, proof.Hash, 64)

	// Same instant, same proof.
	again := ts.BindTimestamp(context.Background(), at)
	assert.Equal(t, proof.Hash, again.Hash)
}

func TestBindTimestamp_AuthoritySource(t *testing.T) {
	ts := NewTimestampService(&stubAuthority{hash: "tsa-attestation"})
	proof := ts.BindTimestamp(context.Background(), time.Now())
	assert.Equal(t, TimestampSourceAuthority, proof.Source)
	assert.Equal(t, "tsa-attestation", proof.Hash)
}

func TestBindTimestamp_AuthorityFailureFallsBack(t *testing.T) {
	ts := NewTimestampService(&stubAuthority{err: errors.New("unreachable")})
	at := time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)

	proof := ts.BindTimestamp(context.Background(), at)
	assert.Equal(t, TimestampSourceSystem, proof.Source)
	assert.True(t, VerifyTimestamp(&proof, &at))
}

func TestVerifyTimestamp(t *testing.T) {
	at := time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)
	system := TimestampProof{Hash: systemTimestampHash(at), Source: TimestampSourceSystem}

	assert.True(t, VerifyTimestamp(&system, &at))

	later := at.Add(time.Second)
	assert.False(t, VerifyTimestamp(&system, &later))
	assert.False(t, VerifyTimestamp(&system, nil))
	assert.False(t, VerifyTimestamp(nil, &at))
	assert.False(t, VerifyTimestamp(&TimestampProof{Source: TimestampSourceSystem}, &at))
	assert.False(t, VerifyTimestamp(&TimestampProof{Hash: "x", Source: "UNKNOWN"}, &at))

	authority := TimestampProof{Hash: "tsa-attestation", Source: TimestampSourceAuthority}
	assert.True(t, VerifyTimestamp(&authority, &at))
}

func TestHTTPTimestampAuthority(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`{"hash":"remote-hash"}`))
	}))
	defer srv.Close()

	a := NewHTTPTimestampAuthority(srv.URL)
	hash, err := a.Attest(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "remote-hash", hash)
}

func TestHTTPTimestampAuthority_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPTimestampAuthority(srv.URL).Attest(context.Background(), time.Now())
	assert.Error(t, err)
}

func TestHTTPTimestampAuthority_EmptyHash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewHTTPTimestampAuthority(srv.URL).Attest(context.Background(), time.Now())
	assert.Error(t, err)
}
