package activitypub

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/perchnet/perch/domain"
	"github.com/perchnet/perch/util"
)

func signedTestRequest(t *testing.T, body []byte, keyId string, privatePem string) *http.Request {
	t.Helper()
	req, err := http.NewRequest("POST", "https://remote.example/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	privateKey, err := util.ParsePrivateKey(privatePem)
	if err != nil {
		t.Fatal(err)
	}
	if err := SignRequest(req, privateKey, keyId); err != nil {
		t.Fatalf("SignRequest: %v", err)
	}
	return req
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	pair, err := util.GeneratePemKeypair()
	if err != nil {
		t.Fatal(err)
	}

	body := []byte(`{"type":"Create"}`)
	keyId := "https://remote.example/users/alice#main-key"
	req := signedTestRequest(t, body, keyId, pair.PrivateKey)

	if req.Header.Get("Signature") == "" {
		t.Fatal("no Signature header set")
	}
	if req.Header.Get("Digest") == "" {
		t.Fatal("no Digest header set")
	}
	if req.Header.Get("Date") == "" {
		t.Fatal("no Date header set")
	}

	actorURI, err := VerifyRequest(req, pair.PublicKey)
	if err != nil {
		t.Fatalf("VerifyRequest: %v", err)
	}
	if actorURI != "https://remote.example/users/alice" {
		t.Errorf("verified actor = %q", actorURI)
	}
}

func TestSignRequestLeavesBodyReadable(t *testing.T) {
	pair, err := util.GeneratePemKeypair()
	if err != nil {
		t.Fatal(err)
	}

	body := []byte(`{"type":"Create","id":"https://perch.example/activities/1"}`)
	req := signedTestRequest(t, body, "https://perch.example/users/bob#main-key", pair.PrivateKey)

	// The request must still be sendable after signing.
	got, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("body after signing = %q", got)
	}
	if req.ContentLength != int64(len(body)) {
		t.Errorf("ContentLength = %d, want %d", req.ContentLength, len(body))
	}
}

func TestSignRequestBodylessGet(t *testing.T) {
	pair, err := util.GeneratePemKeypair()
	if err != nil {
		t.Fatal(err)
	}
	privateKey, err := util.ParsePrivateKey(pair.PrivateKey)
	if err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequest("GET", "https://remote.example/users/alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := SignRequest(req, privateKey, "https://perch.example/actor#main-key"); err != nil {
		t.Fatalf("SignRequest: %v", err)
	}

	if req.Header.Get("Digest") != "" {
		t.Error("GET must not carry a Digest header")
	}
	sig := req.Header.Get("Signature")
	if strings.Contains(sig, "digest") {
		t.Errorf("GET signature covers digest: %s", sig)
	}
	if !strings.Contains(sig, "(request-target) host date") {
		t.Errorf("covered headers missing from %s", sig)
	}
	if _, err := VerifyRequest(req, pair.PublicKey); err != nil {
		t.Fatalf("VerifyRequest: %v", err)
	}
}

func TestVerifyRequestWrongKey(t *testing.T) {
	signerPair, err := util.GeneratePemKeypair()
	if err != nil {
		t.Fatal(err)
	}
	otherPair, err := util.GeneratePemKeypair()
	if err != nil {
		t.Fatal(err)
	}

	req := signedTestRequest(t, []byte(`{}`), "https://remote.example/users/alice#main-key", signerPair.PrivateKey)
	if _, err := VerifyRequest(req, otherPair.PublicKey); err == nil {
		t.Fatal("expected verification failure with the wrong key")
	}
}

func TestVerifyRequestTamperedBody(t *testing.T) {
	pair, err := util.GeneratePemKeypair()
	if err != nil {
		t.Fatal(err)
	}

	req := signedTestRequest(t, []byte(`{"type":"Create"}`), "https://remote.example/users/alice#main-key", pair.PrivateKey)
	// Swap the digest for one of a different body.
	req.Header.Set("Digest", "SHA-256=47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=")
	if _, err := VerifyRequest(req, pair.PublicKey); err == nil {
		t.Fatal("expected verification failure after digest tamper")
	}
}

func TestVerifyRequestRejectsStaleDate(t *testing.T) {
	pair, err := util.GeneratePemKeypair()
	if err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequest("POST", "https://remote.example/inbox", bytes.NewReader(nil))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Date", time.Now().Add(-13*time.Hour).UTC().Format(http.TimeFormat))
	privateKey, err := util.ParsePrivateKey(pair.PrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	if err := SignRequest(req, privateKey, "https://remote.example/users/alice#main-key"); err != nil {
		t.Fatal(err)
	}

	_, err = VerifyRequest(req, pair.PublicKey)
	if err == nil {
		t.Fatal("expected rejection of a 13 hour old Date header")
	}
	if !strings.Contains(err.Error(), "Date") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestVerifyRequestAcceptsSkewWithinWindow(t *testing.T) {
	pair, err := util.GeneratePemKeypair()
	if err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequest("POST", "https://remote.example/inbox", bytes.NewReader(nil))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Date", time.Now().Add(-11*time.Hour).UTC().Format(http.TimeFormat))
	privateKey, err := util.ParsePrivateKey(pair.PrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	if err := SignRequest(req, privateKey, "https://remote.example/users/alice#main-key"); err != nil {
		t.Fatal(err)
	}

	if _, err := VerifyRequest(req, pair.PublicKey); err != nil {
		t.Fatalf("11 hour skew should be tolerated: %v", err)
	}
}

func TestKeyIdToActorURI(t *testing.T) {
	cases := map[string]string{
		"https://remote.example/users/alice#main-key": "https://remote.example/users/alice",
		"https://remote.example/users/alice":          "https://remote.example/users/alice",
		"https://remote.example/keys#a#b":             "https://remote.example/keys",
	}
	for keyId, want := range cases {
		if got := KeyIdToActorURI(keyId); got != want {
			t.Errorf("KeyIdToActorURI(%q) = %q, want %q", keyId, got, want)
		}
	}
}

func TestKeyIdFromRequest(t *testing.T) {
	pair, err := util.GeneratePemKeypair()
	if err != nil {
		t.Fatal(err)
	}
	keyId := "https://remote.example/users/bob#main-key"
	req := signedTestRequest(t, []byte(`{}`), keyId, pair.PrivateKey)

	got, err := KeyId(req)
	if err != nil {
		t.Fatal(err)
	}
	if got != keyId {
		t.Errorf("KeyId = %q, want %q", got, keyId)
	}

	unsigned, _ := http.NewRequest("POST", "https://remote.example/inbox", nil)
	if _, err := KeyId(unsigned); err == nil {
		t.Fatal("expected error for unsigned request")
	}
}

func TestVerifyInboundRequestUsesStoredKey(t *testing.T) {
	pair, err := util.GeneratePemKeypair()
	if err != nil {
		t.Fatal(err)
	}
	mock := newMockDatabase()
	deps := newTestDeps(mock)

	keyId := "https://remote.example/users/alice#main-key"
	mock.signingKeys[keyId] = &domain.SigningKey{
		KeyId:        keyId,
		OwnerURI:     "https://remote.example/users/alice",
		PublicKeyPem: pair.PublicKey,
		UpdatedAt:    time.Now().UTC(),
	}

	body := []byte(`{"type":"Create"}`)
	req := signedTestRequest(t, body, keyId, pair.PrivateKey)

	actorURI, err := VerifyInboundRequest(req, body, deps)
	if err != nil {
		t.Fatalf("VerifyInboundRequest: %v", err)
	}
	if actorURI != "https://remote.example/users/alice" {
		t.Errorf("actor = %q", actorURI)
	}
}

func TestVerifyInboundRequestBadSignature(t *testing.T) {
	signerPair, err := util.GeneratePemKeypair()
	if err != nil {
		t.Fatal(err)
	}
	storedPair, err := util.GeneratePemKeypair()
	if err != nil {
		t.Fatal(err)
	}
	mock := newMockDatabase()
	deps := newTestDeps(mock)

	// Stored key does not match the signer; the refresh path hits the fake
	// HTTP client and fails, so verification must fail overall.
	keyId := "https://remote2.example/users/mallory#main-key"
	mock.signingKeys[keyId] = &domain.SigningKey{
		KeyId:        keyId,
		OwnerURI:     "https://remote2.example/users/mallory",
		PublicKeyPem: storedPair.PublicKey,
		UpdatedAt:    time.Now().UTC(),
	}

	body := []byte(`{"type":"Create"}`)
	req := signedTestRequest(t, body, keyId, signerPair.PrivateKey)

	if _, err := VerifyInboundRequest(req, body, deps); err == nil {
		t.Fatal("expected failure for a signature the stored key cannot verify")
	}
}
