package activitypub

import (
	"bytes"
	"crypto/rsa"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
	"github.com/perchnet/perch/util"
)

// maxDateSkew is the tolerated clock difference on the signed Date header.
// Requests outside this window are rejected as stale or future-dated.
const maxDateSkew = 12 * time.Hour

var (
	signedHeaders    = []string{httpsig.RequestTarget, "host", "date", "digest"}
	signedHeadersGet = []string{httpsig.RequestTarget, "host", "date"}
)

// SignRequest signs an outgoing request with draft-cavage HTTP signatures.
// Requests with a body are signed over (request-target), host, date and
// digest, with the Digest header computed by the signer from the body;
// bodyless GETs drop digest from the covered set. The Date and Host headers
// are set if missing, and the body is restored so the request can still be
// sent.
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string) error {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}

	headers := signedHeaders
	if body == nil {
		headers = signedHeadersGet
	}
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}
	if err := signer.SignRequest(privateKey, keyId, req, body); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	return nil
}

// VerifyRequest verifies the HTTP signature of an incoming request against
// the given public key PEM. It returns the actor URI derived from the
// signature's keyId (the keyId without its fragment).
//
// Both rsa-sha256 and hs2019 signatures are accepted; hs2019 effectively
// means rsa-sha256 for the RSA keys used in the fediverse.
func VerifyRequest(r *http.Request, publicKeyPem string) (string, error) {
	if err := checkDateSkew(r); err != nil {
		return "", err
	}

	publicKey, err := util.ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", fmt.Errorf("failed to parse public key: %w", err)
	}

	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		return "", fmt.Errorf("failed to create verifier: %w", err)
	}

	if err := verifier.Verify(publicKey, httpsig.RSA_SHA256); err != nil {
		// hs2019 hides the real algorithm behind an opaque label; retry
		// with sha512 before giving up.
		if err2 := verifier.Verify(publicKey, httpsig.RSA_SHA512); err2 != nil {
			return "", fmt.Errorf("signature verification failed: %w", err)
		}
	}

	return KeyIdToActorURI(verifier.KeyId()), nil
}

// KeyId extracts the keyId of a signed request without verifying it.
func KeyId(r *http.Request) (string, error) {
	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		return "", fmt.Errorf("failed to parse signature: %w", err)
	}
	return verifier.KeyId(), nil
}

// KeyIdToActorURI strips the key fragment from a keyId, yielding the actor
// URI it belongs to.
func KeyIdToActorURI(keyId string) string {
	return strings.SplitN(keyId, "#", 2)[0]
}

func checkDateSkew(r *http.Request) error {
	dateHeader := r.Header.Get("Date")
	if dateHeader == "" {
		// Date is part of the signed header set, so a missing header fails
		// verification anyway.
		return nil
	}
	sent, err := http.ParseTime(dateHeader)
	if err != nil {
		return fmt.Errorf("invalid Date header: %w", err)
	}
	skew := time.Since(sent)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxDateSkew {
		return fmt.Errorf("request Date %s outside acceptable window", dateHeader)
	}
	return nil
}
