package token

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	ring, err := NewKeyring(Key{Kid: "k2", Secret: []byte("current-secret")}, Key{Kid: "k1", Secret: []byte("old-secret")})
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	return ring
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	ring := testKeyring(t)
	issuer := NewIssuer(ring)
	verifier := NewVerifier(ring)

	credential, expiresAt, err := issuer.Issue("lic-1", "pro", "abc123", 30*24*time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("expected future expiry, got %v", expiresAt)
	}

	res := verifier.Verify(credential, "abc123")
	if !res.Valid || res.Reason != ReasonValid {
		t.Fatalf("expected valid result, got %+v", res)
	}
	if res.Claims.Subject != "lic-1" || res.Claims.Tier != "pro" {
		t.Fatalf("unexpected claims: %+v", res.Claims)
	}
	if res.Claims.TokenType != TypeLicense {
		t.Fatalf("unexpected token type: %q", res.Claims.TokenType)
	}
}

func TestIssueRejectsBadInput(t *testing.T) {
	issuer := NewIssuer(testKeyring(t))
	if _, _, err := issuer.Issue("", "pro", "", time.Hour); err == nil {
		t.Fatal("expected error for empty license id")
	}
	if _, _, err := issuer.Issue("lic-1", "pro", "", 0); err == nil {
		t.Fatal("expected error for non-positive validity")
	}
}

func TestVerifyFingerprintMismatch(t *testing.T) {
	ring := testKeyring(t)
	issuer := NewIssuer(ring)
	verifier := NewVerifier(ring)

	credential, _, err := issuer.Issue("lic-1", "pro", "abc123", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	res := verifier.Verify(credential, "xyz999")
	if res.Valid || res.Reason != ReasonFingerprintMismatch {
		t.Fatalf("expected fingerprint mismatch, got %+v", res)
	}
}

func TestVerifyMismatchBeatsExpiry(t *testing.T) {
	ring := testKeyring(t)
	past := time.Now().Add(-48 * time.Hour)
	issuer := NewIssuer(ring, WithClock(func() time.Time { return past }))
	verifier := NewVerifier(ring)

	credential, _, err := issuer.Issue("lic-1", "pro", "abc123", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	// Credential is both expired and presented with the wrong fingerprint:
	// the mismatch must win.
	res := verifier.Verify(credential, "xyz999")
	if res.Valid || res.Reason != ReasonFingerprintMismatch {
		t.Fatalf("expected fingerprint mismatch, got %+v", res)
	}
}

func TestVerifyExpired(t *testing.T) {
	ring := testKeyring(t)
	past := time.Now().Add(-48 * time.Hour)
	issuer := NewIssuer(ring, WithClock(func() time.Time { return past }))
	verifier := NewVerifier(ring)

	credential, _, err := issuer.Issue("lic-1", "pro", "abc123", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	res := verifier.Verify(credential, "abc123")
	if res.Valid || res.Reason != ReasonExpired {
		t.Fatalf("expected expired, got %+v", res)
	}
}

func TestVerifyUnboundCredentialIgnoresFingerprint(t *testing.T) {
	ring := testKeyring(t)
	issuer := NewIssuer(ring)
	verifier := NewVerifier(ring)

	credential, _, err := issuer.Issue("lic-1", "free", "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	res := verifier.Verify(credential, "whatever")
	if !res.Valid {
		t.Fatalf("unbound credential should verify on any machine: %+v", res)
	}
}

func TestVerifyTamperedCredential(t *testing.T) {
	ring := testKeyring(t)
	issuer := NewIssuer(ring)
	verifier := NewVerifier(ring)

	credential, _, err := issuer.Issue("lic-1", "pro", "abc123", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	parts := strings.Split(credential, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected credential shape: %d segments", len(parts))
	}
	// Swap the payload for another signed token's payload.
	other, _, err := issuer.Issue("lic-2", "enterprise", "abc123", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	tampered := parts[0] + "." + strings.Split(other, ".")[1] + "." + parts[2]

	res := verifier.Verify(tampered, "abc123")
	if res.Valid || res.Reason != ReasonSignatureInvalid {
		t.Fatalf("expected signature_invalid, got %+v", res)
	}
}

func TestVerifyGarbageIsMalformed(t *testing.T) {
	verifier := NewVerifier(testKeyring(t))
	res := verifier.Verify("not-a-credential", "abc123")
	if res.Valid || res.Reason != ReasonMalformed {
		t.Fatalf("expected malformed, got %+v", res)
	}
}

func TestVerifyRejectsForeignAlgorithm(t *testing.T) {
	ring := testKeyring(t)
	verifier := NewVerifier(ring)

	claims := Claims{
		Tier:      "pro",
		TokenType: TypeLicense,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultIssuer,
			Subject:   "lic-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	tok.Header["kid"] = "k2"
	signed, err := tok.SignedString([]byte("current-secret"))
	if err != nil {
		t.Fatal(err)
	}

	res := verifier.Verify(signed, "")
	if res.Valid || res.Reason != ReasonSignatureInvalid {
		t.Fatalf("expected signature_invalid for HS512, got %+v", res)
	}
}

func TestVerifyWrongTokenType(t *testing.T) {
	ring := testKeyring(t)
	verifier := NewVerifier(ring)

	claims := Claims{
		TokenType: "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultIssuer,
			Subject:   "lic-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = "k2"
	signed, err := tok.SignedString([]byte("current-secret"))
	if err != nil {
		t.Fatal(err)
	}

	res := verifier.Verify(signed, "")
	if res.Valid || res.Reason != ReasonWrongTokenType {
		t.Fatalf("expected wrong_token_type, got %+v", res)
	}
}

func TestRotationKeepsOldCredentialsValid(t *testing.T) {
	oldActive, err := NewKeyring(Key{Kid: "k1", Secret: []byte("old-secret")})
	if err != nil {
		t.Fatal(err)
	}
	credential, _, err := NewIssuer(oldActive).Issue("lic-1", "pro", "abc123", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	// Rotate: k2 signs, k1 stays on the ring for verification.
	rotated := testKeyring(t)
	res := NewVerifier(rotated).Verify(credential, "abc123")
	if !res.Valid {
		t.Fatalf("credential signed under retired key must verify: %+v", res)
	}

	// A ring that dropped k1 entirely rejects the old credential.
	dropped, err := NewKeyring(Key{Kid: "k2", Secret: []byte("current-secret")})
	if err != nil {
		t.Fatal(err)
	}
	res = NewVerifier(dropped).Verify(credential, "abc123")
	if res.Valid || res.Reason != ReasonSignatureInvalid {
		t.Fatalf("expected signature_invalid for dropped key, got %+v", res)
	}
}

func TestParseKeySpecs(t *testing.T) {
	keys, err := ParseKeySpecs("k1:alpha, k2:beta")
	if err != nil {
		t.Fatalf("ParseKeySpecs: %v", err)
	}
	if len(keys) != 2 || keys[0].Kid != "k1" || string(keys[1].Secret) != "beta" {
		t.Fatalf("unexpected keys: %+v", keys)
	}
	if _, err := ParseKeySpec("missing-separator"); err == nil {
		t.Fatal("expected error for malformed spec")
	}
	if keys, err := ParseKeySpecs(""); err != nil || keys != nil {
		t.Fatalf("empty spec list should be nil, got %v, %v", keys, err)
	}
}
