// Package token mints and verifies the signed license credential presented by
// clients. The credential is a compact JWS over the claim set; the signature
// provides integrity and authenticity, not confidentiality.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultIssuer = "veridoc"

// TypeLicense is the claim tag distinguishing license credentials from any
// other token kind the platform might mint.
const TypeLicense = "license"

// Claims is the signed claim set embedded in a license credential. Subject is
// the license id. The claims are immutable once signed; any difference
// invalidates the signature.
type Claims struct {
	Tier        string `json:"tier"`
	Fingerprint string `json:"fingerprint,omitempty"`
	TokenType   string `json:"token_type"`
	jwt.RegisteredClaims
}

// Reason classifies the outcome of a verification attempt.
type Reason string

const (
	ReasonValid               Reason = "valid"
	ReasonMalformed           Reason = "malformed"
	ReasonSignatureInvalid    Reason = "signature_invalid"
	ReasonWrongTokenType      Reason = "wrong_token_type"
	ReasonWrongIssuer         Reason = "wrong_issuer"
	ReasonFingerprintMismatch Reason = "fingerprint_mismatch"
	ReasonExpired             Reason = "expired"
)

// Result is the structured outcome of a verification. Ordinary invalidity is
// reported here, never as an error.
type Result struct {
	Valid  bool
	Reason Reason
	Claims *Claims
}

// Option configures Issuer and Verifier construction.
type Option func(*options)

type options struct {
	issuer string
	now    func() time.Time
}

// WithIssuer overrides the iss claim / expected issuer.
func WithIssuer(issuer string) Option {
	return func(o *options) {
		if issuer != "" {
			o.issuer = issuer
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(o *options) {
		if fn != nil {
			o.now = fn
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{issuer: defaultIssuer, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Issuer mints signed license credentials.
type Issuer struct {
	keys *Keyring
	opts options
}

// NewIssuer constructs an Issuer signing with the keyring's active key.
func NewIssuer(keys *Keyring, opts ...Option) *Issuer {
	return &Issuer{keys: keys, opts: buildOptions(opts)}
}

// Issue signs a credential for the license. An empty fingerprint issues an
// unbound credential. Returns the compact credential and its expiry.
func (i *Issuer) Issue(licenseID, tierName, fp string, validity time.Duration) (string, time.Time, error) {
	if licenseID == "" {
		return "", time.Time{}, errors.New("token: license id is required")
	}
	if validity <= 0 {
		return "", time.Time{}, errors.New("token: validity must be positive")
	}

	now := i.opts.now().UTC()
	expiresAt := now.Add(validity)
	claims := Claims{
		Tier:        tierName,
		Fingerprint: fp,
		TokenType:   TypeLicense,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.opts.issuer,
			Subject:   licenseID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	key := i.keys.Signing()
	tok.Header["kid"] = key.Kid
	signed, err := tok.SignedString(key.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// IssueFor signs a credential expiring at an absolute instant. Used on renewal
// where the license record already fixes the new expiry.
func (i *Issuer) IssueFor(licenseID, tierName, fp string, expiresAt time.Time) (string, error) {
	validity := expiresAt.Sub(i.opts.now())
	signed, _, err := i.Issue(licenseID, tierName, fp, validity)
	return signed, err
}

// Verifier checks presented credentials. Verification is pure: it touches no
// persisted state and is safe for unlimited concurrent callers. Callers must
// still cross-check the license record's current status, since a credential
// cannot reflect revocation or suspension applied after issuance.
type Verifier struct {
	keys *Keyring
	opts options
}

// NewVerifier constructs a Verifier for the keyring.
func NewVerifier(keys *Keyring, opts ...Option) *Verifier {
	return &Verifier{keys: keys, opts: buildOptions(opts)}
}

// Verify checks the credential against the fingerprint computed by the caller
// at this moment. Checks run in a fixed order: signature (HS256 only, keyed by
// the kid header), claim type, fingerprint binding, then expiry, so a
// fingerprint mismatch is reported even for an expired credential.
func (v *Verifier) Verify(credential, presentedFP string) Result {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(credential, claims, v.keyFor)
	if err != nil {
		return Result{Reason: classifyParseError(err)}
	}
	if !parsed.Valid {
		return Result{Reason: ReasonSignatureInvalid}
	}

	if claims.TokenType != TypeLicense {
		return Result{Reason: ReasonWrongTokenType, Claims: claims}
	}
	if v.opts.issuer != "" && claims.Issuer != v.opts.issuer {
		return Result{Reason: ReasonWrongIssuer, Claims: claims}
	}
	if claims.Fingerprint != "" && claims.Fingerprint != presentedFP {
		return Result{Reason: ReasonFingerprintMismatch, Claims: claims}
	}
	if claims.ExpiresAt == nil || v.opts.now().After(claims.ExpiresAt.Time) {
		return Result{Reason: ReasonExpired, Claims: claims}
	}

	return Result{Valid: true, Reason: ReasonValid, Claims: claims}
}

// keyFor resolves the verification secret from the kid header. A credential
// without a kid verifies against the active signing key.
func (v *Verifier) keyFor(t *jwt.Token) (any, error) {
	kid, ok := t.Header["kid"].(string)
	if !ok || kid == "" {
		return v.keys.Signing().Secret, nil
	}
	secret, ok := v.keys.VerificationSecret(kid)
	if !ok {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return secret, nil
}

func classifyParseError(err error) Reason {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return ReasonSignatureInvalid
	default:
		return ReasonMalformed
	}
}
