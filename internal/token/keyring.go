package token

import (
	"errors"
	"fmt"
	"strings"
)

// Key is one HMAC signing secret identified by a key id carried in the
// credential header.
type Key struct {
	Kid    string
	Secret []byte
}

// Keyring holds the current signing key plus previously valid verification
// keys. Rotating the signing key keeps already-issued credentials verifiable
// as long as their key stays on the ring.
type Keyring struct {
	active Key
	verify map[string][]byte
}

// NewKeyring builds a ring with one signing key and any number of retired
// verification keys.
func NewKeyring(active Key, retired ...Key) (*Keyring, error) {
	if err := validateKey(active); err != nil {
		return nil, err
	}
	ring := &Keyring{
		active: active,
		verify: map[string][]byte{active.Kid: active.Secret},
	}
	for _, k := range retired {
		if err := validateKey(k); err != nil {
			return nil, err
		}
		if _, dup := ring.verify[k.Kid]; dup {
			return nil, fmt.Errorf("token: duplicate key id %q", k.Kid)
		}
		ring.verify[k.Kid] = k.Secret
	}
	return ring, nil
}

func validateKey(k Key) error {
	if strings.TrimSpace(k.Kid) == "" {
		return errors.New("token: key id is required")
	}
	if len(k.Secret) == 0 {
		return fmt.Errorf("token: key %q has empty secret", k.Kid)
	}
	return nil
}

// Signing returns the key used to sign new credentials.
func (r *Keyring) Signing() Key {
	return r.active
}

// VerificationSecret returns the secret for a key id, if it is still valid.
func (r *Keyring) VerificationSecret(kid string) ([]byte, bool) {
	secret, ok := r.verify[kid]
	return secret, ok
}

// ParseKeySpec parses a "kid:secret" configuration value into a Key.
func ParseKeySpec(spec string) (Key, error) {
	kid, secret, ok := strings.Cut(strings.TrimSpace(spec), ":")
	if !ok {
		return Key{}, errors.New(`token: key spec must be "kid:secret"`)
	}
	k := Key{Kid: strings.TrimSpace(kid), Secret: []byte(secret)}
	if err := validateKey(k); err != nil {
		return Key{}, err
	}
	return k, nil
}

// ParseKeySpecs parses a comma-separated list of "kid:secret" values.
func ParseKeySpecs(specs string) ([]Key, error) {
	specs = strings.TrimSpace(specs)
	if specs == "" {
		return nil, nil
	}
	var keys []Key
	for _, part := range strings.Split(specs, ",") {
		k, err := ParseKeySpec(part)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}
