package relay

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const signatureIssuer = "Upstash"

var ErrInvalidSignature = errors.New("invalid relay signature")

// SignatureClaims binds a delivery to its target URL and body hash.
type SignatureClaims struct {
	Body string `json:"body"`
	jwt.RegisteredClaims
}

// Signer produces delivery signatures in the same format QStash uses.
type Signer struct {
	key []byte
	ttl time.Duration
}

func NewSigner(key string) *Signer {
	return &Signer{key: []byte(key), ttl: 5 * time.Minute}
}

func (s *Signer) Sign(body []byte, targetURL string) (string, error) {
	now := time.Now()
	claims := SignatureClaims{
		Body: bodyHash(body),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    signatureIssuer,
			Subject:   targetURL,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign delivery: %w", err)
	}
	return signed, nil
}

// Verifier checks delivery signatures against the current signing key and,
// during key rotation, the next one.
type Verifier struct {
	keys [][]byte
}

func NewVerifier(currentKey, nextKey string) *Verifier {
	v := &Verifier{}
	for _, k := range []string{currentKey, nextKey} {
		if k != "" {
			v.keys = append(v.keys, []byte(k))
		}
	}
	return v
}

// Verify validates signature for body. When expectedURL is non-empty the
// token subject must match it.
func (v *Verifier) Verify(signature string, body []byte, expectedURL string) error {
	if signature == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, SignatureHeader)
	}
	if len(v.keys) == 0 {
		return fmt.Errorf("%w: no signing keys configured", ErrInvalidSignature)
	}

	var lastErr error
	for _, key := range v.keys {
		if lastErr = verifyWithKey(key, signature, body, expectedURL); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func verifyWithKey(key []byte, signature string, body []byte, expectedURL string) error {
	claims := &SignatureClaims{}
	_, err := jwt.ParseWithClaims(signature, claims, func(token *jwt.Token) (interface{}, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(signatureIssuer),
		jwt.WithLeeway(time.Second),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if expectedURL != "" && claims.Subject != expectedURL {
		return fmt.Errorf("%w: subject %q does not match %q", ErrInvalidSignature, claims.Subject, expectedURL)
	}
	if strings.TrimRight(claims.Body, "=") != bodyHash(body) {
		return fmt.Errorf("%w: body hash mismatch", ErrInvalidSignature)
	}
	return nil
}

func bodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
