// Package receipt issues signed tokens that grant access to a signup's
// success page.
package receipt

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "fanfest-signup"

// ErrInvalidReceipt is returned for missing, expired or foreign tokens.
var ErrInvalidReceipt = errors.New("invalid receipt")

// Config contains receipt configuration.
type Config struct {
	Secret string
	TTL    time.Duration
}

// Issuer signs and verifies receipts. An Issuer without a secret is disabled
// and accepts every request.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates a receipt issuer.
func NewIssuer(cfg Config) *Issuer {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Issuer{
		secret: []byte(cfg.Secret),
		ttl:    cfg.TTL,
		now:    time.Now,
	}
}

// Enabled reports whether receipts are required.
func (i *Issuer) Enabled() bool {
	return len(i.secret) > 0
}

// Issue returns a token for signupID. Disabled issuers return an empty token.
func (i *Issuer) Issue(signupID int64) (string, error) {
	if !i.Enabled() {
		return "", nil
	}

	now := i.now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   strconv.FormatInt(signupID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign receipt: %w", err)
	}
	return token, nil
}

// Verify checks that token was issued for signupID and has not expired.
func (i *Issuer) Verify(token string, signupID int64) error {
	if !i.Enabled() {
		return nil
	}
	if token == "" {
		return ErrInvalidReceipt
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (interface{}, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithSubject(strconv.FormatInt(signupID, 10)),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidReceipt, err)
	}
	return nil
}
