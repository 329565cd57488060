// Copyright (C) 2025 Confhall, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package authapi

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jellydator/ttlcache/v3"
)

var errNoSubject = errors.New("token carries no subject")

// tokenVerifier checks HMAC-signed access tokens and memoizes successful
// verifications. The webhook runs on every request the data layer
// receives, so repeat tokens skip the signature check until the memo
// entry expires; failures are never memoized.
type tokenVerifier struct {
	secret   []byte
	audience string
	ttl      time.Duration
	verified *ttlcache.Cache[string, string]
}

func newTokenVerifier(secret []byte, audience string, ttl time.Duration) *tokenVerifier {
	c := ttlcache.New(
		ttlcache.WithTTL[string, string](ttl),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go c.Start()
	return &tokenVerifier{
		secret:   secret,
		audience: audience,
		ttl:      ttl,
		verified: c,
	}
}

func (v *tokenVerifier) stop() {
	v.verified.Stop()
}

// userID verifies one raw token and returns the subject claim.
func (v *tokenVerifier) userID(raw string) (string, error) {
	if item := v.verified.Get(raw); item != nil {
		return item.Value(), nil
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}

	sub, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if sub == "" {
		return "", errNoSubject
	}

	// Memoize no longer than the token itself is valid.
	ttl := v.ttl
	if exp, err := token.Claims.GetExpirationTime(); err == nil && exp != nil {
		if remaining := time.Until(exp.Time); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl > 0 {
		v.verified.Set(raw, sub, ttl)
	}
	return sub, nil
}
