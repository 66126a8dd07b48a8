/**
 * @description
 * This file contains custom middleware for the HTTP router. Requests carrying a Clerk
 * session token are authenticated against Clerk's JWKS and the subject is stored in
 * the request context for handlers to resolve.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: JWT parsing and RS256 verification.
 */

package api

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// UserIDContextKey is a custom type for the context key to avoid collisions.
type UserIDContextKey string

const clerkUserIDKey UserIDContextKey = "clerkUserID"

const jwksCacheTTL = 10 * time.Minute

var errNoToken = errors.New("authorization header required")

// ClerkAuthMiddleware rejects requests without a valid Clerk session token.
func ClerkAuthMiddleware(jwksURL string) func(http.Handler) http.Handler {
	return newClerkAuth(newJWKSCache(jwksURL).keyFunc).require
}

// OptionalClerkAuthMiddleware authenticates the request when a token is present
// and lets anonymous requests through. A token that fails validation is still rejected.
func OptionalClerkAuthMiddleware(jwksURL string) func(http.Handler) http.Handler {
	return newClerkAuth(newJWKSCache(jwksURL).keyFunc).optional
}

type clerkAuth struct {
	keyFunc jwt.Keyfunc
}

func newClerkAuth(keyFunc jwt.Keyfunc) *clerkAuth {
	return &clerkAuth{keyFunc: keyFunc}
}

func (a *clerkAuth) require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.authenticate(r)
		if err != nil {
			writeErrorBody(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClerkUserID(r.Context(), userID)))
	})
}

func (a *clerkAuth) optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.authenticate(r)
		switch {
		case errors.Is(err, errNoToken):
			next.ServeHTTP(w, r)
		case err != nil:
			writeErrorBody(w, http.StatusUnauthorized, "unauthorized", err.Error())
		default:
			next.ServeHTTP(w, r.WithContext(WithClerkUserID(r.Context(), userID)))
		}
	})
}

// authenticate validates the bearer token and returns its subject.
func (a *clerkAuth) authenticate(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errNoToken
	}

	// Extract the token from "Bearer <token>"
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return "", errors.New("invalid authorization header format")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.keyFunc(token)
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid token claims")
	}

	// Optional audience / issuer enforcement via env
	if expectedAud := os.Getenv("CLERK_AUDIENCE"); expectedAud != "" {
		if aud, ok := claims["aud"].(string); !ok || aud != expectedAud {
			return "", errors.New("invalid audience")
		}
	}
	if expectedIss := os.Getenv("CLERK_ISSUER"); expectedIss != "" {
		if iss, ok := claims["iss"].(string); !ok || iss != expectedIss {
			return "", errors.New("invalid issuer")
		}
	}

	// Get the user ID from the 'sub' claim (standard JWT claim for subject)
	userID, ok := claims["sub"].(string)
	if !ok || userID == "" {
		return "", errors.New("user ID not found in token")
	}
	return userID, nil
}

// jwksCache keeps Clerk's signing keys for a while and refetches on an unknown kid.
type jwksCache struct {
	url       string
	client    *http.Client
	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func newJWKSCache(url string) *jwksCache {
	return &jwksCache{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *jwksCache) keyFunc(token *jwt.Token) (interface{}, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("kid not found in token header")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.keys[kid]; ok && time.Since(c.fetchedAt) < jwksCacheTTL {
		return key, nil
	}
	if err := c.refreshLocked(); err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	if key, ok := c.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

func (c *jwksCache) refreshLocked() error {
	if strings.TrimSpace(c.url) == "" {
		return errors.New("jwks url is not configured")
	}
	resp, err := c.client.Get(c.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, key := range jwks.Keys {
		if key.Kty != "" && key.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(key.N, key.E)
		if err != nil {
			log.Printf("level=warn component=auth msg=\"skipping unparsable jwk\" kid=%s err=%v", key.Kid, err)
			continue
		}
		keys[key.Kid] = pub
	}
	c.keys = keys
	c.fetchedAt = time.Now()
	return nil
}

// parseRSAPublicKey parses RSA public key from modulus and exponent
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}
	if exp == 0 {
		return nil, errors.New("exponent is empty")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(exp),
	}, nil
}

// WithClerkUserID stores an authenticated Clerk user id in ctx.
func WithClerkUserID(ctx context.Context, clerkUserID string) context.Context {
	return context.WithValue(ctx, clerkUserIDKey, clerkUserID)
}

// GetClerkUserID retrieves the Clerk User ID from the request context.
// Handlers should use this function to get the authenticated user's ID.
func GetClerkUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(clerkUserIDKey).(string)
	return userID, ok && userID != ""
}
