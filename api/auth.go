package api

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"tasksync-api/domain"
)

const (
	defaultJWKSCacheTTL = 15 * time.Minute
	envAuthTestMode     = "AUTH0_TEST_MODE"
	envTestJWTSecret    = "TEST_JWT_SECRET"
	envJWKSCacheTTL     = "JWKS_CACHE_TTL"
)

// Auth validates bearer credentials for both the HTTP API and websocket
// connection establishment. Production mode verifies RS256 signatures
// against a JWKS; test mode verifies HS256 with a shared secret.
type Auth struct {
	JWKS       *keyfunc.JWKS
	Audience   string
	Issuer     string
	TestMode   bool
	TestSecret []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates a new Auth instance.
func NewAuth(jwks *keyfunc.JWKS, audience, issuer string) *Auth {
	a := &Auth{JWKS: jwks, Audience: audience, Issuer: issuer}
	a.keyCacheTTL = parseCacheTTL()

	if os.Getenv(envAuthTestMode) == "1" {
		secret := os.Getenv(envTestJWTSecret)
		if secret == "" {
			panic("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1")
		}
		a.TestMode = true
		a.TestSecret = []byte(secret)
	}

	if a.TestMode {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	} else {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	}
	return a
}

func parseCacheTTL() time.Duration {
	ttl := defaultJWKSCacheTTL
	if raw := os.Getenv(envJWKSCacheTTL); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			panic("invalid JWKS_CACHE_TTL")
		}
		ttl = parsed
	}
	return ttl
}

// UserIDFromAuthHeader extracts the user identifier from the Authorization
// header, for the HTTP request path.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	token, err := bearerTokenFromString(h)
	if err != nil {
		return "", err
	}
	userID, _, err := a.Verify(readOnlyString(token))
	return userID, err
}

// Verify checks the credential and returns the owner identity and the
// credential's expiry. Failures are domain.ErrInvalidCredential or
// domain.ErrExpiredCredential; refresh-class tokens are rejected even when
// correctly signed.
func (a *Auth) Verify(tokenStr string) (string, time.Time, error) {
	if tokenStr == "" {
		return "", time.Time{}, domain.ErrInvalidCredential
	}

	var parsedToken *jwt.Token
	var err error
	if a.TestMode {
		parsedToken, err = a.parser.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.TestSecret, nil
		})
	} else {
		parsedToken, err = a.parser.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			return a.keyForToken(t)
		})
	}
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", time.Time{}, fmt.Errorf("%w: %v", domain.ErrExpiredCredential, err)
		}
		return "", time.Time{}, fmt.Errorf("%w: %v", domain.ErrInvalidCredential, err)
	}

	claims, ok := parsedToken.Claims.(jwt.MapClaims)
	if !ok {
		return "", time.Time{}, fmt.Errorf("%w: invalid claims", domain.ErrInvalidCredential)
	}

	// Only access credentials may open a connection; a refresh credential
	// is valid for the token endpoint and nothing else.
	if typ, _ := claims["typ"].(string); strings.EqualFold(typ, "refresh") {
		return "", time.Time{}, fmt.Errorf("%w: refresh token presented", domain.ErrInvalidCredential)
	}
	if gty, _ := claims["gty"].(string); strings.EqualFold(gty, "refresh_token") {
		return "", time.Time{}, fmt.Errorf("%w: refresh token presented", domain.ErrInvalidCredential)
	}

	exp, ok := claims["exp"].(float64)
	if !ok {
		return "", time.Time{}, fmt.Errorf("%w: missing exp", domain.ErrInvalidCredential)
	}
	expiry := time.Unix(int64(exp), 0)
	if time.Now().After(expiry) {
		return "", time.Time{}, fmt.Errorf("%w: token expired", domain.ErrExpiredCredential)
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, false) {
		return "", time.Time{}, fmt.Errorf("%w: invalid audience", domain.ErrInvalidCredential)
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false) {
		return "", time.Time{}, fmt.Errorf("%w: invalid issuer", domain.ErrInvalidCredential)
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", time.Time{}, fmt.Errorf("%w: missing sub", domain.ErrInvalidCredential)
	}

	return sub, expiry, nil
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}
