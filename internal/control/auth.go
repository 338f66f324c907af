package control

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer       = "bitpart"
	defaultTokenTTL   = time.Hour
	subjectContextKey = "subject"
)

// Claims are the claims of a control token.
type Claims struct {
	jwt.RegisteredClaims
}

// MintToken signs a short-lived control token for subject with the server's
// auth secret.
func MintToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("missing secret")
	}
	if subject == "" {
		subject = "operator"
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	jti := make([]byte, 16)
	if _, err := rand.Read(jti); err != nil {
		return "", err
	}
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        hex.EncodeToString(jti),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifyToken checks signature, issuer and expiry of a control token.
func VerifyToken(secret, token string) (*Claims, error) {
	if secret == "" {
		return nil, errors.New("missing secret")
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}

// authenticate accepts the raw auth secret or a Bearer control token. It
// returns the caller's subject.
func authenticate(secret, header string) (string, bool) {
	if header == "" || secret == "" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(header), []byte(secret)) == 1 {
		return "operator", true
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1 {
		return "operator", true
	}
	claims, err := VerifyToken(secret, token)
	if err != nil {
		return "", false
	}
	return claims.Subject, true
}

// RequireAuth rejects requests without valid credentials in the
// Authorization header. Websocket clients that cannot set headers may pass
// a control token as ?token=.
func RequireAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			if tok := c.Query("token"); tok != "" {
				header = "Bearer " + tok
			}
		}
		subject, ok := authenticate(secret, header)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.Set(subjectContextKey, subject)
		c.Next()
	}
}

// SubjectFromContext returns the authenticated caller.
func SubjectFromContext(c *gin.Context) string {
	return c.GetString(subjectContextKey)
}
