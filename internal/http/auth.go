package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const staffContextKey = "staffID"

// StaffClaims identifies the attendant a bearer token was issued to. The
// subject is the staff id recorded on tickets.
type StaffClaims struct {
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// StaffAuth validates HS256 bearer tokens minted by the credential service.
type StaffAuth struct {
	secret []byte
}

// NewStaffAuth returns a validator signing and checking tokens with secret.
func NewStaffAuth(secret string) *StaffAuth {
	return &StaffAuth{secret: []byte(secret)}
}

// IssueToken signs a token for staffID valid for ttl.
func (a *StaffAuth) IssueToken(staffID, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := StaffClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   staffID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate returns the staff id carried by a token.
func (a *StaffAuth) Validate(token string) (string, error) {
	claims := &StaffClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", errors.Wrap(err, "invalid staff token")
	}
	if claims.Subject == "" {
		return "", errors.New("staff token has no subject")
	}
	return claims.Subject, nil
}

// Middleware rejects requests without a valid bearer token and exposes the
// staff id to handlers.
func (a *StaffAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			abortWithError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token")
			return
		}
		staffID, err := a.Validate(token)
		if err != nil {
			abortWithError(c, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
			return
		}
		c.Set(staffContextKey, staffID)
		c.Next()
	}
}

// resolveStaff reconciles the staff id in a request body with the
// authenticated one. Without auth the body value is trusted as is.
func resolveStaff(c *gin.Context, fromBody string) (string, bool) {
	authed := c.GetString(staffContextKey)
	switch {
	case authed == "" && fromBody == "":
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", "staff id is required")
		return "", false
	case authed == "":
		return fromBody, true
	case fromBody != "" && fromBody != authed:
		abortWithError(c, http.StatusForbidden, "STAFF_MISMATCH", "staff id does not match the authenticated staff member")
		return "", false
	default:
		return authed, true
	}
}
