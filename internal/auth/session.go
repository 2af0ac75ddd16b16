package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Session is what a resolved bearer token grants: a store scope, or admin
type Session struct {
	StoreID int
	IsAdmin bool
}

// CanAccessStore reports whether the session may operate on the store
func (s Session) CanAccessStore(storeID int) bool {
	return s.IsAdmin || s.StoreID == storeID
}

// SessionContextKey is the gin context key the middleware stores the
// resolved session under
const SessionContextKey = "pos_session"

type sessionClaims struct {
	StoreID int  `json:"store_id"`
	IsAdmin bool `json:"is_admin"`
	jwt.RegisteredClaims
}

// Gate resolves bearer tokens to sessions
type Gate struct {
	secret []byte
}

// NewGate creates a session gate with the given signing secret
func NewGate(secret string) *Gate {
	return &Gate{secret: []byte(secret)}
}

// Resolve parses and verifies a bearer token
func (g *Gate) Resolve(token string) (Session, error) {
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil {
		return Session{}, errors.Wrap(err, "invalid session token")
	}
	if !parsed.Valid {
		return Session{}, errors.New("invalid session token")
	}
	return Session{StoreID: claims.StoreID, IsAdmin: claims.IsAdmin}, nil
}

// Issue signs a session token. Used by tests and the terminal agent's
// cached credential; the login flow itself lives outside this subsystem.
func (g *Gate) Issue(session Session, ttl time.Duration) (string, error) {
	claims := sessionClaims{
		StoreID: session.StoreID,
		IsAdmin: session.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign session token")
	}
	return signed, nil
}

// RequireSession is gin middleware that resolves the Authorization header
// to a Session or rejects the request
func (g *Gate) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid Authorization header format. Expected: 'Bearer {token}'"})
			c.Abort()
			return
		}

		session, err := g.Resolve(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid session token"})
			c.Abort()
			return
		}

		c.Set(SessionContextKey, session)
		c.Next()
	}
}

// RequireAdmin is gin middleware for admin-only endpoints; it must run
// after RequireSession
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := SessionFrom(c)
		if !session.IsAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// SessionFrom returns the session the middleware attached to the context
func SessionFrom(c *gin.Context) Session {
	if v, ok := c.Get(SessionContextKey); ok {
		if s, ok := v.(Session); ok {
			return s
		}
	}
	return Session{}
}
