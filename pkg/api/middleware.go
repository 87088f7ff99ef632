package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// CallerLimiter manages per-caller token-bucket limiters for the HTTP
// surface. It throttles clients of the API; the governor's hourly budget for
// command classes is a separate concern.
type CallerLimiter struct {
	mu      sync.Mutex
	callers map[string]*callerEntry
	rps     rate.Limit
	burst   int
}

type callerEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewCallerLimiter creates a limiter allowing rps requests per second with
// the given burst per caller.
func NewCallerLimiter(rps, burst int) *CallerLimiter {
	cl := &CallerLimiter{
		callers: make(map[string]*callerEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
	go cl.evictStale()
	return cl
}

func (cl *CallerLimiter) get(key string) *rate.Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	e, ok := cl.callers[key]
	if !ok {
		limiter := rate.NewLimiter(cl.rps, cl.burst)
		cl.callers[key] = &callerEntry{limiter, time.Now()}
		return limiter
	}
	e.lastSeen = time.Now()
	return e.limiter
}

// evictStale drops callers not seen for three minutes, once a minute.
func (cl *CallerLimiter) evictStale() {
	for {
		time.Sleep(time.Minute)
		cl.mu.Lock()
		for key, e := range cl.callers {
			if time.Since(e.lastSeen) > 3*time.Minute {
				delete(cl.callers, key)
			}
		}
		cl.mu.Unlock()
	}
}

// Middleware enforces the per-caller limit, keyed by the authenticated
// caller when available and the remote IP otherwise.
func (cl *CallerLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := CallerFrom(r.Context())
		if key == "" {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = strings.Trim(r.RemoteAddr, "[]")
			}
			key = ip
		}

		if !cl.get(key).Allow() {
			WriteTooManyRequests(w, 5)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestID tags every request with an X-Request-ID, preserving one supplied
// by the client.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

type contextKey string

const callerKey contextKey = "warden.caller"

// CallerFrom returns the authenticated caller ID, or "" when unauthenticated.
func CallerFrom(ctx context.Context) string {
	caller, _ := ctx.Value(callerKey).(string)
	return caller
}

// WardenClaims are the JWT claims accepted by the API.
type WardenClaims struct {
	jwt.RegisteredClaims
	Caller string `json:"caller"`
}

// JWTValidator validates HMAC-signed bearer tokens.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator returns a validator over the shared secret, or nil when no
// secret is configured. A nil validator rejects every protected request.
func NewJWTValidator(secret string) *JWTValidator {
	if secret == "" {
		return nil
	}
	return &JWTValidator{secret: []byte(secret)}
}

// Validate parses and validates a token string.
func (v *JWTValidator) Validate(tokenStr string) (*WardenClaims, error) {
	claims := &WardenClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// publicPaths are endpoints reachable without authentication.
var publicPaths = []string{
	"/health",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// NewAuthMiddleware creates JWT auth middleware. A nil validator rejects all
// non-public requests; authentication is never silently absent.
func NewAuthMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			if validator == nil {
				WriteUnauthorized(w, "Authentication not configured")
				return
			}

			claims, err := validator.Validate(parts[1])
			if err != nil {
				WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				WriteUnauthorized(w, "Token subject is required")
				return
			}

			caller := claims.Caller
			if caller == "" {
				caller = claims.Subject
			}
			ctx := context.WithValue(r.Context(), callerKey, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
