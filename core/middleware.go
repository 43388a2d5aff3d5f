package core

import (
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
)

// identityKey is the gin context key holding the request's Identity.
const identityKey = "identity"

// loginPath is the only route handled by the authentication stage; the
// token middleware leaves it alone.
const loginPath = "/login"

// CurrentIdentity returns the identity attached by TokenAuthMiddleware.
// Before the middleware has run it reports the anonymous identity.
func CurrentIdentity(c *gin.Context) Identity {
	if v, ok := c.Get(identityKey); ok {
		if id, ok := v.(Identity); ok {
			return id
		}
	}
	return AnonymousIdentity()
}

// TokenAuthMiddleware is the authorization stage: it runs on every request
// except login, validates a presented bearer token, re-fetches the subject's
// current roles, and attaches the resulting identity to the context.
//
// A missing header is not an error here; the request continues anonymously
// and the access policy decides. A present but invalid or expired token is
// always rejected.
func TokenAuthMiddleware(codec *TokenCodec, users UserRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == loginPath {
			c.Next()
			return
		}

		header := c.GetHeader(AuthorizationHeader)
		if header == "" {
			c.Set(identityKey, AnonymousIdentity())
			c.Next()
			return
		}

		claims, err := codec.Decode(StripBearer(header))
		if err != nil {
			code := "INVALID_TOKEN"
			if errors.Is(err, ErrExpiredToken) {
				code = "EXPIRED_TOKEN"
			}
			respondError(c, http.StatusUnauthorized, code, "authentication required")
			c.Abort()
			return
		}

		// Roles are not embedded in the token; a fresh lookup makes role
		// changes effective without reissuing tokens.
		u, err := users.FindByUsername(c.Request.Context(), claims.Subject)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				respondError(c, http.StatusUnauthorized, "INVALID_TOKEN", "authentication required")
			} else {
				log.Printf("user lookup failed for token subject: %v", err)
				respondError(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "temporarily unavailable")
			}
			c.Abort()
			return
		}

		c.Set(identityKey, Identity{Subject: u.Username, Roles: NormalizeRoles(u.Roles)})
		c.Next()
	}
}

// AccessPolicyMiddleware evaluates the ordered access rules against the
// identity set by TokenAuthMiddleware. Denials map to 401 for anonymous
// callers and 403 for authenticated ones.
func AccessPolicyMiddleware(policy *AccessPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := CurrentIdentity(c)
		if policy.Authorize(c.Request.URL.Path, c.Request.Method, identity) {
			c.Next()
			return
		}
		if identity.Anonymous() {
			respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		} else {
			respondError(c, http.StatusForbidden, "FORBIDDEN", "insufficient role")
		}
		c.Abort()
	}
}

// LoginThrottleMiddleware rejects login attempts over the configured rate,
// keyed by client IP. The counter covers attempts, not just failures, so it
// runs before credentials are even read.
func LoginThrottleMiddleware(throttle *LoginThrottle) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		ok, err := throttle.Allow(c.Request.Context(), key)
		if err != nil {
			log.Printf("login throttle unavailable, failing open: %v", err)
		}
		if !ok {
			respondError(c, http.StatusTooManyRequests, "TOO_MANY_REQUESTS", "too many login attempts")
			c.Abort()
			return
		}
		c.Next()
	}
}

// OriginRefererMiddleware validates Origin/Referer against allowed list and sets CORS headers.
func OriginRefererMiddleware(cfg Config) gin.HandlerFunc {
	allowed := map[string]struct{}{}
	for _, o := range cfg.AllowedOrigins {
		allowed[strings.ToLower(o)] = struct{}{}
	}

	isAllowed := func(origin string) bool {
		if origin == "" {
			// Same-origin navigation (no Origin header) is allowed.
			return true
		}
		if len(allowed) == 0 {
			return false
		}
		origin = strings.ToLower(origin)
		_, ok := allowed[origin]
		return ok
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		referer := c.GetHeader("Referer")
		if origin == "" && referer != "" {
			if u, err := url.Parse(referer); err == nil {
				origin = u.Scheme + "://" + u.Host
			}
		}

		// Preflight handling
		if c.Request.Method == http.MethodOptions && origin != "" {
			if !isAllowed(origin) {
				respondError(c, http.StatusForbidden, "FORBIDDEN", "origin not allowed")
				c.Abort()
				return
			}
			setCORSHeaders(c, origin)
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}

		if !isAllowed(origin) {
			respondError(c, http.StatusForbidden, "FORBIDDEN", "origin not allowed")
			c.Abort()
			return
		}
		if origin != "" {
			setCORSHeaders(c, origin)
		}
		c.Next()
	}
}

func setCORSHeaders(c *gin.Context, origin string) {
	c.Header("Access-Control-Allow-Origin", origin)
	c.Header("Vary", "Origin")
	c.Header("Access-Control-Allow-Headers", "Content-Type, "+AuthorizationHeader)
	c.Header("Access-Control-Expose-Headers", AuthorizationHeader)
	c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
}
