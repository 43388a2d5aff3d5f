package core

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// NewRouter constructs the Gin engine with the authentication pipeline and
// routes wired. Every request passes origin check -> token authorization ->
// access policy before reaching a handler; the login endpoint is the only
// one handled by the authentication stage instead.
func NewRouter(cfg Config, codec *TokenCodec, authService AuthService, userRepo UserRepository, policy *AccessPolicy, throttle *LoginThrottle) *gin.Engine {
	startedAt := time.Now()
	r := gin.Default()

	r.Use(OriginRefererMiddleware(cfg))
	r.Use(TokenAuthMiddleware(codec, userRepo))
	r.Use(AccessPolicyMiddleware(policy))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "uptime": time.Since(startedAt).String()})
	})

	r.POST(loginPath, LoginThrottleMiddleware(throttle), loginHandler(cfg, codec, authService))

	api := r.Group("/api/public")
	{
		// Available to all authenticated users.
		api.GET("/test", func(c *gin.Context) {
			c.String(http.StatusOK, "API Test")
		})

		api.GET("/me", func(c *gin.Context) {
			identity := CurrentIdentity(c)
			c.JSON(http.StatusOK, gin.H{"username": identity.Subject, "roles": identity.Roles})
		})

		// Available to managers.
		api.GET("/management/reports", func(c *gin.Context) {
			c.String(http.StatusOK, "Some report data")
		})

		// Available to admins.
		api.GET("/admin/users", func(c *gin.Context) {
			page, perPage, err := parsePagination(c.Query("page"), c.Query("per_page"))
			if err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid pagination")
				return
			}
			items, total, err := userRepo.List(c.Request.Context(), page, perPage)
			if err != nil {
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to list users")
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"users":       items,
				"total":       total,
				"page":        page,
				"per_page":    perPage,
				"total_pages": calcTotalPages(total, perPage),
			})
		})
	}

	return r
}

// loginHandler is the authentication stage: it verifies credentials and, on
// success, issues a token in the Authorization response header. No session
// or identity is established here; the token itself is the deliverable.
func loginHandler(cfg Config, codec *TokenCodec, authService AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json")
			return
		}

		user, err := authService.Authenticate(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			if errors.Is(err, ErrUserStoreUnavailable) {
				respondError(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "temporarily unavailable")
				return
			}
			// Same status, code, and message whether the user exists or not.
			respondError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid username or password")
			return
		}

		issuedAt := time.Now()
		token, err := codec.Encode(user.Username, issuedAt)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to issue token")
			return
		}

		c.Header(AuthorizationHeader, BearerValue(token))
		c.JSON(http.StatusOK, gin.H{
			"token":      token,
			"expires_at": issuedAt.Add(cfg.TokenTTL).UTC(),
		})
	}
}

// parsePagination validates page/per_page query values with defaults.
func parsePagination(pageStr, perPageStr string) (int, int, error) {
	page, perPage := 1, 20
	var err error
	if pageStr != "" {
		if page, err = strconv.Atoi(pageStr); err != nil || page <= 0 {
			return 0, 0, errors.New("invalid page")
		}
	}
	if perPageStr != "" {
		if perPage, err = strconv.Atoi(perPageStr); err != nil || perPage <= 0 || perPage > 100 {
			return 0, 0, errors.New("invalid per_page")
		}
	}
	return page, perPage, nil
}

func calcTotalPages(total, perPage int) int {
	if total <= 0 || perPage <= 0 {
		return 0
	}
	return (total + perPage - 1) / perPage
}
