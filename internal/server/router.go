package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/slidediscuss/internal/auth"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/discussions"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/relay"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/sheets"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/users"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/widget"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	userIDContextKey   = "discuss_user_id"
	userNameContextKey = "discuss_user_name"
	adminContextKey    = "discuss_admin"

	// Paths of the host endpoints that are not part of the side channel.
	AuthPath      = "/auth/google"
	SheetPath     = "/_sheet"
	StatsPath     = "/_discuss_stats"
	TeamsPath     = "/_discuss_teams"
	WebsocketPath = "/_websocket"
	MetricsPath   = "/metrics"
)

var (
	errMissingGoogleVerifier   = errors.New("google verifier dependency required")
	errMissingTokenIssuer      = errors.New("token issuer dependency required")
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingIdentities       = errors.New("identity resolver dependency required")
	errMissingSheets           = errors.New("sheets service dependency required")
	errMissingDiscussions      = errors.New("discussions service dependency required")
	errMissingHub              = errors.New("relay hub dependency required")
)

type GoogleVerifier interface {
	Verify(ctx context.Context, token string) (auth.GoogleClaims, error)
}

type SessionTokenIssuer interface {
	IssueSessionToken(ctx context.Context, identity auth.SessionIdentity) (string, int64, error)
}

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type IdentityResolver interface {
	ResolveGoogleIdentity(ctx context.Context, claims auth.GoogleClaims) (users.Profile, error)
	IsAdmin(userID string) bool
}

type Dependencies struct {
	GoogleVerifier   GoogleVerifier
	TokenIssuer      SessionTokenIssuer
	SessionValidator SessionValidator
	Identities       IdentityResolver
	Sheets           *sheets.Service
	Discussions      *discussions.Service
	Hub              *relay.Hub
	AllowedOrigins   []string
	// SideChannelRate and SideChannelBurst bound flag and close requests per user.
	SideChannelRate  rate.Limit
	SideChannelBurst int
	Registerer       prometheus.Registerer
	Gatherer         prometheus.Gatherer
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.GoogleVerifier == nil:
		return nil, errMissingGoogleVerifier
	case deps.TokenIssuer == nil:
		return nil, errMissingTokenIssuer
	case deps.SessionValidator == nil:
		return nil, errMissingSessionValidator
	case deps.Identities == nil:
		return nil, errMissingIdentities
	case deps.Sheets == nil:
		return nil, errMissingSheets
	case deps.Discussions == nil:
		return nil, errMissingDiscussions
	case deps.Hub == nil:
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	registerer := deps.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	metrics, err := newHTTPMetrics(registerer)
	if err != nil {
		return nil, err
	}
	limitRate := deps.SideChannelRate
	if limitRate <= 0 {
		limitRate = rate.Limit(5)
	}
	limitBurst := deps.SideChannelBurst
	if limitBurst <= 0 {
		limitBurst = 10
	}

	origins := deps.AllowedOrigins
	corsConfig := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: len(origins) > 0,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.observe)
	router.Use(cors.New(corsConfig))

	handler := &httpHandler{
		verifier:    deps.GoogleVerifier,
		tokens:      deps.TokenIssuer,
		sessions:    deps.SessionValidator,
		identities:  deps.Identities,
		sheets:      deps.Sheets,
		discussions: deps.Discussions,
		hub:         deps.Hub,
		limiter:     newLimiterPool(limitRate, limitBurst),
		logger:      logger,
	}

	router.POST(AuthPath, handler.handleGoogleAuth)
	router.GET(MetricsPath, gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST(SheetPath, handler.handleSheet)
	protected.GET(StatsPath, handler.handleStats)
	protected.POST(TeamsPath, handler.handleTeams)
	protected.GET(WebsocketPath, handler.handleWebsocket)

	sideChannel := protected.Group("/")
	sideChannel.Use(handler.limitSideChannel)
	sideChannel.GET(widget.FlagPath, handler.handleFlag)
	sideChannel.GET(widget.ClosePath, handler.handleClose)

	return router, nil
}

type httpHandler struct {
	verifier    GoogleVerifier
	tokens      SessionTokenIssuer
	sessions    SessionValidator
	identities  IdentityResolver
	sheets      *sheets.Service
	discussions *discussions.Service
	hub         *relay.Hub
	limiter     *limiterPool
	logger      *zap.Logger
}

type authRequestPayload struct {
	IDToken string `json:"id_token"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Admin       bool   `json:"admin"`
}

func (h *httpHandler) handleGoogleAuth(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("google token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	profile, err := h.identities.ResolveGoogleIdentity(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to resolve identity", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "identity_resolution_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), auth.SessionIdentity{
		UserID:      profile.UserID,
		Email:       profile.Email,
		DisplayName: profile.DisplayName,
		Roles:       profile.Roles(),
	})
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      profile.UserID,
		DisplayName: profile.DisplayName,
		Admin:       profile.Admin,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if !errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Set(userNameContextKey, claims.UserDisplayName)
	c.Set(adminContextKey, claims.HasRole(auth.RoleAdmin) || h.identities.IsAdmin(claims.UserID))
	c.Next()
}

func (h *httpHandler) limitSideChannel(c *gin.Context) {
	if !h.limiter.Allow(c.GetString(userIDContextKey)) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, sideChannelReply{Result: resultError, Error: "rate_limited"})
		return
	}
	c.Next()
}

func actorFromContext(c *gin.Context) discussions.Actor {
	return discussions.Actor{
		UserID: c.GetString(userIDContextKey),
		Name:   c.GetString(userNameContextKey),
		Admin:  c.GetBool(adminContextKey),
	}
}
