package server

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/slidediscuss/internal/discussions"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/posts"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/relay"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/widget"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// sideChannelReply is decoded by widget.HTTPSideChannel.
type sideChannelReply struct {
	Result       string         `json:"result"`
	Error        string         `json:"error,omitempty"`
	DiscussPosts *posts.Listing `json:"discussPosts,omitempty"`
}

func discussionKey(c *gin.Context) (discussions.Key, bool) {
	discussion, err := strconv.Atoi(c.Query("discussion"))
	session := strings.TrimSpace(c.Query("session"))
	if err != nil || discussion < 1 || session == "" {
		return discussions.Key{}, false
	}
	return discussions.Key{Session: session, Discussion: discussion}, true
}

func (h *httpHandler) handleFlag(c *gin.Context) {
	key, ok := discussionKey(c)
	number, err := strconv.Atoi(c.Query("post"))
	if !ok || err != nil {
		c.JSON(http.StatusBadRequest, sideChannelReply{Result: resultError, Error: "invalid_request"})
		return
	}
	actor := actorFromContext(c)
	unflag := c.Query("unflag") != ""
	team := c.Query("team")

	post, err := h.discussions.Flag(c.Request.Context(), key, actor, c.Query("posterid"), team, number, unflag)
	if err != nil {
		h.replySideChannelError(c, "flag", err)
		return
	}
	listing, err := h.discussions.Listing(c.Request.Context(), key, actor.UserID, false)
	if err != nil {
		h.replySideChannelError(c, "flag", err)
		return
	}
	h.publishNotice(key.Session, actor.UserID, posts.Notice{Discussion: key.Discussion, Closed: listing.Closed, Team: post.Team})
	c.JSON(http.StatusOK, sideChannelReply{Result: resultSuccess, DiscussPosts: &listing})
}

func (h *httpHandler) handleClose(c *gin.Context) {
	key, ok := discussionKey(c)
	if !ok {
		c.JSON(http.StatusBadRequest, sideChannelReply{Result: resultError, Error: "invalid_request"})
		return
	}
	actor := actorFromContext(c)
	closed := c.Query("reopen") == ""
	if err := h.discussions.SetClosed(c.Request.Context(), key, actor, closed); err != nil {
		h.replySideChannelError(c, "close", err)
		return
	}
	h.publishNotice(key.Session, actor.UserID, posts.Notice{Discussion: key.Discussion, Closed: closed})
	c.JSON(http.StatusOK, sideChannelReply{Result: resultSuccess})
}

func (h *httpHandler) replySideChannelError(c *gin.Context, operation string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, discussions.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, discussions.ErrPostNotFound):
		status = http.StatusNotFound
	case errors.Is(err, discussions.ErrInvalidRequest):
		status = http.StatusBadRequest
	default:
		h.logger.Error("side channel call failed", zap.String("operation", operation), zap.Error(err))
	}
	c.JSON(status, sideChannelReply{Result: resultError, Error: errorMessage(err)})
}

func (h *httpHandler) handleStats(c *gin.Context) {
	session := strings.TrimSpace(c.Query("session"))
	if session == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	stats, err := h.discussions.Stats(c.Request.Context(), session, c.GetString(userIDContextKey))
	if err != nil {
		h.logger.Error("stats failed", zap.String("session", session), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorMessage(err)})
		return
	}
	c.JSON(http.StatusOK, posts.Stats{Sessions: map[string]posts.SessionStats{session: stats}})
}

type teamsRequestPayload struct {
	Session string   `json:"session"`
	Teams   []string `json:"teams"`
}

// handleTeams replaces the session teams and tells every open discussion.
func (h *httpHandler) handleTeams(c *gin.Context) {
	var request teamsRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	actor := actorFromContext(c)
	ctx := c.Request.Context()
	if err := h.discussions.SetTeams(ctx, request.Session, actor, request.Teams); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, discussions.ErrForbidden):
			status = http.StatusForbidden
		case errors.Is(err, discussions.ErrInvalidRequest):
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": errorMessage(err)})
		return
	}

	stats, err := h.discussions.Stats(ctx, request.Session, actor.UserID)
	if err != nil {
		h.logger.Warn("team notice skipped", zap.String("session", request.Session), zap.Error(err))
	}
	numbers := make([]int, 0, len(stats))
	for discussion := range stats {
		numbers = append(numbers, discussion)
	}
	sort.Ints(numbers)
	for _, discussion := range numbers {
		closed := stats[discussion].Closed != nil && *stats[discussion].Closed
		h.publishNotice(request.Session, actor.UserID, posts.Notice{Discussion: discussion, Closed: closed, Message: posts.MessageTeamGen})
	}
	c.JSON(http.StatusOK, gin.H{"teams": request.Teams})
}

func (h *httpHandler) handleWebsocket(c *gin.Context) {
	session := strings.TrimSpace(c.Query("session"))
	if session == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	conn, err := relay.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	actor := actorFromContext(c)
	peer := relay.Peer{Session: session, UserID: actor.UserID, Admin: actor.Admin}
	if err := h.hub.Serve(c.Request.Context(), conn, peer, h.logger); err != nil {
		h.logger.Debug("relay connection ended", zap.String("user_id", actor.UserID), zap.Error(err))
	}
}

// publishNotice sends a privileged postNotify to every other viewer of the session.
func (h *httpHandler) publishNotice(session, fromUser string, notice posts.Notice) {
	event, err := relay.NewEvent(relay.Broadcast, relay.AnySlide, relay.Channel(widget.PluginName, widget.MethodPostNotify, 0), "", notice)
	if err != nil {
		h.logger.Warn("notice build failed", zap.Error(err))
		return
	}
	event.Session = session
	event.From = fromUser
	event.Admin = true
	h.hub.Publish(event)
}
