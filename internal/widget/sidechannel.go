package widget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/slidediscuss/internal/posts"
	"go.uber.org/zap"
)

const (
	// FlagPath and ClosePath are the side-channel endpoints relative to the site.
	FlagPath  = "/_user_flag"
	ClosePath = "/_user_discussclose"

	sideChannelTimeout  = 30 * time.Second
	maxSideChannelBytes = 4 << 20
)

var errMissingSite = errors.New("widget: site url required")

// FlagRequest flags or unflags one post.
type FlagRequest struct {
	Session    string
	Discussion int
	Team       string
	Post       int
	PosterID   string
	Unflag     bool
}

// CloseRequest closes or re-opens a discussion.
type CloseRequest struct {
	Session    string
	Discussion int
	Reopen     bool
}

// SideChannel reaches the flag and close endpoints, which bypass the row store.
type SideChannel interface {
	Flag(ctx context.Context, request FlagRequest) (posts.Listing, error)
	CloseDiscussion(ctx context.Context, request CloseRequest) error
}

// SideChannelReply is the JSON body of both side-channel endpoints.
type SideChannelReply struct {
	Result       string         `json:"result"`
	Error        string         `json:"error,omitempty"`
	DiscussPosts *posts.Listing `json:"discussPosts,omitempty"`
}

type HTTPSideChannelConfig struct {
	SiteURL     string
	AccessToken string
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// HTTPSideChannel issues side-channel GET requests against the host site.
type HTTPSideChannel struct {
	site        string
	accessToken string
	httpClient  *http.Client
	logger      *zap.Logger
}

func NewHTTPSideChannel(cfg HTTPSideChannelConfig) (*HTTPSideChannel, error) {
	site := strings.TrimRight(strings.TrimSpace(cfg.SiteURL), "/")
	if site == "" {
		return nil, errMissingSite
	}
	if _, err := url.ParseRequestURI(site); err != nil {
		return nil, fmt.Errorf("widget: invalid site url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: sideChannelTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSideChannel{
		site:        site,
		accessToken: strings.TrimSpace(cfg.AccessToken),
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

func (s *HTTPSideChannel) Flag(ctx context.Context, request FlagRequest) (posts.Listing, error) {
	query := url.Values{}
	query.Set("session", request.Session)
	query.Set("discussion", strconv.Itoa(request.Discussion))
	query.Set("team", request.Team)
	query.Set("post", strconv.Itoa(request.Post))
	query.Set("posterid", request.PosterID)
	if request.Unflag {
		query.Set("unflag", "1")
	}
	reply, err := s.get(ctx, FlagPath, query)
	if err != nil {
		return posts.Listing{}, err
	}
	if reply.DiscussPosts == nil {
		return posts.Listing{}, errors.New("widget: flag reply without posts")
	}
	return *reply.DiscussPosts, nil
}

func (s *HTTPSideChannel) CloseDiscussion(ctx context.Context, request CloseRequest) error {
	query := url.Values{}
	query.Set("session", request.Session)
	query.Set("discussion", strconv.Itoa(request.Discussion))
	if request.Reopen {
		query.Set("reopen", "1")
	}
	_, err := s.get(ctx, ClosePath, query)
	return err
}

func (s *HTTPSideChannel) get(ctx context.Context, path string, query url.Values) (SideChannelReply, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.site+path+"?"+query.Encode(), nil)
	if err != nil {
		return SideChannelReply{}, err
	}
	if s.accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+s.accessToken)
	}
	response, err := s.httpClient.Do(request)
	if err != nil {
		return SideChannelReply{}, fmt.Errorf("widget: %s: %w", path, err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxSideChannelBytes))
	if err != nil {
		return SideChannelReply{}, fmt.Errorf("widget: %s: %w", path, err)
	}
	var reply SideChannelReply
	if err := json.Unmarshal(payload, &reply); err != nil {
		s.logger.Debug("side channel reply is not json", zap.String("path", path), zap.Int("status", response.StatusCode))
		return SideChannelReply{}, fmt.Errorf("widget: %s: status %d", path, response.StatusCode)
	}
	if reply.Result != "success" {
		message := reply.Error
		if message == "" {
			message = fmt.Sprintf("status %d", response.StatusCode)
		}
		return SideChannelReply{}, fmt.Errorf("widget: %s: %s", path, message)
	}
	return reply, nil
}
