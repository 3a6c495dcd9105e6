package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/MarcoPoloResearchLab/slidediscuss/internal/config"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/logging"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/posts"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/rowstore"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/termui"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/widget"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Host paths used by the CLI.
const (
	sheetPath     = "/_sheet"
	statsPath     = "/_discuss_stats"
	websocketPath = "/_websocket"

	requestTimeout = 30 * time.Second
)

// app is one viewer's registry with a terminal view per discussion slide.
type app struct {
	registry   *widget.Registry
	stats      posts.Stats
	views      map[int]*termui.View
	httpClient *http.Client
	cfg        config.ClientConfig
}

func loadClientConfig() (config.ClientConfig, *zap.Logger, error) {
	cfg, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return config.ClientConfig{}, nil, err
	}
	logger, err := logging.NewConsoleLogger(cfg.LogLevel)
	if err != nil {
		return config.ClientConfig{}, nil, err
	}
	return cfg, logger, nil
}

// newApp fetches the session stats and registers a widget for every
// discussion slide. relayClient may be nil.
func newApp(ctx context.Context, cfg config.ClientConfig, logger *zap.Logger, relayClient widget.Relay) (*app, error) {
	httpClient := &http.Client{Timeout: requestTimeout}
	stats, err := fetchStats(ctx, httpClient, cfg)
	if err != nil {
		return nil, err
	}

	transport, err := rowstore.NewHTTPTransport(rowstore.HTTPTransportConfig{
		Endpoint:    cfg.SiteURL + sheetPath,
		AccessToken: cfg.AccessToken,
		HTTPClient:  httpClient,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	metrics, err := rowstore.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, err
	}
	sheet, err := rowstore.NewSheet(rowstore.SheetConfig{
		Name:       posts.SheetName(cfg.Session),
		Fields:     posts.ColumnNames(len(slides)),
		Transport:  transport,
		Precreated: true,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	sideChannel, err := widget.NewHTTPSideChannel(widget.HTTPSideChannelConfig{
		SiteURL:     cfg.SiteURL,
		AccessToken: cfg.AccessToken,
		HTTPClient:  httpClient,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	discussSlides := make([]widget.DiscussSlide, 0, len(slides))
	for _, slide := range slides {
		discussSlides = append(discussSlides, widget.DiscussSlide{Slide: slide})
	}
	dialogs := termui.NewDialogs(os.Stdin, os.Stderr, cfg.AssumeYes)
	top := termui.NewElement("discuss-display", true)
	registry, err := widget.NewRegistry(widget.Config{
		Params: widget.Params{
			Session:       cfg.Session,
			Stats:         stats,
			DiscussSlides: discussSlides,
		},
		UserID:       cfg.UserID,
		AdminUserID:  cfg.AdminUserID,
		Store:        sheet,
		SideChannel:  sideChannel,
		Dialogs:      dialogs,
		Relay:        relayClient,
		TopIndicator: top,
		CurrentSlide: func() int { return current },
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	views := make(map[int]*termui.View, len(slides))
	for _, slide := range slides {
		view := termui.NewView(slide)
		if _, err := registry.Register(slide, view.Elements()); err != nil {
			return nil, err
		}
		views[slide] = view
	}
	return &app{registry: registry, stats: stats, views: views, httpClient: httpClient, cfg: cfg}, nil
}

func (a *app) widget(slide int) (*widget.Widget, *termui.View, error) {
	w, ok := a.registry.Widget(slide)
	if !ok {
		return nil, nil, fmt.Errorf("slide %d has no discussion (see --slides)", slide)
	}
	return w, a.views[slide], nil
}

func (a *app) render(out io.Writer, slide int) error {
	view, ok := a.views[slide]
	if !ok {
		return nil
	}
	if _, err := fmt.Fprintf(out, "== slide %d ==\n", slide); err != nil {
		return err
	}
	_, err := view.WriteTo(out)
	return err
}

// refreshStats re-fetches the session stats and re-initializes every widget.
func (a *app) refreshStats(ctx context.Context) error {
	stats, err := fetchStats(ctx, a.httpClient, a.cfg)
	if err != nil {
		return err
	}
	a.stats = stats
	a.registry.UpdateStats(stats)
	return nil
}

func fetchStats(ctx context.Context, httpClient *http.Client, cfg config.ClientConfig) (posts.Stats, error) {
	query := url.Values{}
	query.Set("session", cfg.Session)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.SiteURL+statsPath+"?"+query.Encode(), nil)
	if err != nil {
		return posts.Stats{}, err
	}
	request.Header.Set("Authorization", "Bearer "+cfg.AccessToken)
	response, err := httpClient.Do(request)
	if err != nil {
		return posts.Stats{}, fmt.Errorf("fetch stats: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return posts.Stats{}, fmt.Errorf("fetch stats: status %d", response.StatusCode)
	}
	var stats posts.Stats
	if err := json.NewDecoder(response.Body).Decode(&stats); err != nil {
		return posts.Stats{}, fmt.Errorf("fetch stats: %w", err)
	}
	return stats, nil
}
