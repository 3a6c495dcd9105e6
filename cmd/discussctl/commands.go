package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/MarcoPoloResearchLab/slidediscuss/internal/posts"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/relay"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/termui"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/widget"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// withApp loads configuration, builds the app and runs fn with it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := loadClientConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	a, err := newApp(cmd.Context(), cfg, logger, nil)
	if err != nil {
		return err
	}
	return fn(cmd.Context(), a)
}

func parseSlide(arg string) (int, error) {
	slide, err := strconv.Atoi(arg)
	if err != nil || slide < 1 {
		return 0, fmt.Errorf("invalid slide %q", arg)
	}
	return slide, nil
}

// showSlide displays the discussion of slide and returns its widget and view.
func showSlide(ctx context.Context, a *app, arg string) (*widget.Widget, *termui.View, error) {
	slide, err := parseSlide(arg)
	if err != nil {
		return nil, nil, err
	}
	w, view, err := a.widget(slide)
	if err != nil {
		return nil, nil, err
	}
	if err := w.RequestShow(ctx); err != nil {
		return nil, nil, err
	}
	return w, view, nil
}

// findPost locates a displayed post by number and team.
func findPost(view *termui.View, number int, team string) (widget.PostView, error) {
	for _, post := range view.Posts.Views() {
		if post.Number == number && post.Team == team {
			return post, nil
		}
	}
	return widget.PostView{}, fmt.Errorf("post %d not found in team %q", number, team)
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <slide>",
		Short: "Print the discussion of a slide",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				w, _, err := showSlide(ctx, a, args[0])
				if err != nil {
					return err
				}
				return a.render(cmd.OutOrStdout(), w.Slide())
			})
		},
	}
}

func newPostCommand() *cobra.Command {
	var team string
	cmd := &cobra.Command{
		Use:   "post <slide> <text...>",
		Short: "Post to the discussion of a slide",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				w, view, err := showSlide(ctx, a, args[0])
				if err != nil {
					return err
				}
				if team != "" {
					if err := view.TeamSelect.Select(team); err != nil {
						return err
					}
				}
				view.Textarea.SetValue(strings.Join(args[1:], " "))
				if err := w.SubmitPost(ctx); err != nil {
					return err
				}
				return a.render(cmd.OutOrStdout(), w.Slide())
			})
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "Team to post to when the session has teams")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	var team string
	cmd := &cobra.Command{
		Use:   "delete <slide> <post>",
		Short: "Delete a post",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid post number %q", args[1])
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				w, view, err := showSlide(ctx, a, args[0])
				if err != nil {
					return err
				}
				post, err := findPost(view, number, team)
				if err != nil {
					return err
				}
				if err := w.DeletePost(ctx, number, team, post.AuthorID); err != nil {
					return err
				}
				return a.render(cmd.OutOrStdout(), w.Slide())
			})
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "Team of the post")
	return cmd
}

func newFlagCommand() *cobra.Command {
	var (
		team   string
		unflag bool
	)
	cmd := &cobra.Command{
		Use:   "flag <slide> <post>",
		Short: "Flag a post, or clear its flag with --unflag (admin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid post number %q", args[1])
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				w, view, err := showSlide(ctx, a, args[0])
				if err != nil {
					return err
				}
				post, err := findPost(view, number, team)
				if err != nil {
					return err
				}
				if err := w.FlagPost(ctx, number, team, post.AuthorID, unflag); err != nil {
					return err
				}
				return a.render(cmd.OutOrStdout(), w.Slide())
			})
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "Team of the post")
	cmd.Flags().BoolVar(&unflag, "unflag", false, "Clear the flag instead of setting it")
	return cmd
}

func newCloseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "close <slide>",
		Short: "Close an open discussion or re-open a closed one (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slide, err := parseSlide(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				w, _, err := a.widget(slide)
				if err != nil {
					return err
				}
				if err := w.CloseDiscussion(ctx); err != nil {
					return err
				}
				state := "open"
				if w.Closed() {
					state = "closed"
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "slide %d discussion %d is %s\n", slide, w.Discussion(), state)
				return err
			})
		},
	}
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print post and unread counts per discussion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				session := a.stats.Session(a.registry.Session())
				discussions := make([]int, 0, len(session))
				for discussion := range session {
					discussions = append(discussions, discussion)
				}
				sort.Ints(discussions)
				out := cmd.OutOrStdout()
				for _, discussion := range discussions {
					entry := session[discussion]
					postCount, unread := entry.Totals()
					state := ""
					if entry.Closed != nil && *entry.Closed {
						state = " (closed)"
					}
					fmt.Fprintf(out, "discussion %d: %d posts, %d unread%s\n", discussion, postCount, unread, state)
				}
				_, err := fmt.Fprintf(out, "unread total: %d\n", a.registry.Unread())
				return err
			})
		},
	}
}

func newWatchCommand() *cobra.Command {
	var metricsAddress string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow relay notices and print discussions as they change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadClientConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			relayClient, err := relay.Dial(ctx, relay.ClientConfig{
				URL:         cfg.SiteURL + websocketPath,
				Session:     cfg.Session,
				AccessToken: cfg.AccessToken,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			defer relayClient.Close()

			a, err := newApp(ctx, cfg, logger, relayClient)
			if err != nil {
				return err
			}
			if metricsAddress != "" {
				metricsServer := serveMetrics(metricsAddress, logger)
				defer metricsServer.Close()
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "watching session %s (%d unread)\n", cfg.Session, a.registry.Unread())
			return relayClient.Receive(ctx, func(event relay.Event) {
				if err := a.registry.Dispatch(ctx, event); err != nil {
					logger.Debug("relay event ignored", zap.String("channel", event.Channel), zap.Error(err))
					return
				}
				route, err := relay.ParseChannel(event.Channel)
				if err != nil || route.Method != widget.MethodPostNotify {
					return
				}
				var notice posts.Notice
				if err := json.Unmarshal(event.Payload, &notice); err != nil {
					return
				}
				printNotice(out, notice)
				if notice.Message == posts.MessageTeamGen {
					if err := a.refreshStats(ctx); err != nil {
						logger.Warn("stats refresh failed", zap.Error(err))
					}
				}
			})
		},
	}
	cmd.Flags().StringVar(&metricsAddress, "metrics-address", "", "Serve row store metrics on this address while watching")
	return cmd
}

// serveMetrics exposes the default Prometheus registry on address.
func serveMetrics(address string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: address, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.String("address", address), zap.Error(err))
		}
	}()
	return metricsServer
}

func printNotice(out io.Writer, notice posts.Notice) {
	switch {
	case notice.Post != nil:
		fmt.Fprintf(out, "discussion %d: #%d %s: %s\n", notice.Discussion, notice.Post.Number,
			posts.ShortName(notice.Post.AuthorName), notice.Post.Text)
	case notice.Message == posts.MessageTeamGen:
		fmt.Fprintf(out, "discussion %d: teams changed\n", notice.Discussion)
	case notice.Closed:
		fmt.Fprintf(out, "discussion %d: closed\n", notice.Discussion)
	default:
		fmt.Fprintf(out, "discussion %d: updated\n", notice.Discussion)
	}
}
