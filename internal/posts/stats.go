package posts

// TeamStats counts the posts of one team in one discussion.
type TeamStats struct {
	Posts  int `json:"posts"`
	Unread int `json:"unread"`
}

// DiscussionStats aggregates one discussion. Closed is nil when the discussion
// was never opened or closed explicitly.
type DiscussionStats struct {
	Closed *bool                `json:"closed,omitempty"`
	Teams  map[string]TeamStats `json:"teams"`
}

// Totals sums posts and unread posts across teams.
func (d DiscussionStats) Totals() (postCount, unreadCount int) {
	for _, team := range d.Teams {
		postCount += team.Posts
		unreadCount += team.Unread
	}
	return postCount, unreadCount
}

// SessionStats maps discussion numbers to their stats.
type SessionStats map[int]DiscussionStats

// Stats is the aggregate supplied to widget initialization.
type Stats struct {
	Sessions map[string]SessionStats `json:"sessions"`
}

// Session returns the stats of session, or nil.
func (s Stats) Session(name string) SessionStats {
	if s.Sessions == nil {
		return nil
	}
	return s.Sessions[name]
}

// Message values carried by a Notice.
const (
	MessageNew     = "new"
	MessageTeamGen = "teamgen"
)

// Notice is the payload of a postNotify relay event.
type Notice struct {
	Discussion int    `json:"discussion"`
	Closed     bool   `json:"closed"`
	Message    string `json:"message,omitempty"`
	AuthorName string `json:"authorName,omitempty"`
	Team       string `json:"team,omitempty"`
	Post       *Post  `json:"post,omitempty"`
}
