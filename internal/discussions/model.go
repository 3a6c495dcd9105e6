package discussions

import "time"

// Post is a stored discussion post. Seq orders posts across the whole host and
// backs the per-viewer read marks.
type Post struct {
	Seq        int64     `gorm:"column:seq;primaryKey;autoIncrement"`
	Session    string    `gorm:"column:session;size:190;not null;uniqueIndex:idx_discussion_post_number,priority:1"`
	Discussion int       `gorm:"column:discussion;not null;uniqueIndex:idx_discussion_post_number,priority:2"`
	Team       string    `gorm:"column:team;size:190;not null;default:'';uniqueIndex:idx_discussion_post_number,priority:3"`
	Number     int       `gorm:"column:number;not null;uniqueIndex:idx_discussion_post_number,priority:4"`
	AuthorID   string    `gorm:"column:author_id;size:190;not null"`
	AuthorName string    `gorm:"column:author_name;size:190;not null;default:''"`
	Text       string    `gorm:"column:text;type:text;not null;default:''"`
	Status     string    `gorm:"column:status;size:16;not null;default:'active'"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Post) TableName() string {
	return "discussion_posts"
}

// State records the explicit open/closed state of a discussion. A missing row
// means the discussion was never opened or closed.
type State struct {
	Session    string    `gorm:"column:session;primaryKey;size:190;not null"`
	Discussion int       `gorm:"column:discussion;primaryKey;not null"`
	Closed     bool      `gorm:"column:closed;not null;default:false"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (State) TableName() string {
	return "discussion_states"
}

// Read is the read watermark of one viewer in one discussion.
type Read struct {
	Session    string    `gorm:"column:session;primaryKey;size:190;not null"`
	Discussion int       `gorm:"column:discussion;primaryKey;not null"`
	UserID     string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	LastSeq    int64     `gorm:"column:last_seq;not null;default:0"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Read) TableName() string {
	return "discussion_reads"
}

// Team is a team name generated for a session, kept in display order.
type Team struct {
	Session  string `gorm:"column:session;primaryKey;size:190;not null"`
	Name     string `gorm:"column:name;primaryKey;size:190;not null"`
	Position int    `gorm:"column:position;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Team) TableName() string {
	return "discussion_teams"
}

// Models lists the tables owned by this package, for migrations.
func Models() []any {
	return []any{&Post{}, &State{}, &Read{}, &Team{}}
}
