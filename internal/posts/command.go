package posts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// columnPrefix names the per-discussion column of a discussion sheet.
const columnPrefix = "discuss"

// Op selects what a Command does.
type Op string

const (
	OpPost   Op = "post"
	OpDelete Op = "delete"
)

var (
	// ErrInvalidCommand indicates a discussion column value that is not a command.
	ErrInvalidCommand = errors.New("posts: invalid command")
	// ErrInvalidColumn indicates a column name that does not address a discussion.
	ErrInvalidColumn = errors.New("posts: invalid discussion column")
)

// Command is the value written into a discussion column.
type Command struct {
	Op   Op     `json:"op"`
	Text string `json:"text,omitempty"`
	Team string `json:"team,omitempty"`
	Post int    `json:"post,omitempty"`
}

// PostCommand appends text as a new post.
func PostCommand(text string) Command {
	return Command{Op: OpPost, Text: text}
}

// DeleteCommand marks post number of team as deleted.
func DeleteCommand(team string, number int) Command {
	return Command{Op: OpDelete, Team: team, Post: number}
}

// Validate checks the command shape.
func (c Command) Validate() error {
	switch c.Op {
	case OpPost:
		if strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("%w: empty post text", ErrInvalidCommand)
		}
	case OpDelete:
		if c.Post < 1 {
			return fmt.Errorf("%w: post number %d", ErrInvalidCommand, c.Post)
		}
	default:
		return fmt.Errorf("%w: op %q", ErrInvalidCommand, c.Op)
	}
	return nil
}

// Encode serializes the command as the column value.
func (c Command) Encode() (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	encoded, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// DecodeCommand parses and validates a column value.
func DecodeCommand(value string) (Command, error) {
	var command Command
	if err := json.Unmarshal([]byte(value), &command); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if err := command.Validate(); err != nil {
		return Command{}, err
	}
	return command, nil
}

// ColumnName returns the sheet column of discussion number, e.g. discuss001.
func ColumnName(discussion int) string {
	return fmt.Sprintf("%s%03d", columnPrefix, discussion)
}

// ColumnNames returns the columns of discussions 1..count.
func ColumnNames(count int) []string {
	columns := make([]string, 0, count)
	for discussion := 1; discussion <= count; discussion++ {
		columns = append(columns, ColumnName(discussion))
	}
	return columns
}

// ParseColumn returns the discussion number addressed by column.
func ParseColumn(column string) (int, error) {
	digits, found := strings.CutPrefix(column, columnPrefix)
	if !found || len(digits) < 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidColumn, column)
	}
	discussion, err := strconv.Atoi(digits)
	if err != nil || discussion < 1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidColumn, column)
	}
	return discussion, nil
}

// SheetName returns the discussion sheet of session.
func SheetName(session string) string {
	return session + "_" + columnPrefix
}

// SessionFromSheet reverses SheetName.
func SessionFromSheet(sheet string) (string, bool) {
	session, found := strings.CutSuffix(sheet, "_"+columnPrefix)
	if !found || session == "" {
		return "", false
	}
	return session, true
}
