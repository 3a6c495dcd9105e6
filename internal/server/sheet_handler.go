package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/slidediscuss/internal/discussions"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/posts"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/rowstore"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/sheets"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/widget"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	resultSuccess = "success"
	resultError   = "error"

	paramTeam    = "team"
	paramAdmin   = "admin"
	paramDiscuss = "discuss"
)

var (
	errUnsupportedAction = errors.New("unsupported action")
	errUnsupportedCall   = errors.New("unsupported call for discussion sheet")
	errForeignRow        = errors.New("access to another user's row requires admin")
	errMalformedParam    = errors.New("malformed parameter")
)

// sheetReply is the row endpoint reply understood by rowstore clients.
type sheetReply struct {
	Result string `json:"result"`
	Row    []any  `json:"row"`
	Value  any    `json:"value,omitempty"`
	Info   any    `json:"info,omitempty"`
	Error  string `json:"error,omitempty"`
}

type discussInfo struct {
	DiscussPosts *posts.Listing `json:"discussPosts"`
}

// handleSheet serves the form-encoded row protocol. Protocol failures are
// reported in the reply body with HTTP 200, as rowstore clients expect.
func (h *httpHandler) handleSheet(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	form := c.Request.PostForm
	name := strings.TrimSpace(form.Get(rowstore.ParamSheet))
	if name == "" {
		h.replyError(c, fmt.Errorf("%w: sheet", errMalformedParam))
		return
	}

	var (
		reply sheetReply
		err   error
	)
	if session, ok := posts.SessionFromSheet(name); ok {
		reply, err = h.serveDiscussionSheet(c, session)
	} else {
		reply, err = h.serveRowSheet(c, name)
	}
	if err != nil {
		h.replyError(c, err)
		return
	}
	reply.Result = resultSuccess
	c.JSON(http.StatusOK, reply)
}

func (h *httpHandler) serveDiscussionSheet(c *gin.Context, session string) (sheetReply, error) {
	form := c.Request.PostForm
	actor := actorFromContext(c)

	switch {
	case form.Has(rowstore.ParamActions):
		if form.Get(rowstore.ParamActions) != widget.ActionDiscussPosts {
			return sheetReply{}, fmt.Errorf("%w: %s", errUnsupportedAction, form.Get(rowstore.ParamActions))
		}
		if id := form.Get(rowstore.ParamID); id != "" && id != actor.UserID {
			return sheetReply{}, errForeignRow
		}
		discussion, err := strconv.Atoi(form.Get(paramDiscuss))
		if err != nil {
			return sheetReply{}, fmt.Errorf("%w: %s", errMalformedParam, paramDiscuss)
		}
		listing, err := h.discussions.Listing(c.Request.Context(), discussions.Key{Session: session, Discussion: discussion}, actor.UserID, true)
		if err != nil {
			return sheetReply{}, err
		}
		return sheetReply{Value: listing}, nil

	case form.Has(rowstore.ParamHeaders):
		return sheetReply{}, nil

	case form.Has(rowstore.ParamUpdate):
		return h.applyDiscussionUpdate(c, session, actor)
	}
	return sheetReply{}, errUnsupportedCall
}

// applyDiscussionUpdate executes the commands written into discussion
// columns. The row id names the author: posts go to the caller's own row and
// deleting from another row needs the admin parameter.
func (h *httpHandler) applyDiscussionUpdate(c *gin.Context, session string, actor discussions.Actor) (sheetReply, error) {
	form := c.Request.PostForm
	rowID := form.Get(rowstore.ParamID)
	if rowID == "" {
		return sheetReply{}, rowstore.ErrMissingID
	}
	if rowID != actor.UserID && (form.Get(paramAdmin) != "1" || !actor.Admin) {
		return sheetReply{}, errForeignRow
	}
	pairs, err := decodeUpdatePairs(form.Get(rowstore.ParamUpdate))
	if err != nil {
		return sheetReply{}, err
	}

	ctx := c.Request.Context()
	var (
		key     discussions.Key
		notices []posts.Notice
	)
	for _, pair := range pairs {
		if pair.column == rowstore.ColumnID || pair.column == rowstore.ColumnTimestamp {
			continue
		}
		discussion, err := posts.ParseColumn(pair.column)
		if err != nil {
			return sheetReply{}, fmt.Errorf("%w: %s", rowstore.ErrUnknownColumn, pair.column)
		}
		raw, ok := pair.value.(string)
		if !ok {
			return sheetReply{}, fmt.Errorf("%w: %s", posts.ErrInvalidCommand, pair.column)
		}
		command, err := posts.DecodeCommand(raw)
		if err != nil {
			return sheetReply{}, err
		}
		key = discussions.Key{Session: session, Discussion: discussion}

		switch command.Op {
		case posts.OpPost:
			if rowID != actor.UserID {
				return sheetReply{}, errForeignRow
			}
			post, err := h.discussions.Post(ctx, key, actor, form.Get(paramTeam), command.Text)
			if err != nil {
				return sheetReply{}, err
			}
			notices = append(notices, posts.Notice{
				Discussion: discussion,
				Message:    posts.MessageNew,
				AuthorName: post.AuthorName,
				Team:       post.Team,
				Post:       &post,
			})
		case posts.OpDelete:
			if _, err := h.discussions.Delete(ctx, key, actor, rowID, command.Team, command.Post); err != nil {
				return sheetReply{}, err
			}
			notices = append(notices, posts.Notice{Discussion: discussion, Team: command.Team})
		}
	}
	if key.Discussion == 0 {
		return sheetReply{}, fmt.Errorf("%w: no discussion column", errMalformedParam)
	}

	listing, err := h.discussions.Listing(ctx, key, actor.UserID, true)
	if err != nil {
		return sheetReply{}, err
	}
	for _, notice := range notices {
		notice.Closed = listing.Closed
		h.publishNotice(session, actor.UserID, notice)
	}
	return sheetReply{Info: discussInfo{DiscussPosts: &listing}}, nil
}

func (h *httpHandler) serveRowSheet(c *gin.Context, name string) (sheetReply, error) {
	form := c.Request.PostForm
	actor := actorFromContext(c)
	ctx := c.Request.Context()
	returnRow := form.Get(rowstore.ParamGet) != ""

	switch {
	case form.Has(rowstore.ParamActions):
		return sheetReply{}, fmt.Errorf("%w: %s", errUnsupportedAction, form.Get(rowstore.ParamActions))

	case form.Has(rowstore.ParamHeaders):
		var headers []string
		if err := json.Unmarshal([]byte(form.Get(rowstore.ParamHeaders)), &headers); err != nil {
			return sheetReply{}, fmt.Errorf("%w: %s", errMalformedParam, rowstore.ParamHeaders)
		}
		return sheetReply{}, h.sheets.CreateSheet(ctx, name, headers)

	case form.Has(rowstore.ParamRow):
		var values []any
		if err := json.Unmarshal([]byte(form.Get(rowstore.ParamRow)), &values); err != nil {
			return sheetReply{}, fmt.Errorf("%w: %s", errMalformedParam, rowstore.ParamRow)
		}
		schema, err := h.sheets.Schema(ctx, name)
		if err != nil {
			return sheetReply{}, err
		}
		row, err := schema.Decode(values)
		if err != nil {
			return sheetReply{}, err
		}
		if row.ID() != actor.UserID && !actor.Admin {
			return sheetReply{}, errForeignRow
		}
		stored, err := h.sheets.PutRow(ctx, name, values, form.Get(rowstore.ParamNoOverwrite) != "")
		if err != nil {
			return sheetReply{}, err
		}
		if !returnRow {
			stored = nil
		}
		return sheetReply{Row: stored}, nil

	case form.Has(rowstore.ParamUpdate):
		id := form.Get(rowstore.ParamID)
		if id != actor.UserID && !actor.Admin {
			return sheetReply{}, errForeignRow
		}
		pairs, err := decodeUpdatePairs(form.Get(rowstore.ParamUpdate))
		if err != nil {
			return sheetReply{}, err
		}
		updates := rowstore.Row{}
		for _, pair := range pairs {
			updates[pair.column] = pair.value
		}
		stored, err := h.sheets.UpdateRow(ctx, name, id, updates)
		if err != nil {
			return sheetReply{}, err
		}
		if !returnRow {
			stored = nil
		}
		return sheetReply{Row: stored}, nil

	case form.Has(rowstore.ParamID):
		id := form.Get(rowstore.ParamID)
		if id != actor.UserID && !actor.Admin {
			return sheetReply{}, errForeignRow
		}
		stored, err := h.sheets.GetRow(ctx, name, id)
		if err != nil {
			return sheetReply{}, err
		}
		return sheetReply{Row: stored}, nil
	}
	return sheetReply{}, fmt.Errorf("%w: no operation", errMalformedParam)
}

type updatePair struct {
	column string
	value  any
}

func decodeUpdatePairs(raw string) ([]updatePair, error) {
	var entries [][]any
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("%w: %s", errMalformedParam, rowstore.ParamUpdate)
	}
	pairs := make([]updatePair, 0, len(entries))
	for _, entry := range entries {
		if len(entry) != 2 {
			return nil, fmt.Errorf("%w: %s", errMalformedParam, rowstore.ParamUpdate)
		}
		column, ok := entry[0].(string)
		if !ok || column == "" {
			return nil, fmt.Errorf("%w: %s", errMalformedParam, rowstore.ParamUpdate)
		}
		pairs = append(pairs, updatePair{column: column, value: entry[1]})
	}
	return pairs, nil
}

func (h *httpHandler) replyError(c *gin.Context, err error) {
	message := errorMessage(err)
	if isServerFault(err) {
		h.logger.Error("row endpoint call failed", zap.String("sheet", c.Request.PostForm.Get(rowstore.ParamSheet)), zap.Error(err))
	}
	c.JSON(http.StatusOK, sheetReply{Result: resultError, Error: message})
}

// errorMessage names a failure by its service code when it has one.
func errorMessage(err error) string {
	var discussionErr *discussions.ServiceError
	if errors.As(err, &discussionErr) {
		return discussionErr.Code()
	}
	var sheetErr *sheets.ServiceError
	if errors.As(err, &sheetErr) {
		return sheetErr.Code()
	}
	return err.Error()
}

func isServerFault(err error) bool {
	for _, expected := range []error{
		discussions.ErrPostNotFound, discussions.ErrForbidden, discussions.ErrDiscussionClosed,
		discussions.ErrInvalidRequest, sheets.ErrSheetNotFound, sheets.ErrHeaderConflict, sheets.ErrRowNotFound,
		rowstore.ErrUnknownColumn, rowstore.ErrRowLength, rowstore.ErrMissingID, rowstore.ErrMissingName,
		rowstore.ErrDuplicateColumn, posts.ErrInvalidCommand, posts.ErrInvalidColumn,
		errUnsupportedAction, errUnsupportedCall, errForeignRow, errMalformedParam,
	} {
		if errors.Is(err, expected) {
			return false
		}
	}
	return true
}
