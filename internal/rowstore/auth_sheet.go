package rowstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrMissingIdentity indicates an AuthSheet built without an authenticated id.
var ErrMissingIdentity = errors.New("rowstore: auth identity id not defined")

var errMissingSheet = errors.New("rowstore: sheet required")

// Identity is the authenticated user whose row an AuthSheet reads and writes.
type Identity struct {
	ID          string
	DisplayName string
	Email       string
}

// AuthSheet scopes a Sheet to one identity: every write carries the identity's
// id, full puts also carry its name and email, and reads only return its own row.
// The scoping is enforced client-side only.
type AuthSheet struct {
	sheet    *Sheet
	identity Identity
}

// NewAuthSheet wraps sheet for identity.
func NewAuthSheet(sheet *Sheet, identity Identity) (*AuthSheet, error) {
	if sheet == nil {
		return nil, errMissingSheet
	}
	identity.ID = strings.TrimSpace(identity.ID)
	if identity.ID == "" {
		return nil, ErrMissingIdentity
	}
	return &AuthSheet{sheet: sheet, identity: identity}, nil
}

// Identity returns the bound identity.
func (a *AuthSheet) Identity() Identity {
	return a.identity
}

// Sheet exposes the wrapped sheet.
func (a *AuthSheet) Sheet() *Sheet {
	return a.sheet
}

// CreateSheet ensures the backing storage exists.
func (a *AuthSheet) CreateSheet(ctx context.Context) error {
	return a.sheet.CreateSheet(ctx)
}

// PutRow writes the caller's full row.
func (a *AuthSheet) PutRow(ctx context.Context, row Row, opts PutOptions) (Row, error) {
	extended, err := a.extend(row, true)
	if err != nil {
		return nil, err
	}
	return a.sheet.PutRow(ctx, extended, opts)
}

// UpdateRow changes fields of the caller's row.
func (a *AuthSheet) UpdateRow(ctx context.Context, update Row, opts UpdateOptions) (Reply, error) {
	extended, err := a.extend(update, false)
	if err != nil {
		return Reply{}, err
	}
	return a.sheet.UpdateRow(ctx, extended, opts)
}

// GetRow reads the caller's row.
func (a *AuthSheet) GetRow(ctx context.Context, autoCreate bool) (Row, error) {
	return a.sheet.GetRow(ctx, a.identity.ID, autoCreate)
}

// extend copies declared custom fields and Timestamp from row and injects the
// identity. Identity columns supplied by the caller are replaced, any other
// undeclared field is rejected.
func (a *AuthSheet) extend(row Row, fullRow bool) (Row, error) {
	extended := Row{}
	for column, value := range row {
		switch column {
		case ColumnID, ColumnName, ColumnEmail:
			continue
		case ColumnTimestamp:
			extended[column] = value
		default:
			if !a.sheet.schema.Has(column) {
				return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, column)
			}
			extended[column] = value
		}
	}
	extended[ColumnID] = a.identity.ID
	if fullRow {
		extended[ColumnName] = a.identity.DisplayName
		extended[ColumnEmail] = a.identity.Email
	}
	return extended, nil
}
