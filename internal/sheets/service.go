package sheets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/MarcoPoloResearchLab/slidediscuss/internal/rowstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrSheetNotFound indicates a call against a sheet that was never created.
	ErrSheetNotFound = errors.New("sheets: sheet not found")
	// ErrHeaderConflict indicates a create request whose headers differ from the stored ones.
	ErrHeaderConflict = errors.New("sheets: headers conflict with existing sheet")
	// ErrRowNotFound indicates an update of a row that does not exist.
	ErrRowNotFound = errors.New("sheets: row not found")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "sheets.service.new"
	opCreateSheet = "sheets.create_sheet"
	opPutRow      = "sheets.put_row"
	opUpdateRow   = "sheets.update_row"
	opGetRow      = "sheets.get_row"
	opLoadSchema  = "sheets.load_schema"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the host row store. Writes to one row are serialized by the
// database transaction; the last write wins.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// CreateSheet stores the headers of name. Repeating the call with identical
// headers succeeds.
func (s *Service) CreateSheet(ctx context.Context, name string, headers []string) error {
	schema, err := rowstore.NewSchemaFromHeaders(headers)
	if err != nil {
		return newServiceError(opCreateSheet, "invalid_headers", err)
	}
	encoded, err := json.Marshal(schema.Headers())
	if err != nil {
		return newServiceError(opCreateSheet, "encode_failed", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing SheetSchema
		err := tx.Where("name = ?", name).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := tx.Create(&SheetSchema{Name: name, HeadersJSON: string(encoded)}).Error; err != nil {
				s.logError(opCreateSheet, "insert_failed", err, zap.String("sheet", name))
				return newServiceError(opCreateSheet, "insert_failed", err)
			}
			return nil
		}
		if err != nil {
			s.logError(opCreateSheet, "select_failed", err, zap.String("sheet", name))
			return newServiceError(opCreateSheet, "select_failed", err)
		}
		var stored []string
		if err := json.Unmarshal([]byte(existing.HeadersJSON), &stored); err != nil || !slices.Equal(stored, schema.Headers()) {
			return newServiceError(opCreateSheet, "header_conflict", ErrHeaderConflict)
		}
		return nil
	})
}

// Schema returns the headers of name.
func (s *Service) Schema(ctx context.Context, name string) (rowstore.Schema, error) {
	return s.loadSchema(s.db.WithContext(ctx), name)
}

// PutRow writes a full row. With noOverwrite an existing row is kept and
// returned unchanged.
func (s *Service) PutRow(ctx context.Context, name string, values []any, noOverwrite bool) ([]any, error) {
	var result []any
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		schema, err := s.loadSchema(tx, name)
		if err != nil {
			return err
		}
		row, err := schema.Decode(values)
		if err != nil || len(row) == 0 {
			return newServiceError(opPutRow, "invalid_row", errors.Join(rowstore.ErrRowLength, err))
		}
		if row.ID() == "" {
			return newServiceError(opPutRow, "missing_id", rowstore.ErrMissingID)
		}
		if row.String(rowstore.ColumnName) == "" {
			return newServiceError(opPutRow, "missing_name", rowstore.ErrMissingName)
		}

		existing, found, err := s.lockRow(tx, opPutRow, name, row.ID())
		if err != nil {
			return err
		}
		if found && noOverwrite {
			result, err = decodeValues(existing.ValuesJSON)
			if err != nil {
				return newServiceError(opPutRow, "decode_failed", err)
			}
			return nil
		}

		now := s.clock().UTC()
		if row[rowstore.ColumnTimestamp] == nil {
			row[rowstore.ColumnTimestamp] = now.Format(time.RFC3339)
		}
		encoded, err := schema.Encode(row)
		if err != nil {
			return newServiceError(opPutRow, "invalid_row", err)
		}
		if err := s.saveRow(tx, opPutRow, name, row.ID(), encoded, now); err != nil {
			return err
		}
		result = encoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateRow applies column updates to an existing row.
func (s *Service) UpdateRow(ctx context.Context, name, id string, updates rowstore.Row) ([]any, error) {
	var result []any
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		schema, err := s.loadSchema(tx, name)
		if err != nil {
			return err
		}
		if err := schema.Validate(updates); err != nil {
			return newServiceError(opUpdateRow, "unknown_column", err)
		}
		existing, found, err := s.lockRow(tx, opUpdateRow, name, id)
		if err != nil {
			return err
		}
		if !found {
			return newServiceError(opUpdateRow, "row_not_found", ErrRowNotFound)
		}
		values, err := decodeValues(existing.ValuesJSON)
		if err != nil {
			return newServiceError(opUpdateRow, "decode_failed", err)
		}
		row, err := schema.Decode(values)
		if err != nil {
			s.logError(opUpdateRow, "stored_row_mismatch", err, zap.String("sheet", name), zap.String("row_id", id))
			return newServiceError(opUpdateRow, "stored_row_mismatch", err)
		}
		for column, value := range updates {
			if column == rowstore.ColumnID {
				continue
			}
			row[column] = value
		}
		now := s.clock().UTC()
		if _, ok := updates[rowstore.ColumnTimestamp]; !ok {
			row[rowstore.ColumnTimestamp] = now.Format(time.RFC3339)
		}
		encoded, err := schema.Encode(row)
		if err != nil {
			return newServiceError(opUpdateRow, "invalid_row", err)
		}
		if err := s.saveRow(tx, opUpdateRow, name, id, encoded, now); err != nil {
			return err
		}
		result = encoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetRow returns the stored row, or nil without error when it does not exist.
func (s *Service) GetRow(ctx context.Context, name, id string) ([]any, error) {
	db := s.db.WithContext(ctx)
	if _, err := s.loadSchema(db, name); err != nil {
		return nil, err
	}
	var stored SheetRow
	err := db.Where("sheet = ? AND row_id = ?", name, id).Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opGetRow, "select_failed", err, zap.String("sheet", name), zap.String("row_id", id))
		return nil, newServiceError(opGetRow, "select_failed", err)
	}
	values, err := decodeValues(stored.ValuesJSON)
	if err != nil {
		return nil, newServiceError(opGetRow, "decode_failed", err)
	}
	return values, nil
}

func (s *Service) loadSchema(db *gorm.DB, name string) (rowstore.Schema, error) {
	var stored SheetSchema
	err := db.Where("name = ?", name).Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rowstore.Schema{}, newServiceError(opLoadSchema, "sheet_not_found", ErrSheetNotFound)
	}
	if err != nil {
		s.logError(opLoadSchema, "select_failed", err, zap.String("sheet", name))
		return rowstore.Schema{}, newServiceError(opLoadSchema, "select_failed", err)
	}
	var headers []string
	if err := json.Unmarshal([]byte(stored.HeadersJSON), &headers); err != nil {
		return rowstore.Schema{}, newServiceError(opLoadSchema, "decode_failed", err)
	}
	schema, err := rowstore.NewSchemaFromHeaders(headers)
	if err != nil {
		return rowstore.Schema{}, newServiceError(opLoadSchema, "invalid_headers", err)
	}
	return schema, nil
}

func (s *Service) lockRow(tx *gorm.DB, operation, name, id string) (SheetRow, bool, error) {
	var existing SheetRow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("sheet = ? AND row_id = ?", name, id).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SheetRow{}, false, nil
	}
	if err != nil {
		s.logError(operation, "row_select_failed", err, zap.String("sheet", name), zap.String("row_id", id))
		return SheetRow{}, false, newServiceError(operation, "row_select_failed", err)
	}
	return existing, true, nil
}

func (s *Service) saveRow(tx *gorm.DB, operation, name, id string, values []any, now time.Time) error {
	encoded, err := json.Marshal(values)
	if err != nil {
		return newServiceError(operation, "encode_failed", err)
	}
	row := SheetRow{Sheet: name, RowID: id, ValuesJSON: string(encoded), UpdatedAt: now}
	if err := tx.Save(&row).Error; err != nil {
		s.logError(operation, "row_save_failed", err, zap.String("sheet", name), zap.String("row_id", id))
		return newServiceError(operation, "row_save_failed", err)
	}
	return nil
}

func decodeValues(encoded string) ([]any, error) {
	var values []any
	if err := json.Unmarshal([]byte(encoded), &values); err != nil {
		return nil, err
	}
	return values, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("sheets service error", attrs...)
}
