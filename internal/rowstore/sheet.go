package rowstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Operation names reported in errors, logs and metrics.
const (
	OpCreateSheet = "createSheet"
	OpPutRow      = "putRow"
	OpUpdateRow   = "updateRow"
	OpGetRow      = "getRow"
	OpAction      = "actions"
)

// Form parameters of the row endpoint protocol.
const (
	ParamSheet       = "sheet"
	ParamHeaders     = "headers"
	ParamID          = "id"
	ParamRow         = "row"
	ParamUpdate      = "update"
	ParamGet         = "get"
	ParamNoOverwrite = "nooverwrite"
	ParamActions     = "actions"
)

var (
	// ErrSheetNotCreated indicates a call issued before sheet creation succeeded.
	ErrSheetNotCreated = errors.New("rowstore: sheet not created")
	// ErrMissingID indicates a write or read without a row id.
	ErrMissingID = errors.New("rowstore: must provide id")
	// ErrMissingName indicates a put without a row name.
	ErrMissingName = errors.New("rowstore: must provide name to put row")

	errMissingSheetName = errors.New("rowstore: sheet name required")
	errMissingTransport = errors.New("rowstore: transport required")
)

var reservedParams = map[string]struct{}{
	ParamSheet: {}, ParamHeaders: {}, ParamID: {}, ParamRow: {},
	ParamUpdate: {}, ParamGet: {}, ParamNoOverwrite: {}, ParamActions: {},
}

// CreationState is the tri-state sheet creation flag.
type CreationState int32

const (
	CreationUnknown CreationState = iota
	CreationSucceeded
	CreationFailed
)

func (s CreationState) String() string {
	switch s {
	case CreationSucceeded:
		return "created"
	case CreationFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SheetConfig configures a Sheet.
type SheetConfig struct {
	Name      string
	Fields    []string
	Transport Transport
	// Precreated marks a sheet whose storage is provisioned by the host.
	Precreated bool
	Logger     *zap.Logger
	Metrics    *Metrics
}

// PutOptions tunes PutRow.
type PutOptions struct {
	NoOverwrite bool
	ReturnRow   bool
	AutoCreate  bool
}

// UpdateOptions tunes UpdateRow. Params are sent as extra form parameters;
// protocol parameters cannot be overridden.
type UpdateOptions struct {
	ReturnRow bool
	Params    map[string]string
}

// Reply is the decoded outcome of a row endpoint call.
type Reply struct {
	Row   Row
	Value json.RawMessage
	Info  json.RawMessage
}

// Sheet is an identity-keyed row store over the row endpoint.
type Sheet struct {
	name      string
	schema    Schema
	transport Transport
	logger    *zap.Logger
	metrics   *Metrics

	mu       sync.Mutex
	created  CreationState
	inFlight atomic.Int64
}

// NewSheet validates configuration and returns a Sheet.
func NewSheet(cfg SheetConfig) (*Sheet, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, errMissingSheetName
	}
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	schema, err := NewSchema(cfg.Fields)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	created := CreationUnknown
	if cfg.Precreated {
		created = CreationSucceeded
	}
	return &Sheet{
		name:      name,
		schema:    schema,
		transport: cfg.Transport,
		logger:    logger.With(zap.String("sheet", name)),
		metrics:   cfg.Metrics,
		created:   created,
	}, nil
}

// Name returns the sheet name.
func (s *Sheet) Name() string {
	return s.name
}

// Schema returns the header schema.
func (s *Sheet) Schema() Schema {
	return s.schema
}

// Creation returns the current creation state.
func (s *Sheet) Creation() CreationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created
}

// InFlight reports the number of dispatched calls not yet completed.
func (s *Sheet) InFlight() int64 {
	return s.inFlight.Load()
}

// CreateSheet ensures the backing storage exists and records the outcome.
func (s *Sheet) CreateSheet(ctx context.Context) error {
	headers, err := json.Marshal(s.schema.Headers())
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set(ParamSheet, s.name)
	params.Set(ParamHeaders, string(headers))

	_, callErr := s.call(ctx, OpCreateSheet, params)

	s.mu.Lock()
	if callErr != nil {
		s.created = CreationFailed
	} else {
		s.created = CreationSucceeded
	}
	s.mu.Unlock()
	return callErr
}

// PutRow writes a full row. With AutoCreate and an unknown creation state the
// sheet is created first and the put re-issued.
func (s *Sheet) PutRow(ctx context.Context, row Row, opts PutOptions) (Row, error) {
	if opts.AutoCreate && s.Creation() == CreationUnknown {
		if err := s.CreateSheet(ctx); err != nil {
			return nil, err
		}
		opts.AutoCreate = false
		return s.PutRow(ctx, row, opts)
	}
	if err := s.checkCreated(); err != nil {
		return nil, err
	}
	if row.ID() == "" {
		return nil, ErrMissingID
	}
	if row.String(ColumnName) == "" {
		return nil, ErrMissingName
	}
	values, err := s.schema.Encode(row)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set(ParamSheet, s.name)
	params.Set(ParamRow, string(encoded))
	if opts.NoOverwrite {
		params.Set(ParamNoOverwrite, "1")
	}
	if opts.ReturnRow {
		params.Set(ParamGet, "1")
	}

	response, err := s.call(ctx, OpPutRow, params)
	if err != nil {
		return nil, err
	}
	return s.decodeRow(OpPutRow, response.Row)
}

// UpdateRow changes the named fields of an existing row.
func (s *Sheet) UpdateRow(ctx context.Context, update Row, opts UpdateOptions) (Reply, error) {
	if err := s.checkCreated(); err != nil {
		return Reply{}, err
	}
	id := update.ID()
	if id == "" {
		return Reply{}, ErrMissingID
	}
	if err := s.schema.Validate(update); err != nil {
		return Reply{}, err
	}

	columns := make([]string, 0, len(update))
	for column := range update {
		columns = append(columns, column)
	}
	sort.Slice(columns, func(i, j int) bool {
		left, _ := s.schema.Index(columns[i])
		right, _ := s.schema.Index(columns[j])
		return left < right
	})
	pairs := make([][2]any, 0, len(columns))
	for _, column := range columns {
		pairs = append(pairs, [2]any{column, update[column]})
	}
	encoded, err := json.Marshal(pairs)
	if err != nil {
		return Reply{}, err
	}

	params := url.Values{}
	for key, value := range opts.Params {
		if _, reserved := reservedParams[key]; reserved {
			continue
		}
		params.Set(key, value)
	}
	params.Set(ParamSheet, s.name)
	params.Set(ParamID, id)
	params.Set(ParamUpdate, string(encoded))
	if opts.ReturnRow {
		params.Set(ParamGet, "1")
	} else {
		params.Set(ParamGet, "")
	}

	response, err := s.call(ctx, OpUpdateRow, params)
	if err != nil {
		return Reply{}, err
	}
	row, err := s.decodeRow(OpUpdateRow, response.Row)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Row: row, Value: response.Value, Info: response.Info}, nil
}

// GetRow returns the row for id: an empty row when none exists, or an error on
// transport, parse or schema failure.
func (s *Sheet) GetRow(ctx context.Context, id string, autoCreate bool) (Row, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrMissingID
	}
	if autoCreate && s.Creation() == CreationUnknown {
		if err := s.CreateSheet(ctx); err != nil {
			return nil, err
		}
		return s.GetRow(ctx, id, false)
	}
	if err := s.checkCreated(); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set(ParamSheet, s.name)
	params.Set(ParamID, id)
	params.Set(ParamGet, "1")

	response, err := s.call(ctx, OpGetRow, params)
	if err != nil {
		return nil, err
	}
	if response.Row == nil {
		return Row{}, nil
	}
	return s.decodeRow(OpGetRow, response.Row)
}

// Action invokes a named endpoint action scoped to this sheet.
func (s *Sheet) Action(ctx context.Context, name string, params map[string]string) (Reply, error) {
	form := url.Values{}
	for key, value := range params {
		if _, reserved := reservedParams[key]; reserved && key != ParamID {
			continue
		}
		form.Set(key, value)
	}
	form.Set(ParamSheet, s.name)
	form.Set(ParamActions, name)

	response, err := s.call(ctx, OpAction, form)
	if err != nil {
		return Reply{}, err
	}
	row, err := s.decodeRow(OpAction, response.Row)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Row: row, Value: response.Value, Info: response.Info}, nil
}

func (s *Sheet) checkCreated() error {
	if s.Creation() != CreationSucceeded {
		return fmt.Errorf("%w: %s", ErrSheetNotCreated, s.name)
	}
	return nil
}

func (s *Sheet) call(ctx context.Context, op string, params url.Values) (*Response, error) {
	s.inFlight.Add(1)
	s.metrics.begin(s.name)

	response, err := s.transport.Send(ctx, params)
	if err == nil && response != nil && response.Result == resultError {
		err = &RemoteError{Message: response.Error}
	}
	if err == nil && response == nil {
		err = ErrResponseParse
	}

	s.inFlight.Add(-1)
	s.metrics.end(s.name, op, err)

	if err != nil {
		s.logger.Warn("row endpoint call failed", zap.String("op", op), zap.Error(err))
		return nil, &TransportError{Op: op, Err: err}
	}
	return response, nil
}

func (s *Sheet) decodeRow(op string, values []any) (Row, error) {
	if values == nil {
		return nil, nil
	}
	row, err := s.schema.Decode(values)
	if err != nil {
		s.logger.Error("row decode failed", zap.String("op", op), zap.Error(err))
		return nil, err
	}
	return row, nil
}
