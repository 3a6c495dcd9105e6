package rowstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	resultSuccess = "success"
	resultError   = "error"

	defaultRequestTimeout = 30 * time.Second
	maxResponseBytes      = 8 << 20
)

var (
	errMissingEndpoint = errors.New("rowstore: endpoint url required")

	// ErrHTTPStatus reports a non-success HTTP status from the row endpoint.
	ErrHTTPStatus = errors.New("error in HTTP request")
	// ErrResponseParse reports a response body that is not a JSON object.
	ErrResponseParse = errors.New("json parsing error")
)

// Response is the decoded reply of the row endpoint.
type Response struct {
	Result string          `json:"result"`
	Row    []any           `json:"row"`
	Value  json.RawMessage `json:"value,omitempty"`
	Info   json.RawMessage `json:"info,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// TransportError carries the message handed to callers when a call fails on the
// wire or at the remote end.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RemoteError is an error reported inside a well-formed reply.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "remote error"
	}
	return e.Message
}

// Transport delivers one form-encoded call to the row endpoint.
type Transport interface {
	Send(ctx context.Context, params url.Values) (*Response, error)
}

// HTTPTransportConfig configures an HTTPTransport.
type HTTPTransportConfig struct {
	Endpoint    string
	AccessToken string
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// HTTPTransport posts application/x-www-form-urlencoded requests to the row endpoint.
type HTTPTransport struct {
	endpoint    string
	accessToken string
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewHTTPTransport validates configuration and returns a transport.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errMissingEndpoint
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("rowstore: invalid endpoint url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransport{
		endpoint:    endpoint,
		accessToken: strings.TrimSpace(cfg.AccessToken),
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// Send posts params and decodes the JSON reply. A nil reply is never returned
// without an error.
func (t *HTTPTransport) Send(ctx context.Context, params url.Values) (*Response, error) {
	body := params.Encode()
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if t.accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+t.accessToken)
	}

	response, err := t.httpClient.Do(request)
	if err != nil {
		t.logger.Debug("row endpoint request failed", zap.String("sheet", params.Get("sheet")), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrHTTPStatus, err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTPStatus, err)
	}
	if response.StatusCode != http.StatusOK {
		t.logger.Debug("row endpoint returned error status",
			zap.Int("status", response.StatusCode),
			zap.ByteString("body", payload))
		return nil, fmt.Errorf("%w: status %d", ErrHTTPStatus, response.StatusCode)
	}

	var decoded *Response
	if err := json.Unmarshal(payload, &decoded); err != nil || decoded == nil {
		t.logger.Debug("row endpoint reply is not json", zap.ByteString("body", payload), zap.Error(err))
		return nil, ErrResponseParse
	}
	return decoded, nil
}
