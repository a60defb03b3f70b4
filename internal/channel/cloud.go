package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/muurk/zonelink/internal/deviceerr"
	"github.com/muurk/zonelink/internal/logging"
)

const (
	// Time allowed to complete the websocket handshake
	handshakeTimeout = 10 * time.Second

	// Maximum message size accepted from the cloud or the LAN
	maxMessageSize = 1 << 20

	opGet = "get"
	opSet = "set"
)

// CloudConfig configures a CloudClient.
type CloudConfig struct {
	// URL is the websocket endpoint (wss://...)
	URL string

	// DeviceID is the cloud identifier of the appliance
	DeviceID string

	// Token is a bearer token. Refreshing it is the caller's concern; a rejected
	// token surfaces as an authentication error.
	Token string

	Dialer *websocket.Dialer
	Logger *zap.Logger
}

// CloudClient is the cloud channel: JSON request/response over a websocket.
type CloudClient struct {
	cfg    CloudConfig
	dialer *websocket.Dialer
	logger *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

type cloudRequest struct {
	ID       string     `json:"id"`
	Op       string     `json:"op"`
	DeviceID string     `json:"device_id"`
	Property string     `json:"property,omitempty"`
	Value    *wireValue `json:"value,omitempty"`
}

type cloudResponse struct {
	ID         string               `json:"id"`
	OK         bool                 `json:"ok"`
	Error      *cloudError          `json:"error,omitempty"`
	Properties map[string]wireValue `json:"properties,omitempty"`
	Faults     []faultRecord        `json:"faults,omitempty"`
}

type cloudError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wireValue carries a property value with an explicit type tag so blobs and
// integers survive the JSON round trip.
type wireValue struct {
	Type  string          `json:"t"`
	Value json.RawMessage `json:"v"`
}

// NewCloudClient creates a cloud channel.
func NewCloudClient(cfg CloudConfig) *CloudClient {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetLogger().Named("cloud")
	}
	return &CloudClient{cfg: cfg, dialer: dialer, logger: logger}
}

func (c *CloudClient) Kind() Kind { return Cloud }

// Connect dials the websocket, replacing any existing session.
func (c *CloudClient) Connect(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return deviceerr.NewAuthError(fmt.Sprintf("cloud rejected credentials (HTTP %d)", resp.StatusCode))
	}
	if err != nil {
		return deviceerr.Classify(err)
	}
	conn.SetReadLimit(maxMessageSize)

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	c.logger.Debug("Cloud channel connected", zap.String("url", c.cfg.URL))
	return nil
}

// Fetch requests every property of the device.
func (c *CloudClient) Fetch(ctx context.Context) (map[string]any, error) {
	resp, err := c.roundTrip(ctx, cloudRequest{Op: opGet})
	if err != nil {
		return nil, err
	}

	values := make(map[string]any, len(resp.Properties))
	for id, wv := range resp.Properties {
		v, err := wv.decode()
		if err != nil {
			return nil, deviceerr.NewDeviceReportedError("decode", fmt.Sprintf("property %s: %v", id, err))
		}
		values[id] = v
	}

	if len(resp.Faults) > 0 {
		f := resp.Faults[0]
		return values, deviceerr.NewDeviceReportedError(f.Code, f.Message)
	}
	return values, nil
}

// Set writes one property through the cloud.
func (c *CloudClient) Set(ctx context.Context, propertyID string, value any) error {
	wv, err := encodeWireValue(value)
	if err != nil {
		return fmt.Errorf("failed to encode value for %s: %w", propertyID, err)
	}
	_, err = c.roundTrip(ctx, cloudRequest{Op: opSet, Property: propertyID, Value: &wv})
	return err
}

// Disconnect closes the websocket with a normal closure.
func (c *CloudClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	deadline := time.Now().Add(time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

// roundTrip sends one request and waits for the response with the same ID.
// Unrelated messages (pushed events) are skipped. Any transport error drops the
// session so the next Connect redials.
func (c *CloudClient) roundTrip(ctx context.Context, req cloudRequest) (*cloudResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, deviceerr.NewConnectionError("cloud session not connected", nil)
	}

	deadline := time.Now().Add(DefaultTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	conn := c.conn

	// websocket reads are not context-aware; expire the deadline on cancel
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	req.ID = uuid.NewString()
	req.DeviceID = c.cfg.DeviceID

	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(req); err != nil {
		c.dropLocked()
		return nil, deviceerr.Classify(err)
	}

	_ = conn.SetReadDeadline(deadline)
	for {
		var resp cloudResponse
		if err := conn.ReadJSON(&resp); err != nil {
			c.dropLocked()
			if ctx.Err() != nil {
				return nil, deviceerr.Classify(ctx.Err())
			}
			return nil, deviceerr.Classify(err)
		}
		if resp.ID != req.ID {
			c.logger.Debug("Skipping unrelated cloud message", zap.String("id", resp.ID))
			continue
		}
		if !resp.OK {
			return nil, cloudFailure(resp.Error)
		}
		return &resp, nil
	}
}

func (c *CloudClient) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func cloudFailure(e *cloudError) error {
	if e == nil {
		return deviceerr.NewDeviceReportedError("unknown", "cloud request failed")
	}
	switch e.Code {
	case "unauthorized", "token_expired":
		return deviceerr.NewAuthError(e.Message)
	case "device_offline":
		return deviceerr.NewConnectionError("cloud reports device offline: "+e.Message, nil)
	}
	return deviceerr.NewDeviceReportedError(e.Code, e.Message)
}

func encodeWireValue(v any) (wireValue, error) {
	var typ string
	switch v.(type) {
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		typ = "int"
	case uint, uint64:
		typ = "uint"
	case float32, float64:
		typ = "float"
	case bool:
		typ = "bool"
	case string:
		typ = "string"
	case []byte:
		typ = "bytes"
	default:
		return wireValue{}, fmt.Errorf("unsupported value type %T", v)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return wireValue{}, err
	}
	return wireValue{Type: typ, Value: raw}, nil
}

func (w wireValue) decode() (any, error) {
	var err error
	switch w.Type {
	case "int":
		var v int64
		err = json.Unmarshal(w.Value, &v)
		return v, err
	case "uint":
		var v uint64
		err = json.Unmarshal(w.Value, &v)
		return v, err
	case "float":
		var v float64
		err = json.Unmarshal(w.Value, &v)
		return v, err
	case "bool":
		var v bool
		err = json.Unmarshal(w.Value, &v)
		return v, err
	case "string":
		var v string
		err = json.Unmarshal(w.Value, &v)
		return v, err
	case "bytes":
		var v []byte
		err = json.Unmarshal(w.Value, &v)
		return v, err
	}
	return nil, fmt.Errorf("unknown value type %q", w.Type)
}

var _ Channel = (*CloudClient)(nil)
