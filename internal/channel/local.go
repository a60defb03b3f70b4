package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/muurk/zonelink/internal/deviceerr"
	"github.com/muurk/zonelink/internal/logging"
)

const (
	// DefaultLocalPort is the appliance's HTTP port
	DefaultLocalPort = 80

	// DefaultUsername is the default HTTP Basic Auth username for the appliance
	DefaultUsername = "admin"

	propertiesPath = "/api/v1/properties"
	pingPath       = "/api/v1/ping"
	contentType    = "application/cbor"
)

// Resolver looks up the current LAN address of a device by serial number.
type Resolver interface {
	Resolve(serial string) (host string, port int, ok bool)
}

// LocalConfig configures a LocalClient.
type LocalConfig struct {
	// Host and Port address the device directly. When Host is empty the
	// Resolver is consulted on every Connect.
	Host string
	Port int

	// Serial identifies the device for the Resolver
	Serial   string
	Resolver Resolver

	Username string
	Password string

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// LocalClient is the LAN channel: CBOR property maps over HTTP with Basic auth.
type LocalClient struct {
	cfg    LocalConfig
	client *http.Client
	logger *zap.Logger

	mu      sync.RWMutex
	baseURL string
}

// propertiesResponse is the body of GET /api/v1/properties
type propertiesResponse struct {
	Properties map[string]any `cbor:"properties"`
	Faults     []faultRecord  `cbor:"faults,omitempty"`
}

type faultRecord struct {
	Code    string `cbor:"code" json:"code"`
	Message string `cbor:"message" json:"message"`
}

type setRequest struct {
	Value any `cbor:"value"`
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode

	mapStringAny = reflect.TypeOf(map[string]any(nil))
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("channel: cbor encoder: %v", err))
	}
	// Decode maps with string keys so property maps come back as map[string]any
	cborDec, err = cbor.DecOptions{DefaultMapType: mapStringAny}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("channel: cbor decoder: %v", err))
	}
}

// NewLocalClient creates a LAN channel.
func NewLocalClient(cfg LocalConfig) *LocalClient {
	if cfg.Port == 0 {
		cfg.Port = DefaultLocalPort
	}
	if cfg.Username == "" {
		cfg.Username = DefaultUsername
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetLogger().Named("local")
	}
	c := &LocalClient{cfg: cfg, client: client, logger: logger}
	if cfg.Host != "" {
		c.baseURL = hostURL(cfg.Host, cfg.Port)
	}
	return c
}

// NewLocalClientWithURL creates a LAN channel for a full base URL
// (e.g. "http://192.168.1.40:80").
func NewLocalClientWithURL(baseURL string, cfg LocalConfig) *LocalClient {
	c := NewLocalClient(cfg)
	c.baseURL = baseURL
	return c
}

func (c *LocalClient) Kind() Kind { return Local }

// BaseURL returns the address currently in use, empty if unresolved.
func (c *LocalClient) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// Connect resolves the device address if needed and performs an authenticated ping.
func (c *LocalClient) Connect(ctx context.Context) error {
	if c.cfg.Host == "" && c.cfg.Resolver != nil {
		host, port, ok := c.cfg.Resolver.Resolve(c.cfg.Serial)
		if !ok {
			return deviceerr.NewConnectionError(fmt.Sprintf("no known address for device %s", c.cfg.Serial), nil)
		}
		c.mu.Lock()
		c.baseURL = hostURL(host, port)
		c.mu.Unlock()
	}

	resp, err := c.do(ctx, http.MethodGet, pingPath, nil)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()

	c.logger.Debug("Local channel connected", zap.String("base_url", c.BaseURL()))
	return nil
}

// Fetch reads every property from the device.
func (c *LocalClient) Fetch(ctx context.Context) (map[string]any, error) {
	resp, err := c.do(ctx, http.MethodGet, propertiesPath, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize+1))
	if err != nil {
		return nil, deviceerr.Classify(fmt.Errorf("failed to read response body: %w", err))
	}
	if len(body) > maxMessageSize {
		return nil, deviceerr.NewDeviceReportedError("decode", fmt.Sprintf("property payload exceeds %d bytes", maxMessageSize))
	}

	var decoded propertiesResponse
	if err := cborDec.Unmarshal(body, &decoded); err != nil {
		return nil, deviceerr.NewDeviceReportedError("decode", fmt.Sprintf("malformed property payload: %v", err))
	}
	if decoded.Properties == nil {
		decoded.Properties = map[string]any{}
	}

	logging.LogRawBytes("local properties payload", body)

	if len(decoded.Faults) > 0 {
		f := decoded.Faults[0]
		return decoded.Properties, deviceerr.NewDeviceReportedError(f.Code, f.Message)
	}
	return decoded.Properties, nil
}

// Set writes one property.
func (c *LocalClient) Set(ctx context.Context, propertyID string, value any) error {
	body, err := cborEnc.Marshal(setRequest{Value: value})
	if err != nil {
		return fmt.Errorf("failed to encode value for %s: %w", propertyID, err)
	}

	resp, err := c.do(ctx, http.MethodPut, propertiesPath+"/"+url.PathEscape(propertyID), body)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

// Disconnect releases idle HTTP connections.
func (c *LocalClient) Disconnect(ctx context.Context) error {
	c.client.CloseIdleConnections()
	return nil
}

// do performs one authenticated request and maps HTTP status codes onto the
// error taxonomy. The caller closes the body of a successful response.
func (c *LocalClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	base := c.BaseURL()
	if base == "" {
		return nil, deviceerr.NewConnectionError("device address not resolved", nil)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return nil, deviceerr.NewConnectionError(fmt.Sprintf("failed to create %s request", method), err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	req.Header.Set("Accept", contentType)
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, deviceerr.Classify(err)
	}
	c.logger.Debug("Local request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_ = resp.Body.Close()
		return nil, deviceerr.NewAuthError("authentication failed (check credentials)")
	case resp.StatusCode >= 500:
		_ = resp.Body.Close()
		return nil, deviceerr.NewConnectionError(fmt.Sprintf("device returned HTTP %d", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, deviceerr.NewDeviceReportedError(fmt.Sprintf("HTTP %d", resp.StatusCode), string(bytes.TrimSpace(msg)))
	}
	return resp, nil
}

func hostURL(host string, port int) string {
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

var _ Channel = (*LocalClient)(nil)
