package aoi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kwv/gazeaoi/internal/log"
)

const (
	// DefaultIntrinsicsEndpoint is the calibration service URL template; %s
	// is replaced by the scene camera serial.
	DefaultIntrinsicsEndpoint = "https://api.cloud.pupil-labs.com/hardware/%s/calibration.v1?json"

	// DefaultFetchTimeout is the default HTTP request timeout.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of attempts.
	DefaultMaxRetries = 3

	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes caps the service response; intrinsics are tiny.
	maxResponseBytes = 1 << 20
)

// Intrinsics is a scene camera calibration as served by the calibration
// service. Only CameraMatrix and DistCoefs are used for geometry.
type Intrinsics struct {
	CameraMatrix   [][]float64 `json:"camera_matrix"`
	DistCoefs      [][]float64 `json:"dist_coefs"`
	RotationMatrix [][]float64 `json:"rotation_matrix,omitempty"`
	SerialNumber   string      `json:"serial_number,omitempty"`
	Version        string      `json:"version,omitempty"`
}

// Camera builds a Camera from the intrinsics. dist_coefs is a 1xN matrix
// and is flattened.
func (in *Intrinsics) Camera() (*Camera, error) {
	var d []float64
	for _, row := range in.DistCoefs {
		d = append(d, row...)
	}
	return NewCamera(in.CameraMatrix, d)
}

// FetchOption configures FetchIntrinsics.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	endpoint    string
	cacheDir    string
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		endpoint:    DefaultIntrinsicsEndpoint,
		cacheDir:    ".",
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithEndpoint overrides the service URL template.
func WithEndpoint(template string) FetchOption {
	return func(c *fetchConfig) {
		if template != "" {
			c.endpoint = template
		}
	}
}

// WithCacheDir sets where intrinsics.<serial>.json is read and written.
func WithCacheDir(dir string) FetchOption {
	return func(c *fetchConfig) {
		if dir != "" {
			c.cacheDir = dir
		}
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of attempts.
func WithMaxRetries(n int) FetchOption {
	return func(c *fetchConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) {
		c.client = client
	}
}

// IntrinsicsCachePath returns the cache file for a serial in dir.
func IntrinsicsCachePath(dir, serial string) string {
	return filepath.Join(dir, fmt.Sprintf("intrinsics.%s.json", serial))
}

// FetchIntrinsics returns the calibration for a scene camera serial. A cached
// file wins over the network. On a cache miss the service is queried,
// retrying transient failures with exponential backoff, and the result is
// cached. Failing to write the cache only logs a warning.
func FetchIntrinsics(ctx context.Context, serial string, opts ...FetchOption) (*Intrinsics, error) {
	if serial == "" {
		return nil, errors.New("fetch intrinsics: serial is empty")
	}

	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	cachePath := IntrinsicsCachePath(cfg.cacheDir, serial)
	cached, err := LoadIntrinsicsFile(cachePath)
	if err == nil {
		log.Debug(log.Fields{"path": cachePath}, "using cached intrinsics")
		return cached, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		log.Warn(log.Fields{"path": cachePath, "error": err}, "ignoring unreadable intrinsics cache")
	}

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}
	url := strings.Replace(cfg.endpoint, "%s", serial, 1)

	var lastErr error
	for attempt := range cfg.maxRetries {
		if attempt > 0 {
			backoff := cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch intrinsics: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		body, err := doFetch(ctx, client, url)
		if err != nil {
			lastErr = err
			continue
		}

		intrinsics, err := parseIntrinsicsResponse(body)
		if err != nil {
			// Parse errors are not transient; do not retry.
			return nil, fmt.Errorf("fetch intrinsics: %w", err)
		}

		if err := saveIntrinsicsFile(cachePath, intrinsics); err != nil {
			log.Warn(log.Fields{"path": cachePath, "error": err}, "unable to cache intrinsics")
		}
		return intrinsics, nil
	}

	return nil, fmt.Errorf("fetch intrinsics: all %d attempts failed: %w", cfg.maxRetries, lastErr)
}

// CameraForSerial fetches intrinsics for serial and builds its Camera.
func CameraForSerial(ctx context.Context, serial string, opts ...FetchOption) (*Camera, error) {
	intrinsics, err := FetchIntrinsics(ctx, serial, opts...)
	if err != nil {
		return nil, err
	}
	return intrinsics.Camera()
}

// LoadIntrinsicsFile reads intrinsics from a local JSON file in the cached
// (unwrapped) format.
func LoadIntrinsicsFile(path string) (*Intrinsics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var in Intrinsics
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("failed to parse intrinsics %s: %w", path, err)
	}
	if len(in.CameraMatrix) == 0 {
		return nil, fmt.Errorf("intrinsics %s has no camera_matrix", path)
	}
	return &in, nil
}

func saveIntrinsicsFile(path string, in *Intrinsics) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func parseIntrinsicsResponse(body []byte) (*Intrinsics, error) {
	var resp struct {
		Result *Intrinsics `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Result == nil || len(resp.Result.CameraMatrix) == 0 {
		return nil, errors.New("response has no calibration result")
	}
	return resp.Result, nil
}

// doFetch performs a single HTTP GET and returns the response body bytes.
func doFetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP GET %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}
	return body, nil
}
