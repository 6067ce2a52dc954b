// Package upstream implements the client for the subscriber-management
// telemetry API. The API is function-oriented: every call is a form-encoded
// POST to `?f=<name>&requestMode=function`, authenticated by a session id
// obtained from the login function.
package upstream

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ottworks/telemetria/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// maxPageLimit is the largest page size the upstream accepts.
const maxPageLimit = 1000

const (
	funcLogin        = "login"
	funcListRecords  = "getListOfTelemetryRecords"
	requestModeParam = "requestMode=function"
)

// Client fetches telemetry records from the upstream source.
//
// FetchRecords returns records ordered by ascending recordId, starting at
// the given offset within the upstream's full record stream. Because
// recordIds are append-only, the offset of the first unseen record equals
// the number of records already ingested locally.
type Client interface {
	Login(ctx context.Context) error
	FetchRecords(ctx context.Context, offset int64, limit int) ([]Record, error)
}

var Module = fx.Module("upstream",
	fx.Provide(New),
)

type client struct {
	cfg  config.UpstreamConfig
	http *http.Client
	log  *zap.Logger

	mu        sync.Mutex
	sessionID string
}

// New builds the upstream client from configuration.
func New(cfg config.Config, log *zap.Logger) (Client, error) {
	upstreamCfg := cfg.Upstream
	if strings.TrimSpace(upstreamCfg.BaseURL) == "" {
		return nil, fmt.Errorf("%w: missing base URL", ErrConfiguration)
	}
	if upstreamCfg.Username == "" || upstreamCfg.Password == "" || upstreamCfg.APIToken == "" {
		return nil, fmt.Errorf("%w: missing credentials", ErrConfiguration)
	}

	timeout := upstreamCfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &client{
		cfg:  upstreamCfg,
		http: &http.Client{Timeout: timeout},
		log:  log.Named("upstream").With(zap.String("component", "upstream_client")),
	}, nil
}

type apiResponse struct {
	Success      bool            `json:"success"`
	ErrorMessage string          `json:"errorMessage"`
	Answer       json.RawMessage `json:"answer"`
}

type recordsAnswer struct {
	TelemetryRecordEntries []Record `json:"telemetryRecordEntries"`
	Count                  int64    `json:"count"`
}

// Login authenticates and stores the session id for subsequent calls.
// The password travels as a salted MD5 digest, as the upstream requires.
func (c *client) Login(ctx context.Context) error {
	payload := url.Values{}
	payload.Set("username", c.cfg.Username)
	payload.Set("password", hashPassword(c.cfg.Password, c.cfg.PasswordSalt))
	payload.Set("apiToken", c.cfg.APIToken)

	resp, err := c.post(ctx, funcLogin, payload)
	if err != nil {
		return err
	}
	if !resp.Success {
		// Login rejections are credential problems, not flakes.
		return fmt.Errorf("%w: login rejected: %s", ErrConfiguration, resp.ErrorMessage)
	}

	var sessionID string
	if err := json.Unmarshal(resp.Answer, &sessionID); err != nil || sessionID == "" {
		return fmt.Errorf("%w: login succeeded without session id", ErrTransient)
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()

	c.log.Info("upstream login ok")
	return nil
}

// FetchRecords retrieves one page ordered by ascending recordId. Limits
// above the upstream maximum are clamped.
func (c *client) FetchRecords(ctx context.Context, offset int64, limit int) ([]Record, error) {
	if limit <= 0 || limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}

	var records []Record
	operation := func() error {
		sessionID, err := c.ensureSession(ctx)
		if err != nil {
			return classifyForBackoff(err)
		}

		payload := url.Values{}
		payload.Set("sessionId", sessionID)
		payload.Set("offset", strconv.FormatInt(offset, 10))
		payload.Set("limit", strconv.Itoa(limit))
		payload.Set("orderBy", "recordId")
		payload.Set("orderDir", "ASC")

		resp, err := c.post(ctx, funcListRecords, payload)
		if err != nil {
			return classifyForBackoff(err)
		}
		if !resp.Success {
			if isSessionError(resp.ErrorMessage) {
				c.clearSession()
				return fmt.Errorf("%w: session rejected: %s", ErrTransient, resp.ErrorMessage)
			}
			return backoff.Permanent(fmt.Errorf("%w: %s: %s", ErrConfiguration, funcListRecords, resp.ErrorMessage))
		}

		var answer recordsAnswer
		if err := json.Unmarshal(resp.Answer, &answer); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: malformed answer: %v", ErrTransient, err))
		}
		records = answer.TelemetryRecordEntries
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}

	c.log.Debug("fetched upstream page",
		zap.Int64("offset", offset),
		zap.Int("limit", limit),
		zap.Int("records", len(records)),
	)
	return records, nil
}

func (c *client) ensureSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID != "" {
		return sessionID, nil
	}

	if err := c.Login(ctx); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, nil
}

func (c *client) clearSession() {
	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()
}

func (c *client) post(ctx context.Context, funcName string, payload url.Values) (*apiResponse, error) {
	endpoint := fmt.Sprintf("%s?f=%s&%s", strings.TrimRight(c.cfg.BaseURL, "/"), funcName, requestModeParam)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTransient, funcName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind := ErrTransient
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			kind = ErrConfiguration
		}
		return nil, fmt.Errorf("%w: %s: unexpected status %d", kind, funcName, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTransient, funcName, err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %s: invalid JSON response", ErrTransient, funcName)
	}
	return &parsed, nil
}

func classifyForBackoff(err error) error {
	if err == nil {
		return nil
	}
	if IsConfiguration(err) {
		return backoff.Permanent(err)
	}
	return err
}

func isSessionError(message string) bool {
	lowered := strings.ToLower(message)
	return strings.Contains(lowered, "session") || strings.Contains(lowered, "permission")
}

func hashPassword(password, salt string) string {
	sum := md5.Sum([]byte(password + salt))
	return hex.EncodeToString(sum[:])
}
