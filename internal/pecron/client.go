package pecron

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/oauth2"

	"github.com/joshp123/pecronhub/internal/retry"
)

const (
	apiPrefix = "v1/"

	pathLogin      = "user/login"
	pathDevices    = "device/list"
	pathProperties = "device/properties"
	pathSet        = "device/properties/set"
	pathTSL        = "product/tsl"

	hmSuffix = "_hm"
)

// APIError surfaces Pecron envelope codes and HTTP failures.
type APIError struct {
	Code int
	Msg  string
}

func (e APIError) Error() string {
	return fmt.Sprintf("pecron api error %d: %s", e.Code, e.Msg)
}

func (e APIError) ErrorCode() int {
	return e.Code
}

// Client talks to the Pecron cloud on behalf of one account.
type Client struct {
	cfg     Config
	baseURL string
	creds   *Credentials
	http    *http.Client
	log     logr.Logger
}

func NewClient(cfg Config, creds *Credentials, httpClient *http.Client, log logr.Logger) (*Client, error) {
	if creds == nil {
		return nil, fmt.Errorf("credentials are required")
	}
	if strings.TrimSpace(creds.Email) == "" || creds.Password == "" {
		return nil, fmt.Errorf("email and password are required")
	}
	if cfg.Region == "" {
		cfg.Region = creds.Region
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if httpClient.Timeout == 0 {
		clone := *httpClient
		clone.Timeout = cfg.Timeout
		httpClient = &clone
	}
	return &Client{
		cfg:     cfg,
		baseURL: cfg.baseURL(),
		creds:   creds,
		http:    httpClient,
		log:     log.WithName("pecron"),
	}, nil
}

func (c *Client) Credentials() *Credentials {
	return c.creds
}

// Login exchanges email and password for a session token. Rejected
// credentials come back auth-classified.
func (c *Client) Login(ctx context.Context, email, password string, region Region) (*oauth2.Token, error) {
	base := c.baseURL
	if strings.TrimSpace(c.cfg.BaseURL) == "" && region != "" {
		base = Config{Region: region}.baseURL()
	}

	body := map[string]string{"email": email, "password": password}
	var data struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expires_in"`
	}
	err := c.send(ctx, nil, base, http.MethodPost, pathLogin, nil, body, &data)
	if err != nil {
		var apiErr APIError
		if errors.As(err, &apiErr) && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests {
			return nil, &retry.Error{Class: retry.ClassAuth, Err: fmt.Errorf("login: %w", err)}
		}
		return nil, fmt.Errorf("login: %w", err)
	}
	if data.Token == "" {
		return nil, &retry.Error{Class: retry.ClassAuth, Err: fmt.Errorf("login: empty session")}
	}

	token := &oauth2.Token{AccessToken: data.Token, TokenType: "Bearer"}
	if data.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(data.ExpiresIn) * time.Second)
	}
	return token, nil
}

func (c *Client) ListDevices(ctx context.Context) ([]DeviceStub, error) {
	var data []struct {
		DeviceKey   string `json:"device_key"`
		ProductKey  string `json:"product_key"`
		DeviceName  string `json:"device_name"`
		ProductName string `json:"product_name"`
		Online      any    `json:"online"`
	}
	if err := c.call(ctx, http.MethodGet, pathDevices, nil, nil, &data); err != nil {
		return nil, err
	}

	devices := make([]DeviceStub, 0, len(data))
	for _, device := range data {
		if device.DeviceKey == "" {
			continue
		}
		name := device.DeviceName
		if name == "" {
			name = device.ProductName
		}
		devices = append(devices, DeviceStub{
			ID:          device.DeviceKey,
			Model:       device.ProductKey,
			Name:        name,
			ProductName: device.ProductName,
			Online:      parseBool(device.Online),
		})
	}
	return devices, nil
}

func (c *Client) GetProperties(ctx context.Context, deviceID, model string) (Properties, error) {
	body := map[string]string{"device_key": deviceID, "product_key": model}
	var data map[string]any
	if err := c.call(ctx, http.MethodPost, pathProperties, nil, body, &data); err != nil {
		return nil, err
	}
	return normalizeProperties(data), nil
}

// SetProperty writes one property. A rejected write is returned as a
// validation-classified APIError along with the Ack.
func (c *Client) SetProperty(ctx context.Context, deviceID, model, code string, value any) (Ack, error) {
	body := map[string]any{
		"device_key":  deviceID,
		"product_key": model,
		"properties":  map[string]any{code: value},
	}
	var data struct {
		Success *bool  `json:"success"`
		Message string `json:"message"`
	}
	if err := c.call(ctx, http.MethodPost, pathSet, nil, body, &data); err != nil {
		return Ack{}, err
	}

	ack := Ack{Success: data.Success == nil || *data.Success, Message: data.Message}
	if !ack.Success {
		msg := ack.Message
		if msg == "" {
			msg = fmt.Sprintf("write of %s rejected", code)
		}
		return ack, &retry.Error{Class: retry.ClassValidation, Err: APIError{Msg: msg}}
	}
	return ack, nil
}

// GetSchema fetches the TSL property list of a product.
func (c *Client) GetSchema(ctx context.Context, model string) ([]PropertyDescriptor, error) {
	var data struct {
		Properties []struct {
			Code       string `json:"code"`
			Name       string `json:"name"`
			AccessMode string `json:"access_mode"`
			DataType   string `json:"data_type"`
		} `json:"properties"`
	}
	params := url.Values{"product_key": {model}}
	if err := c.call(ctx, http.MethodGet, pathTSL, params, nil, &data); err != nil {
		return nil, err
	}

	out := make([]PropertyDescriptor, 0, len(data.Properties))
	for _, prop := range data.Properties {
		if prop.Code == "" {
			continue
		}
		out = append(out, PropertyDescriptor{
			Code:       prop.Code,
			Name:       prop.Name,
			AccessMode: AccessMode(strings.ToLower(strings.TrimSpace(prop.AccessMode))),
			DataType:   strings.ToLower(strings.TrimSpace(prop.DataType)),
		})
	}
	return out, nil
}

// call sends an authenticated request. A rejected session triggers exactly
// one re-login and one resend.
func (c *Client) call(ctx context.Context, method, path string, params url.Values, body, out any) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	err = c.send(ctx, token, c.baseURL, method, path, params, body, out)
	if err == nil || !retry.IsAuth(err) {
		return err
	}

	c.log.Info("session rejected, logging in again", "path", path, "code", retry.CodeString(err))
	token, err = c.refresh(ctx, token)
	if err != nil {
		return err
	}
	err = c.send(ctx, token, c.baseURL, method, path, params, body, out)
	if err != nil && retry.IsAuth(err) {
		return &retry.Error{Class: retry.ClassAuth, Err: fmt.Errorf("%s after re-login: %w", path, err)}
	}
	return err
}

func (c *Client) ensureToken(ctx context.Context) (*oauth2.Token, error) {
	token := c.creds.Token()
	if token.Valid() {
		return token, nil
	}
	return c.refresh(ctx, token)
}

// refresh logs in again unless another caller already replaced stale.
// Concurrent callers share one login.
func (c *Client) refresh(ctx context.Context, stale *oauth2.Token) (*oauth2.Token, error) {
	if token, ok := c.creds.superseded(stale); ok {
		return token, nil
	}
	ch := c.creds.group.DoChan("login", func() (any, error) {
		if token, ok := c.creds.superseded(stale); ok {
			return token, nil
		}
		loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()
		token, err := c.Login(loginCtx, c.creds.Email, c.creds.Password, c.creds.Region)
		c.recordLogin(err)
		if err != nil {
			return nil, err
		}
		c.creds.setToken(token)
		c.log.V(1).Info("logged in", "region", string(c.creds.Region))
		return token, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	}
}

func (c *Client) send(ctx context.Context, token *oauth2.Token, base, method, path string, params url.Values, body, out any) error {
	reqURL, err := url.Parse(base + apiPrefix + strings.TrimPrefix(path, "/"))
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if params != nil {
		reqURL.RawQuery = params.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != nil {
		token.SetAuthHeader(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return APIError{Code: resp.StatusCode, Msg: strings.TrimSpace(string(raw))}
	}

	var wrapper struct {
		Code int             `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if wrapper.Code != 0 {
		return APIError{Code: wrapper.Code, Msg: wrapper.Msg}
	}
	if out == nil || len(wrapper.Data) == 0 || string(wrapper.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(wrapper.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

// normalizeProperties lowercases codes and folds xxx_hm into xxx. A bare
// code wins over its _hm twin.
func normalizeProperties(raw map[string]any) Properties {
	props := make(Properties, len(raw))
	for key, value := range raw {
		code := strings.ToLower(strings.TrimSpace(key))
		if strings.HasSuffix(code, hmSuffix) {
			continue
		}
		props[code] = value
	}
	for key, value := range raw {
		code := strings.ToLower(strings.TrimSpace(key))
		bare, ok := strings.CutSuffix(code, hmSuffix)
		if !ok || bare == "" {
			continue
		}
		if _, exists := props[bare]; !exists {
			props[bare] = value
		}
	}
	return props
}

func parseBool(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err == nil {
			return b
		}
		return strings.EqualFold(v, "online")
	default:
		return false
	}
}
