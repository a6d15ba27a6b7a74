package graph

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type VideoStatus string

const (
	VideoReady      VideoStatus = "ready"
	VideoProcessing VideoStatus = "processing"
	VideoUploading  VideoStatus = "uploading"
	VideoError      VideoStatus = "error"
)

// Credentials authenticate every call made on behalf of one client request.
type Credentials struct {
	AppID       string `json:"app_id"`
	AppSecret   string `json:"app_secret"`
	AccessToken string `json:"access_token"`
}

// Client is the subset of the marketing API the launcher drives.
type Client interface {
	CreateCampaign(ctx context.Context, accountID string, p CampaignParams) (string, error)
	CreateAdSet(ctx context.Context, accountID string, p AdSetParams) (string, error)
	CreateCreative(ctx context.Context, accountID string, p CreativeParams) (string, error)
	CreateAd(ctx context.Context, accountID string, p AdParams) (string, error)
	UploadImage(ctx context.Context, accountID, path string) (string, error)
	UploadVideo(ctx context.Context, accountID, path string) (string, error)
	GetVideoStatus(ctx context.Context, videoID string) (VideoStatus, error)
	GetAccountTimezone(ctx context.Context, accountID string) (string, error)
	GetCampaign(ctx context.Context, campaignID string) (Campaign, error)
}

// Factory builds a Client for one set of credentials.
type Factory func(creds Credentials) Client

type Options struct {
	BaseURL    string
	VideoURL   string
	Version    string
	HTTPClient *http.Client
}

// HTTPClient talks to the Graph API over HTTPS.
type HTTPClient struct {
	creds    Credentials
	baseURL  string
	videoURL string
	http     *http.Client
}

func NewHTTPClient(creds Credentials, opts Options) *HTTPClient {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://graph.facebook.com"
	}
	if opts.VideoURL == "" {
		opts.VideoURL = "https://graph-video.facebook.com"
	}
	if opts.Version == "" {
		opts.Version = "v19.0"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPClient{
		creds:    creds,
		baseURL:  strings.TrimSuffix(opts.BaseURL, "/") + "/" + opts.Version,
		videoURL: strings.TrimSuffix(opts.VideoURL, "/") + "/" + opts.Version,
		http:     opts.HTTPClient,
	}
}

// NewFactory returns a Factory producing HTTPClients that share opts.
func NewFactory(opts Options) Factory {
	return func(creds Credentials) Client {
		return NewHTTPClient(creds, opts)
	}
}

// AccountPath normalizes an ad account id to its act_ form.
func AccountPath(accountID string) string {
	if strings.HasPrefix(accountID, "act_") {
		return accountID
	}
	return "act_" + accountID
}

func (c *HTTPClient) CreateCampaign(ctx context.Context, accountID string, p CampaignParams) (string, error) {
	return c.create(ctx, AccountPath(accountID)+"/campaigns", p)
}

func (c *HTTPClient) CreateAdSet(ctx context.Context, accountID string, p AdSetParams) (string, error) {
	return c.create(ctx, AccountPath(accountID)+"/adsets", p)
}

func (c *HTTPClient) CreateCreative(ctx context.Context, accountID string, p CreativeParams) (string, error) {
	return c.create(ctx, AccountPath(accountID)+"/adcreatives", p)
}

func (c *HTTPClient) CreateAd(ctx context.Context, accountID string, p AdParams) (string, error) {
	return c.create(ctx, AccountPath(accountID)+"/ads", p)
}

func (c *HTTPClient) UploadImage(ctx context.Context, accountID, path string) (string, error) {
	var out struct {
		Images map[string]struct {
			Hash string `json:"hash"`
		} `json:"images"`
	}
	endpoint := c.baseURL + "/" + AccountPath(accountID) + "/adimages"
	if err := c.upload(ctx, endpoint, "filename", path, &out); err != nil {
		return "", err
	}
	for _, img := range out.Images {
		if img.Hash != "" {
			return img.Hash, nil
		}
	}
	return "", fmt.Errorf("image upload response for %s has no hash", filepath.Base(path))
}

func (c *HTTPClient) UploadVideo(ctx context.Context, accountID, path string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	endpoint := c.videoURL + "/" + AccountPath(accountID) + "/advideos"
	if err := c.upload(ctx, endpoint, "source", path, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("video upload response for %s has no id", filepath.Base(path))
	}
	return out.ID, nil
}

func (c *HTTPClient) GetVideoStatus(ctx context.Context, videoID string) (VideoStatus, error) {
	var out struct {
		Status struct {
			VideoStatus VideoStatus `json:"video_status"`
		} `json:"status"`
	}
	if err := c.get(ctx, c.videoURL+"/"+videoID, "status", &out); err != nil {
		return "", err
	}
	return out.Status.VideoStatus, nil
}

func (c *HTTPClient) GetAccountTimezone(ctx context.Context, accountID string) (string, error) {
	var out struct {
		TimezoneName string `json:"timezone_name"`
	}
	if err := c.get(ctx, c.baseURL+"/"+AccountPath(accountID), "timezone_name", &out); err != nil {
		return "", err
	}
	if out.TimezoneName == "" {
		return "", fmt.Errorf("account %s has no timezone", accountID)
	}
	return out.TimezoneName, nil
}

func (c *HTTPClient) GetCampaign(ctx context.Context, campaignID string) (Campaign, error) {
	var out Campaign
	fields := "name,effective_status,daily_budget,lifetime_budget,objective"
	if err := c.get(ctx, c.baseURL+"/"+campaignID, fields, &out); err != nil {
		return Campaign{}, err
	}
	return out, nil
}

func (c *HTTPClient) create(ctx context.Context, path string, params any) (string, error) {
	form, err := EncodeParams(params)
	if err != nil {
		return "", err
	}
	c.authorize(form)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+path, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("create %s: response has no id", path)
	}
	return out.ID, nil
}

func (c *HTTPClient) get(ctx context.Context, endpoint, fields string, out any) error {
	q := url.Values{}
	q.Set("fields", fields)
	c.authorize(q)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// upload streams the file at path as a multipart form part named field.
func (c *HTTPClient) upload(ctx context.Context, endpoint, field, path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		auth := url.Values{}
		c.authorize(auth)
		for k := range auth {
			if err := mw.WriteField(k, auth.Get(k)); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		part, err := mw.CreateFormFile(field, filepath.Base(path))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		pr.Close()
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	err = c.do(req, out)
	pr.Close()
	return err
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return redactURL(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if apiErr := ParseError(resp.StatusCode, body); apiErr != nil {
		return apiErr
	}
	if resp.StatusCode >= 300 {
		return &APIError{HTTPStatus: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// redactURL drops the query string, which carries the access token, from
// transport errors.
func redactURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		if i := strings.IndexByte(uerr.URL, '?'); i >= 0 {
			uerr.URL = uerr.URL[:i]
		}
	}
	return err
}

func (c *HTTPClient) authorize(v url.Values) {
	v.Set("access_token", c.creds.AccessToken)
	if c.creds.AppSecret != "" {
		mac := hmac.New(sha256.New, []byte(c.creds.AppSecret))
		mac.Write([]byte(c.creds.AccessToken))
		v.Set("appsecret_proof", hex.EncodeToString(mac.Sum(nil)))
	}
}

// EncodeParams flattens a parameter record into form values: strings are
// sent as is, everything else (numbers, objects, arrays) as JSON text.
func EncodeParams(params any) (url.Values, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	form := url.Values{}
	for k, v := range fields {
		if len(v) > 0 && v[0] == '"' {
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return nil, fmt.Errorf("encode param %s: %w", k, err)
			}
			form.Set(k, s)
			continue
		}
		form.Set(k, string(bytes.TrimSpace(v)))
	}
	return form, nil
}
