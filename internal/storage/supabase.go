package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	xlog "github.com/bobarin/beatsync/internal/log"
	"github.com/bobarin/beatsync/internal/metrics"
	"github.com/bobarin/beatsync/internal/retry"
)

const (
	// Upload timeout per attempt, generous for rendered videos
	uploadTimeout = 180 * time.Second

	// Download timeout per attempt
	downloadTimeout = 120 * time.Second

	// Metadata calls (sign, move, delete)
	apiTimeout = 30 * time.Second
)

// Supabase stores objects in a Supabase Storage bucket over its REST API.
type Supabase struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
	policy     retry.Policy
	logger     zerolog.Logger
}

func NewSupabase(url, serviceKey, bucket string, policy retry.Policy) *Supabase {
	return &Supabase{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		policy: policy,
		logger: xlog.WithComponent("storage"),
	}
}

// do runs one API call under the retry policy. build creates a fresh
// request per attempt; handle consumes a successful response.
func (s *Supabase) do(ctx context.Context, op, key string, timeout time.Duration, build func(ctx context.Context) (*http.Request, error), handle func(resp *http.Response) error) error {
	attempt := 0
	return retry.Do(ctx, s.policy, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			metrics.RecordStorageRetry(op)
			s.logger.Warn().Str("op", op).Str("key", key).Int("attempt", attempt).Msg("retrying storage call")
		}

		// Each attempt gets its own timeout, bounded by the caller's ctx
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := build(attemptCtx)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to %s %s: %w", op, key, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return ErrNotFound
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(string(body)), "not_found") {
				return ErrNotFound
			}
			return &retry.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		}
		if handle != nil {
			return handle(resp)
		}
		return nil
	})
}

func (s *Supabase) objectURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, key)
}

// Upload uses PUT with Content-Length and x-upsert for reliable large file uploads.
func (s *Supabase) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	return s.do(ctx, "upload", key, uploadTimeout, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.objectURL(key), bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("x-upsert", "true")
		req.ContentLength = int64(len(data))
		return req, nil
	}, nil)
}

// Download buffers the object so a failed read can be retried as a whole.
func (s *Supabase) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	var data []byte
	err := s.do(ctx, "download", key, downloadTimeout, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(key), nil)
	}, func(resp *http.Response) error {
		var err error
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read download body: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Supabase) Move(ctx context.Context, from, to string) error {
	payload, err := json.Marshal(map[string]string{
		"bucketId":       s.Bucket,
		"sourceKey":      from,
		"destinationKey": to,
	})
	if err != nil {
		return err
	}
	return s.do(ctx, "move", from, apiTimeout, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/storage/v1/object/move", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, nil)
}

func (s *Supabase) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	payload, err := json.Marshal(map[string][]string{"prefixes": keys})
	if err != nil {
		return err
	}
	err = s.do(ctx, "delete", keys[0], apiTimeout, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("%s/storage/v1/object/%s", s.url, s.Bucket), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// SignedURL creates a signed URL for temporary access.
func (s *Supabase) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	payload := fmt.Sprintf(`{"expiresIn": %d}`, int(ttl.Seconds()))

	var result struct {
		SignedURL string `json:"signedURL"`
	}
	err := s.do(ctx, "sign", key, apiTimeout, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", s.url, s.Bucket, key), strings.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, func(resp *http.Response) error {
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("failed to parse signed URL response: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return s.url + "/storage/v1" + result.SignedURL, nil
}
