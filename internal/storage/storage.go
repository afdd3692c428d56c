// Package storage moves job inputs and outputs between object storage and
// the worker's local disk.
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"time"
)

// ErrNotFound is returned by backends when a key does not exist.
var ErrNotFound = errors.New("object not found")

// Backend is an object store. Keys are slash-separated and relative to
// the bucket root.
type Backend interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Move(ctx context.Context, from, to string) error
	Delete(ctx context.Context, keys ...string) error
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Key prefixes.
const (
	PrefixInputs   = "inputs"
	PrefixOutputs  = "outputs"
	PrefixCache    = "cache"
	PrefixTemp     = "temp"
	PrefixBeatMaps = "cache/beatmaps"
)

func InputKey(jobID, name string) string  { return path.Join(PrefixInputs, jobID, name) }
func OutputKey(jobID, name string) string { return path.Join(PrefixOutputs, jobID, name) }
func TempKey(jobID, name string) string   { return path.Join(PrefixTemp, jobID, name) }

// LifecycleRule describes how long objects under a prefix live.
type LifecycleRule struct {
	Prefix      string        `json:"prefix"`
	DeleteAfter time.Duration `json:"delete_after,omitempty"`
	ColdAfter   time.Duration `json:"cold_after,omitempty"`
	Description string        `json:"description"`
}

// DefaultLifecycle is the bucket policy deployments are expected to apply.
// Enforcement belongs to the bucket, not to this process.
var DefaultLifecycle = []LifecycleRule{
	{Prefix: PrefixTemp + "/", DeleteAfter: 7 * 24 * time.Hour, Description: "scratch files of finished jobs"},
	{Prefix: PrefixInputs + "/", DeleteAfter: 30 * 24 * time.Hour, Description: "uploaded audio and video"},
	{Prefix: PrefixOutputs + "/", ColdAfter: 7 * 24 * time.Hour, Description: "rendered videos"},
}
