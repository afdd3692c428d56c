package beat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	xlog "github.com/bobarin/beatsync/internal/log"
	"github.com/bobarin/beatsync/internal/metrics"
	"github.com/bobarin/beatsync/internal/models"
)

// sharedDetectTimeout bounds a detection shared by several callers. It
// runs detached from any single caller's context.
const sharedDetectTimeout = 10 * time.Minute

// Key identifies a beat map: the same audio content analysed with the
// same method at the same fps always yields the same map.
type Key struct {
	ContentHash string
	Method      string
	FPS         int
}

func (k Key) String() string {
	return fmt.Sprintf("%s-%s-%d", k.ContentHash, k.Method, k.FPS)
}

// ObjectKey is where the beat map is persisted in object storage.
func (k Key) ObjectKey() string {
	return "cache/beatmaps/" + k.String() + ".json"
}

// Cache stores immutable beat maps. The first value stored under a key
// wins; later writers get the existing value back.
type Cache interface {
	Get(key Key) (*models.BeatMap, bool)
	PutIfAbsent(key Key, bm *models.BeatMap) *models.BeatMap
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	entries sync.Map // Key -> *models.BeatMap
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (c *MemoryCache) Get(key Key) (*models.BeatMap, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*models.BeatMap), true
}

func (c *MemoryCache) PutIfAbsent(key Key, bm *models.BeatMap) *models.BeatMap {
	v, _ := c.entries.LoadOrStore(key, bm)
	return v.(*models.BeatMap)
}

// BlobStore persists cache entries beyond the process lifetime.
type BlobStore interface {
	LoadBlob(ctx context.Context, key string) ([]byte, bool, error)
	SaveBlob(ctx context.Context, key string, data []byte, contentType string) error
}

// AudioLoader decodes the audio only when the beat map is not cached.
type AudioLoader func(ctx context.Context) (*models.AudioTrack, error)

// CachedDetector fronts a Detector with a Cache and an optional BlobStore.
// Concurrent requests for the same key share one computation.
type CachedDetector struct {
	detector Detector
	cache    Cache
	blobs    BlobStore
	group    singleflight.Group
	logger   zerolog.Logger
}

func NewCachedDetector(detector Detector, cache Cache, blobs BlobStore) *CachedDetector {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &CachedDetector{
		detector: detector,
		cache:    cache,
		blobs:    blobs,
		logger:   xlog.WithComponent("beat"),
	}
}

// Detect returns the beat map for key, computing it from load on a miss.
// The returned map is shared and must not be modified.
func (d *CachedDetector) Detect(ctx context.Context, key Key, load AudioLoader) (*models.BeatMap, error) {
	if bm, ok := d.cache.Get(key); ok {
		metrics.RecordBeatMapCache("hit")
		return bm, nil
	}

	ch := d.group.DoChan(key.String(), func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedDetectTimeout)
		defer cancel()

		if bm, ok := d.cache.Get(key); ok {
			return bm, nil
		}
		if bm := d.loadPersisted(ctx, key); bm != nil {
			metrics.RecordBeatMapCache("persisted")
			return d.cache.PutIfAbsent(key, bm), nil
		}

		metrics.RecordBeatMapCache("miss")
		audio, err := load(ctx)
		if err != nil {
			return nil, err
		}
		bm, err := d.detector.Detect(ctx, audio, key.Method, key.FPS)
		if err != nil {
			return nil, err
		}
		bm.ContentHash = key.ContentHash

		winner := d.cache.PutIfAbsent(key, bm)
		if winner == bm {
			d.persist(ctx, key, bm)
		}
		return winner, nil
	})

	// Each caller waits only as long as its own context allows.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.BeatMap), nil
	}
}

func (d *CachedDetector) loadPersisted(ctx context.Context, key Key) *models.BeatMap {
	if d.blobs == nil || key.ContentHash == "" {
		return nil
	}
	data, ok, err := d.blobs.LoadBlob(ctx, key.ObjectKey())
	if err != nil {
		logger := xlog.FromContext(ctx, d.logger)
		logger.Warn().Err(err).Str("key", key.ObjectKey()).Msg("beat map cache read failed")
		return nil
	}
	if !ok {
		return nil
	}
	var bm models.BeatMap
	if err := json.Unmarshal(data, &bm); err != nil {
		logger := xlog.FromContext(ctx, d.logger)
		logger.Warn().Err(err).Str("key", key.ObjectKey()).Msg("discarding unreadable cached beat map")
		return nil
	}
	return &bm
}

func (d *CachedDetector) persist(ctx context.Context, key Key, bm *models.BeatMap) {
	if d.blobs == nil || key.ContentHash == "" {
		return
	}
	data, err := json.Marshal(bm)
	if err != nil {
		return
	}
	if err := d.blobs.SaveBlob(ctx, key.ObjectKey(), data, "application/json"); err != nil {
		logger := xlog.FromContext(ctx, d.logger)
		logger.Warn().Err(err).Str("key", key.ObjectKey()).Msg("beat map cache write failed")
	}
}
