// Package kvstore implements the key/value store contract (§6): a
// separable dependency exposing get/set/batch_set/subscribe, with
// at-least read-after-write consistency within a single cycle's writes.
// It is the Engine and Tester's sole persistence boundary — there is no
// SQL layer in this repository (§1's scope explicitly carves the store
// implementation out as an external collaborator; the three clients here
// are the interchangeable implementations an operator picks between).
//
// Grounded on internal/database/types.go's Connect/Transaction pattern for
// the retry-with-backoff shape (the teacher retries transient database
// errors; this package retries transient store errors the same way) and
// on notification/clients.go's *http.Client wrapping for the HTTP-backed
// implementation, replaced with resty. Retries go through this package's
// own retrying helper; resty's retry hooks are not used.
package kvstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-resty/resty/v2"
	"github.com/patrickmn/go-cache"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/aegisshield/sentinel/internal/errs"
	"github.com/aegisshield/sentinel/internal/model"
)

// Store is the contract every cycle-loop and scenario-runner dependency on
// the key/value store goes through.
type Store interface {
	Get(ctx context.Context, key model.Key) (model.Value, error)
	Set(ctx context.Context, key model.Key, value model.Value) error
	BatchSet(ctx context.Context, values map[model.Key]model.Value) error
	// Subscribe is optional (§6: "used only for reporting"); implementations
	// that lack a native pub/sub mechanism return ErrSubscribeUnsupported.
	Subscribe(ctx context.Context, keyPattern string) (<-chan model.Key, error)
}

var ErrSubscribeUnsupported = fmt.Errorf("kvstore: subscribe not supported by this backend")

// retrying wraps an operation with exponential backoff for StoreError,
// bounded by maxRetries, pacing every attempt through limiter (§4.9's
// timeout/rate configuration surfaces, §7's StoreError recovery: "retried
// with exponential backoff within the cycle's budget").
func retrying(ctx context.Context, limiter *rate.Limiter, maxRetries int, baseDelay time.Duration, op string, key string, fn func() error) error {
	var lastErr error
	delay := baseDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return errs.NewStoreError(op, key, err)
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == maxRetries {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return errs.NewStoreError(op, key, ctx.Err())
		}
		delay *= 2
	}
	return errs.NewStoreError(op, key, lastErr)
}

func encodeValue(v model.Value) string {
	switch v.Kind() {
	case model.KindAbsent:
		return ""
	case model.KindNumber:
		f, _ := v.AsNumber()
		return "n:" + strconv.FormatFloat(f, 'g', -1, 64)
	case model.KindBool:
		b, _ := v.AsBool()
		return "b:" + strconv.FormatBool(b)
	case model.KindString:
		s, _ := v.AsString()
		return "s:" + s
	}
	return ""
}

func decodeValue(raw string) model.Value {
	if raw == "" {
		return model.AbsentValue
	}
	tag, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return model.String(raw)
	}
	switch tag {
	case "n":
		f, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			return model.AbsentValue
		}
		return model.Number(f)
	case "b":
		b, err := strconv.ParseBool(rest)
		if err != nil {
			return model.AbsentValue
		}
		return model.Bool(b)
	case "s":
		return model.String(rest)
	}
	return model.String(raw)
}

// --- in-memory store -------------------------------------------------

// MemoryStore is a process-local Store backed by go-cache, used for
// single-process Engine runs and tests. No TTL: outputs live as long as
// the store retains them (§3's Lifecycles).
type MemoryStore struct {
	cache *cache.Cache
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cache: cache.New(cache.NoExpiration, 10*time.Minute)}
}

func (m *MemoryStore) Get(ctx context.Context, key model.Key) (model.Value, error) {
	if v, ok := m.cache.Get(string(key)); ok {
		return v.(model.Value), nil
	}
	return model.AbsentValue, nil
}

func (m *MemoryStore) Set(ctx context.Context, key model.Key, value model.Value) error {
	m.cache.Set(string(key), value, cache.NoExpiration)
	return nil
}

func (m *MemoryStore) BatchSet(ctx context.Context, values map[model.Key]model.Value) error {
	for k, v := range values {
		m.cache.Set(string(k), v, cache.NoExpiration)
	}
	return nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, keyPattern string) (<-chan model.Key, error) {
	return nil, ErrSubscribeUnsupported
}

// --- Redis-backed store ------------------------------------------------

// RedisStore is a Store backed by Redis, for multi-process Engine/Tester
// deployments sharing one store.
type RedisStore struct {
	client     *redis.Client
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
}

type RedisOptions struct {
	Addr            string
	DB              int
	RateLimitPerSec float64
	MaxRetries      int
	BaseDelay       time.Duration
}

func NewRedisStore(opts RedisOptions) *RedisStore {
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, DB: opts.DB})
	var limiter *rate.Limiter
	if opts.RateLimitPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitPerSec), int(opts.RateLimitPerSec)+1)
	}
	return &RedisStore{client: client, limiter: limiter, maxRetries: opts.MaxRetries, baseDelay: opts.BaseDelay}
}

func (r *RedisStore) Get(ctx context.Context, key model.Key) (model.Value, error) {
	var result model.Value
	err := retrying(ctx, r.limiter, r.maxRetries, r.baseDelay, "get", string(key), func() error {
		raw, err := r.client.Get(ctx, string(key)).Result()
		if err == redis.Nil {
			result = model.AbsentValue
			return nil
		}
		if err != nil {
			return err
		}
		result = decodeValue(raw)
		return nil
	})
	return result, err
}

func (r *RedisStore) Set(ctx context.Context, key model.Key, value model.Value) error {
	return retrying(ctx, r.limiter, r.maxRetries, r.baseDelay, "set", string(key), func() error {
		return r.client.Set(ctx, string(key), encodeValue(value), 0).Err()
	})
}

func (r *RedisStore) BatchSet(ctx context.Context, values map[model.Key]model.Value) error {
	return retrying(ctx, r.limiter, r.maxRetries, r.baseDelay, "batch_set", "", func() error {
		pipe := r.client.Pipeline()
		for k, v := range values {
			pipe.Set(ctx, string(k), encodeValue(v), 0)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (r *RedisStore) Subscribe(ctx context.Context, keyPattern string) (<-chan model.Key, error) {
	sub := r.client.PSubscribe(ctx, keyPattern)
	ch := make(chan model.Key)
	go func() {
		defer close(ch)
		for msg := range sub.Channel() {
			select {
			case ch <- model.Key(msg.Channel):
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// --- HTTP-backed store ---------------------------------------------------

// HTTPStore speaks to a remote key/value store over HTTP via resty,
// decoding responses with gjson so a missing or malformed "value" field
// degrades to Absent rather than failing the whole Get.
type HTTPStore struct {
	client     *resty.Client
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
}

type HTTPOptions struct {
	BaseURL         string
	TimeoutMs       int64
	RateLimitPerSec float64
	MaxRetries      int
	BaseDelay       time.Duration
}

func NewHTTPStore(opts HTTPOptions) *HTTPStore {
	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(time.Duration(opts.TimeoutMs) * time.Millisecond)
	var limiter *rate.Limiter
	if opts.RateLimitPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitPerSec), int(opts.RateLimitPerSec)+1)
	}
	return &HTTPStore{client: client, limiter: limiter, maxRetries: opts.MaxRetries, baseDelay: opts.BaseDelay}
}

func (h *HTTPStore) Get(ctx context.Context, key model.Key) (model.Value, error) {
	var result model.Value
	err := retrying(ctx, h.limiter, h.maxRetries, h.baseDelay, "get", string(key), func() error {
		resp, err := h.client.R().SetContext(ctx).SetQueryParam("key", string(key)).Get("/kv")
		if err != nil {
			return err
		}
		if resp.StatusCode() == 404 {
			result = model.AbsentValue
			return nil
		}
		if resp.IsError() {
			return fmt.Errorf("store returned status %d", resp.StatusCode())
		}
		result = decodeJSONValue(resp.Body())
		return nil
	})
	return result, err
}

func (h *HTTPStore) Set(ctx context.Context, key model.Key, value model.Value) error {
	return retrying(ctx, h.limiter, h.maxRetries, h.baseDelay, "set", string(key), func() error {
		resp, err := h.client.R().SetContext(ctx).SetBody(encodeJSONValue(key, value)).Put("/kv")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("store returned status %d", resp.StatusCode())
		}
		return nil
	})
}

func (h *HTTPStore) BatchSet(ctx context.Context, values map[model.Key]model.Value) error {
	return retrying(ctx, h.limiter, h.maxRetries, h.baseDelay, "batch_set", "", func() error {
		entries := make([]map[string]interface{}, 0, len(values))
		for k, v := range values {
			entries = append(entries, encodeJSONValue(k, v))
		}
		resp, err := h.client.R().SetContext(ctx).SetBody(map[string]interface{}{"entries": entries}).Post("/kv/batch")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("store returned status %d", resp.StatusCode())
		}
		return nil
	})
}

func (h *HTTPStore) Subscribe(ctx context.Context, keyPattern string) (<-chan model.Key, error) {
	return nil, ErrSubscribeUnsupported
}

func encodeJSONValue(key model.Key, v model.Value) map[string]interface{} {
	entry := map[string]interface{}{"key": string(key)}
	switch v.Kind() {
	case model.KindAbsent:
		entry["absent"] = true
	case model.KindNumber:
		f, _ := v.AsNumber()
		entry["type"] = "number"
		entry["value"] = f
	case model.KindBool:
		b, _ := v.AsBool()
		entry["type"] = "boolean"
		entry["value"] = b
	case model.KindString:
		s, _ := v.AsString()
		entry["type"] = "string"
		entry["value"] = s
	}
	return entry
}

func decodeJSONValue(body []byte) model.Value {
	if !gjson.ValidBytes(body) {
		return model.AbsentValue
	}
	result := gjson.ParseBytes(body)
	if result.Get("absent").Bool() {
		return model.AbsentValue
	}
	switch result.Get("type").String() {
	case "number":
		return model.Number(result.Get("value").Float())
	case "boolean":
		return model.Bool(result.Get("value").Bool())
	case "string":
		return model.String(result.Get("value").String())
	}
	return model.AbsentValue
}
