package repo

import (
	"encoding/json"
	"fmt"

	"github.com/shaiso/flowq/internal/domain"
)

// EncodeJSON сериализует значение для JSON-колонки. nil даёт NULL.
func EncodeJSON(v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(x) == 0 {
			return nil, nil
		}
		return x, nil
	case map[string]any:
		if x == nil {
			return nil, nil
		}
	case *domain.FlowValue:
		if x == nil {
			return nil, nil
		}
	case *domain.FlowStatus:
		if x == nil {
			return nil, nil
		}
	case *domain.ConcurrencySettings:
		if x == nil {
			return nil, nil
		}
	case *domain.DebounceSettings:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	return b, nil
}

// DecodeJSON разбирает JSON-колонку. Пустое значение оставляет dst как есть.
func DecodeJSON(data []byte, dst any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshal %T: %w", dst, err)
	}
	return nil
}

// JobJSON — JSON-колонки задания.
type JobJSON struct {
	Args, RawFlow, FlowStatus []byte
}

// EncodeJobJSON сериализует JSON-колонки задания.
func EncodeJobJSON(j *domain.Job) (JobJSON, error) {
	var out JobJSON
	var err error
	if out.Args, err = EncodeJSON(j.Args); err != nil {
		return out, err
	}
	if out.RawFlow, err = EncodeJSON(j.RawFlow); err != nil {
		return out, err
	}
	if out.FlowStatus, err = EncodeJSON(j.FlowStatus); err != nil {
		return out, err
	}
	return out, nil
}

func (c JobJSON) Decode(j *domain.Job) error {
	if err := DecodeJSON(c.Args, &j.Args); err != nil {
		return err
	}
	if len(c.RawFlow) > 0 && string(c.RawFlow) != "null" {
		j.RawFlow = &domain.FlowValue{}
		if err := DecodeJSON(c.RawFlow, j.RawFlow); err != nil {
			return err
		}
	}
	if len(c.FlowStatus) > 0 && string(c.FlowStatus) != "null" {
		j.FlowStatus = &domain.FlowStatus{}
		if err := DecodeJSON(c.FlowStatus, j.FlowStatus); err != nil {
			return err
		}
	}
	return nil
}

// JobLimits — колонки concurrency и cache задания.
type JobLimits struct {
	ConcurrencyKey    string
	ConcurrentLimit   int
	ConcurrencyWindow int
	CacheKey          string
	CacheTTL          int
}

// LimitsOf извлекает колонки ограничений задания.
func LimitsOf(j *domain.Job) JobLimits {
	var l JobLimits
	if c := j.Concurrency; c != nil {
		l.ConcurrencyKey, l.ConcurrentLimit, l.ConcurrencyWindow = c.Key, c.Limit, c.WindowSec
	}
	if c := j.Cache; c != nil {
		l.CacheKey, l.CacheTTL = c.Key, c.TTLSec
	}
	return l
}

func (l JobLimits) Apply(j *domain.Job) {
	if l.ConcurrencyKey != "" {
		j.Concurrency = &domain.ConcurrencySettings{
			Key:       l.ConcurrencyKey,
			Limit:     l.ConcurrentLimit,
			WindowSec: l.ConcurrencyWindow,
		}
	}
	if l.CacheKey != "" {
		j.Cache = &domain.CacheSettings{Key: l.CacheKey, TTLSec: l.CacheTTL}
	}
}

// BucketJSON — JSON-колонки debounce bucket.
type BucketJSON struct {
	SeedArgs, AccumulateFields, Accumulated, TriggerIDs, Job []byte
}

// EncodeBucketJSON сериализует JSON-колонки bucket.
func EncodeBucketJSON(b *domain.DebounceBucket) (BucketJSON, error) {
	var out BucketJSON
	var err error
	if out.SeedArgs, err = EncodeJSON(b.SeedArgs); err != nil {
		return out, err
	}
	if out.AccumulateFields, err = EncodeJSON(b.AccumulateFields); err != nil {
		return out, err
	}
	if out.Accumulated, err = EncodeJSON(b.Accumulated); err != nil {
		return out, err
	}
	if out.TriggerIDs, err = EncodeJSON(b.TriggerIDs); err != nil {
		return out, err
	}
	if out.Job, err = EncodeJSON(b.Job); err != nil {
		return out, err
	}
	return out, nil
}

func (c BucketJSON) Decode(b *domain.DebounceBucket) error {
	for _, f := range []struct {
		data []byte
		dst  any
	}{
		{c.SeedArgs, &b.SeedArgs},
		{c.AccumulateFields, &b.AccumulateFields},
		{c.Accumulated, &b.Accumulated},
		{c.TriggerIDs, &b.TriggerIDs},
		{c.Job, &b.Job},
	} {
		if err := DecodeJSON(f.data, f.dst); err != nil {
			return err
		}
	}
	return nil
}
