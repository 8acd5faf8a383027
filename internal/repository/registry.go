package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"MetaCore/internal/domain/models"
	domrepo "MetaCore/internal/domain/repository"
	pkghttp "MetaCore/pkg/http"
	applogger "MetaCore/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// parseKeys turns EXCHANGE:SYMBOL strings into instruments, dropping bad ones.
func parseKeys(keys []string, l *applogger.Logger) []models.Instrument {
	out := make([]models.Instrument, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		inst, err := models.ParseInstrumentKey(k)
		if err != nil {
			l.Warn("skipping malformed instrument", applogger.String("key", k), applogger.Error(err))
			continue
		}
		if _, dup := seen[inst.Key()]; dup {
			continue
		}
		seen[inst.Key()] = struct{}{}
		out = append(out, inst)
	}
	return out
}

// StaticRegistry serves a fixed list from configuration.
type StaticRegistry struct {
	instruments []models.Instrument
}

func NewStaticRegistry(keys []string, l *applogger.Logger) *StaticRegistry {
	if l == nil {
		l = applogger.NewNop()
	}
	return &StaticRegistry{instruments: parseKeys(keys, l)}
}

var _ domrepo.InstrumentRegistry = (*StaticRegistry)(nil)

func (r *StaticRegistry) ListInstruments(context.Context) ([]models.Instrument, error) {
	return append([]models.Instrument(nil), r.instruments...), nil
}

// RedisRegistry reads members of a Redis set, one EXCHANGE:SYMBOL each.
type RedisRegistry struct {
	rdb redis.UniversalClient
	key string
	l   *applogger.Logger
}

func NewRedisRegistry(rdb redis.UniversalClient, key string, l *applogger.Logger) *RedisRegistry {
	if l == nil {
		l = applogger.NewNop()
	}
	return &RedisRegistry{rdb: rdb, key: key, l: l}
}

var _ domrepo.InstrumentRegistry = (*RedisRegistry)(nil)

func (r *RedisRegistry) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	members, err := r.rdb.SMembers(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", r.key, err)
	}
	return parseKeys(members, r.l), nil
}

// Add registers instruments in the set.
func (r *RedisRegistry) Add(ctx context.Context, items ...models.Instrument) error {
	if len(items) == 0 {
		return nil
	}
	members := make([]interface{}, 0, len(items))
	for _, it := range items {
		members = append(members, it.Key())
	}
	return r.rdb.SAdd(ctx, r.key, members...).Err()
}

// Remove unregisters instruments.
func (r *RedisRegistry) Remove(ctx context.Context, items ...models.Instrument) error {
	if len(items) == 0 {
		return nil
	}
	members := make([]interface{}, 0, len(items))
	for _, it := range items {
		members = append(members, it.Key())
	}
	return r.rdb.SRem(ctx, r.key, members...).Err()
}

// HTTPRegistry fetches the asset list from an external service. It accepts a
// bare JSON array or an envelope with the array under "data".
type HTTPRegistry struct {
	client *pkghttp.Client
	url    string
	token  string
	l      *applogger.Logger
}

func NewHTTPRegistry(client *pkghttp.Client, url, token string, l *applogger.Logger) *HTTPRegistry {
	if l == nil {
		l = applogger.NewNop()
	}
	return &HTTPRegistry{client: client, url: url, token: token, l: l}
}

var _ domrepo.InstrumentRegistry = (*HTTPRegistry)(nil)

func (r *HTTPRegistry) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	var headers map[string]string
	if r.token != "" {
		headers = map[string]string{"Authorization": "Bearer " + r.token}
	}
	body, err := r.client.Get(ctx, r.url, nil, headers)
	if err != nil {
		return nil, fmt.Errorf("fetch instruments: %w", err)
	}

	var assets []models.Instrument
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(body, &assets); err != nil {
			return nil, fmt.Errorf("decode instruments: %w", err)
		}
	} else {
		var env struct {
			Data []models.Instrument `json:"data"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("decode instruments: %w", err)
		}
		assets = env.Data
	}

	keys := make([]string, 0, len(assets))
	for _, a := range assets {
		keys = append(keys, a.Exchange+":"+a.Symbol)
	}
	return parseKeys(keys, r.l), nil
}
