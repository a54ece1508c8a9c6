package registry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/lk2023060901/flock/pkg/database/redis"
	"github.com/lk2023060901/flock/pkg/idgen"
	"github.com/lk2023060901/flock/pkg/logger"
)

// 所有键共享 KeyPrefix 中的 hash tag，保证集群模式下脚本内的键落在同一 slot
//
//	<prefix>session:<id>   hash: address hostname registered_at last_activity（UnixMicro）
//	<prefix>sessions       zset: member=id score=last_activity
//	<prefix>addr:<address> 每个地址的会话计数
var (
	registerScript = goredis.NewScript(`
local max_total = tonumber(ARGV[5])
local max_addr = tonumber(ARGV[6])
if max_total > 0 and redis.call('ZCARD', KEYS[2]) >= max_total then
  return -1
end
if max_addr > 0 and tonumber(redis.call('GET', KEYS[3]) or '0') >= max_addr then
  return -1
end
redis.call('HSET', KEYS[1], 'address', ARGV[2], 'hostname', ARGV[3], 'registered_at', ARGV[4], 'last_activity', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
redis.call('INCR', KEYS[3])
return 1
`)

	touchScript = goredis.NewScript(`
local addr = redis.call('HGET', KEYS[1], 'address')
if not addr then
  return 0
end
if ARGV[4] == '1' and addr ~= ARGV[2] then
  return -1
end
local last = tonumber(redis.call('HGET', KEYS[1], 'last_activity'))
if tonumber(ARGV[3]) > last then
  redis.call('HSET', KEYS[1], 'last_activity', ARGV[3])
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
end
return 1
`)

	removeScript = goredis.NewScript(`
local h = redis.call('HMGET', KEYS[1], 'address', 'hostname', 'registered_at', 'last_activity')
if not h[1] then
  return {'missing'}
end
if ARGV[3] == '1' and h[1] ~= ARGV[2] then
  return {'mismatch'}
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
local ak = ARGV[4] .. 'addr:' .. h[1]
if redis.call('DECR', ak) <= 0 then
  redis.call('DEL', ak)
end
return {'ok', h[1], h[2] or '', h[3] or '0', h[4] or '0'}
`)

	sweepScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local out = {}
for _, id in ipairs(ids) do
  local hk = ARGV[2] .. 'session:' .. id
  local h = redis.call('HMGET', hk, 'address', 'hostname', 'registered_at', 'last_activity')
  redis.call('DEL', hk)
  redis.call('ZREM', KEYS[1], id)
  if h[1] then
    local ak = ARGV[2] .. 'addr:' .. h[1]
    if redis.call('DECR', ak) <= 0 then
      redis.call('DEL', ak)
    end
    table.insert(out, id)
    table.insert(out, h[1])
    table.insert(out, h[2] or '')
    table.insert(out, h[3] or '0')
    table.insert(out, h[4] or '0')
  end
end
return out
`)
)

// Redis 基于 Redis 的会话表，成员变化与刷新都在 Lua 脚本中原子完成
type Redis struct {
	cfg    *Config
	ids    idgen.Generator
	rdb    goredis.UniversalClient
	now    func() time.Time
	logger logger.Logger
}

var _ Registry = (*Redis)(nil)

// NewRedis 创建 Redis 会话表
func NewRedis(cfg *Config, ids idgen.Generator, c *redis.Client, l logger.Logger, opts ...Option) *Redis {
	o := buildOptions(opts)
	return &Redis{
		cfg:    cfg,
		ids:    ids,
		rdb:    c.Universal(),
		now:    o.now,
		logger: logger.OrNoop(l).Named("registry.redis"),
	}
}

func (r *Redis) sessionKey(id string) string { return r.cfg.KeyPrefix + "session:" + id }
func (r *Redis) indexKey() string           { return r.cfg.KeyPrefix + "sessions" }
func (r *Redis) addrKey(a string) string    { return r.cfg.KeyPrefix + "addr:" + a }

func (r *Redis) checkFlag() string {
	if r.cfg.SkipAddressCheck {
		return "0"
	}
	return "1"
}

func (r *Redis) IdleThreshold() time.Duration { return r.cfg.IdleThreshold }

func (r *Redis) Register(ctx context.Context, address, hostname string) (Session, error) {
	id, err := idgen.NextString(r.ids)
	if err != nil {
		return Session{}, err
	}
	now := r.now()
	micros := now.UnixMicro()

	res, err := registerScript.Run(ctx, r.rdb,
		[]string{r.sessionKey(id), r.indexKey(), r.addrKey(address)},
		id, address, hostname, micros, r.cfg.MaxSessions, r.cfg.MaxSessionsPerAddress,
	).Int()
	if err != nil {
		return Session{}, errors.Wrap(err, "registry: register")
	}
	if res < 0 {
		return Session{}, ErrSessionLimit
	}

	at := time.UnixMicro(micros)
	return Session{ID: id, Address: address, Hostname: hostname, RegisteredAt: at, LastActivity: at}, nil
}

func (r *Redis) Touch(ctx context.Context, id, address string) error {
	res, err := touchScript.Run(ctx, r.rdb,
		[]string{r.sessionKey(id), r.indexKey()},
		id, address, r.now().UnixMicro(), r.checkFlag(),
	).Int()
	if err != nil {
		return errors.Wrap(err, "registry: touch")
	}
	switch res {
	case 0:
		return ErrSessionNotFound
	case -1:
		return ErrAddressMismatch
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, id, address string) (Session, error) {
	res, err := removeScript.Run(ctx, r.rdb,
		[]string{r.sessionKey(id), r.indexKey()},
		id, address, r.checkFlag(), r.cfg.KeyPrefix,
	).StringSlice()
	if err != nil {
		return Session{}, errors.Wrap(err, "registry: remove")
	}
	switch {
	case len(res) == 0 || res[0] == "missing":
		return Session{}, ErrSessionNotFound
	case res[0] == "mismatch":
		return Session{}, ErrAddressMismatch
	}
	return parseSession(id, res[1:])
}

func (r *Redis) Get(ctx context.Context, id string) (Session, error) {
	vals, err := r.rdb.HMGet(ctx, r.sessionKey(id), "address", "hostname", "registered_at", "last_activity").Result()
	if err != nil {
		return Session{}, errors.Wrap(err, "registry: get")
	}
	return sessionFromHMGet(id, vals)
}

func (r *Redis) ListActive(ctx context.Context) ([]Entry, error) {
	ids, err := r.rdb.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "registry: list")
	}
	if len(ids) == 0 {
		return []Entry{}, nil
	}

	cmds := make([]*goredis.SliceCmd, len(ids))
	_, err = r.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HMGet(ctx, r.sessionKey(id), "address", "hostname", "registered_at", "last_activity")
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "registry: list")
	}

	now := r.now()
	out := make([]Entry, 0, len(ids))
	for i, id := range ids {
		s, err := sessionFromHMGet(id, cmds[i].Val())
		if err != nil {
			// 列表与哈希之间被并发移除
			continue
		}
		out = append(out, entryFor(s, now, r.cfg.IdleThreshold))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RegisteredAt.Before(out[j].RegisteredAt) ||
			(out[i].RegisteredAt.Equal(out[j].RegisteredAt) && out[i].ID < out[j].ID)
	})
	return out, nil
}

func (r *Redis) Sweep(ctx context.Context, now time.Time) ([]Session, error) {
	cutoff := now.Add(-r.cfg.IdleThreshold).UnixMicro()
	res, err := sweepScript.Run(ctx, r.rdb, []string{r.indexKey()}, cutoff, r.cfg.KeyPrefix).StringSlice()
	if err != nil {
		return nil, errors.Wrap(err, "registry: sweep")
	}

	removed := make([]Session, 0, len(res)/5)
	for i := 0; i+5 <= len(res); i += 5 {
		s, err := parseSession(res[i], res[i+1:i+5])
		if err != nil {
			r.logger.Warn("malformed swept session", "id", res[i], "error", err)
			continue
		}
		removed = append(removed, s)
	}
	if len(removed) > 0 {
		r.logger.Info("swept idle sessions", "count", len(removed))
	}
	return removed, nil
}

func (r *Redis) Count(ctx context.Context) (int, error) {
	n, err := r.rdb.ZCard(ctx, r.indexKey()).Result()
	if err != nil {
		return 0, errors.Wrap(err, "registry: count")
	}
	return int(n), nil
}

// parseSession fields: address hostname registered_at last_activity
func parseSession(id string, fields []string) (Session, error) {
	if len(fields) != 4 {
		return Session{}, fmt.Errorf("registry: expected 4 fields, got %d", len(fields))
	}
	reg, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Session{}, errors.Wrap(err, "registry: registered_at")
	}
	last, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return Session{}, errors.Wrap(err, "registry: last_activity")
	}
	return Session{
		ID:           id,
		Address:      fields[0],
		Hostname:     fields[1],
		RegisteredAt: time.UnixMicro(reg),
		LastActivity: time.UnixMicro(last),
	}, nil
}

func sessionFromHMGet(id string, vals []interface{}) (Session, error) {
	if len(vals) != 4 || vals[0] == nil {
		return Session{}, ErrSessionNotFound
	}
	fields := make([]string, 4)
	for i, v := range vals {
		if s, ok := v.(string); ok {
			fields[i] = s
		}
	}
	return parseSession(id, fields)
}
