package messagelog

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/lk2023060901/flock/pkg/database/redis"
	"github.com/lk2023060901/flock/pkg/logger"
	"github.com/lk2023060901/flock/pkg/protocol"
)

//	<prefix>msg:seq   序号计数器
//	<prefix>msg:ids   zset: member=score=id
//	<prefix>msg:<id>  hash: sender body scope target created_at（UnixMicro）
//
// 编号与写入在同一脚本内完成，Since 看不到已编号但未写入的消息
var appendScript = goredis.NewScript(`
local id = redis.call('INCR', KEYS[1])
local hk = ARGV[6] .. 'msg:' .. id
redis.call('HSET', hk, 'sender', ARGV[1], 'body', ARGV[2], 'scope', ARGV[3], 'target', ARGV[4], 'created_at', ARGV[5])
redis.call('ZADD', KEYS[2], id, id)
return id
`)

// Redis 基于 Redis 的消息日志
type Redis struct {
	prefix string
	rdb    goredis.UniversalClient
	now    func() time.Time
	logger logger.Logger
}

var _ Log = (*Redis)(nil)

func NewRedis(cfg *Config, c *redis.Client, l logger.Logger, opts ...Option) *Redis {
	o := buildOptions(opts)
	return &Redis{
		prefix: cfg.KeyPrefix,
		rdb:    c.Universal(),
		now:    o.now,
		logger: logger.OrNoop(l).Named("messagelog.redis"),
	}
}

func (r *Redis) seqKey() string          { return r.prefix + "msg:seq" }
func (r *Redis) idsKey() string          { return r.prefix + "msg:ids" }
func (r *Redis) msgKey(id string) string { return r.prefix + "msg:" + id }

func (r *Redis) Append(ctx context.Context, d Draft) (Message, error) {
	d, scope, err := d.normalize()
	if err != nil {
		return Message{}, err
	}
	created := r.now()
	micros := created.UnixMicro()

	id, err := appendScript.Run(ctx, r.rdb,
		[]string{r.seqKey(), r.idsKey()},
		d.Sender, d.Body, string(scope), d.Target, micros, r.prefix,
	).Int64()
	if err != nil {
		return Message{}, errors.Wrap(err, "messagelog: append")
	}

	r.logger.Debug("message appended", "id", id, "scope", scope)
	return Message{
		ID:        id,
		Sender:    d.Sender,
		Body:      d.Body,
		Scope:     scope,
		Target:    d.Target,
		CreatedAt: time.UnixMicro(micros),
	}, nil
}

func (r *Redis) Since(ctx context.Context, cursor int64, limit int) ([]Message, error) {
	by := &goredis.ZRangeBy{
		Min: "(" + strconv.FormatInt(cursor, 10),
		Max: "+inf",
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := r.rdb.ZRangeByScore(ctx, r.idsKey(), by).Result()
	if err != nil {
		return nil, errors.Wrap(err, "messagelog: since")
	}
	if len(ids) == 0 {
		return []Message{}, nil
	}

	cmds := make([]*goredis.SliceCmd, len(ids))
	_, err = r.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HMGet(ctx, r.msgKey(id), "sender", "body", "scope", "target", "created_at")
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "messagelog: since")
	}

	out := make([]Message, 0, len(ids))
	for i, id := range ids {
		msg, err := parseMessage(id, cmds[i].Val())
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (r *Redis) Last(ctx context.Context) (int64, error) {
	n, err := r.rdb.Get(ctx, r.seqKey()).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "messagelog: last")
	}
	return n, nil
}

func parseMessage(id string, vals []interface{}) (Message, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Message{}, errors.Wrapf(err, "messagelog: bad id %q", id)
	}
	if len(vals) != 5 || vals[1] == nil {
		return Message{}, errors.Newf("messagelog: message %d is missing", n)
	}
	str := func(v interface{}) string {
		s, _ := v.(string)
		return s
	}
	created, err := strconv.ParseInt(str(vals[4]), 10, 64)
	if err != nil {
		return Message{}, errors.Wrapf(err, "messagelog: message %d created_at", n)
	}
	return Message{
		ID:        n,
		Sender:    str(vals[0]),
		Body:      str(vals[1]),
		Scope:     protocol.Scope(str(vals[2])),
		Target:    str(vals[3]),
		CreatedAt: time.UnixMicro(created),
	}, nil
}
