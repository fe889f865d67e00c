package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"collabEngine/backend/internal/presence"
)

// 基于 redis 的共享在线状态：多实例部署时各实例通过它看到同一份成员表。
// ZSET score 使用 expireAt（Unix 秒），表达"逻辑 TTL"；刷新 TTL 直接重发 Publish。
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) presence.Cache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) Publish(ctx context.Context, docID string, s presence.State, ttl time.Duration) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	tx := p.rdb.TxPipeline()
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: uint64(s.Client)})
	tx.HSet(ctx, stateKey(docID), uint64(s.Client), raw)
	_, err = tx.Exec(ctx)
	return err
}

func (p *redisPresence) Alive(ctx context.Context, docID string) ([]presence.State, error) {
	// step1: 清理过期成员。约定 score=expireAt，expireAt <= now 视为过期
	now := time.Now().Unix()
	luaScript := `
	-- KEYS[1] = roomKey(docID)
	-- KEYS[2] = stateKey(docID)
	-- ARGV[1] = now (unix seconds)

	local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	if #expired > 0 then
		redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
		redis.call("HDEL", KEYS[2], unpack(expired))
	end
	return #expired
	`
	script := redis.NewScript(luaScript)
	if _, err := script.Run(ctx, p.rdb, []string{roomKey(docID), stateKey(docID)}, now).Int(); err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量取状态
	raws, err := p.rdb.HMGet(ctx, stateKey(docID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	states := make([]presence.State, 0, len(raws))
	for _, v := range raws {
		if v == nil {
			continue
		}
		text, ok := v.(string)
		if !ok {
			continue
		}
		var s presence.State
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			continue
		}
		states = append(states, s)
	}
	return states, nil
}
