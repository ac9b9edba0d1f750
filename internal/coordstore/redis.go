/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package coordstore

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RedisStore is the production Store adapter, backed by a single Redis
// (or Redis-protocol-compatible) instance shared by every crawl process
// in the deployment.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials addr/db using defaults suitable for a long-lived
// coordinator connection.
func NewRedisStore(addr string, db int) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})}
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, key, args...).Err(); err != nil {
		log.Warningf("coordstore: SADD %s: %v", key, err)
		return err
	}
	return nil
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SRem(ctx, key, args...).Err(); err != nil {
		log.Warningf("coordstore: SREM %s: %v", key, err)
		return err
	}
	return nil
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		log.Warningf("coordstore: SCARD %s: %v", key, err)
		return 0, err
	}
	return n, nil
}

func (s *RedisStore) SPop(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.SPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		log.Warningf("coordstore: SPOP %s: %v", key, err)
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	vs, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		log.Warningf("coordstore: SMEMBERS %s: %v", key, err)
		return nil, err
	}
	return vs, nil
}

func (s *RedisStore) LPush(ctx context.Context, key string, value string) error {
	if err := s.client.LPush(ctx, key, value).Err(); err != nil {
		log.Warningf("coordstore: LPUSH %s: %v", key, err)
		return err
	}
	return nil
}

func (s *RedisStore) LPop(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		log.Warningf("coordstore: LPOP %s: %v", key, err)
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		// Conservative: treat a coordination read error as a miss.
		log.Warningf("coordstore: GET %s: %v", key, err)
		return "", false, nil
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		log.Warningf("coordstore: SET %s: %v", key, err)
		return err
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		log.Warningf("coordstore: DEL %v: %v", keys, err)
		return err
	}
	return nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		log.Warningf("coordstore: INCR %s: %v", key, err)
		return 0, err
	}
	return n, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		log.Warningf("coordstore: ZADD %s: %v", key, err)
		return err
	}
	return nil
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	vs, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		log.Warningf("coordstore: ZRANGEBYSCORE %s: %v", key, err)
		return nil, err
	}
	return vs, nil
}

func (s *RedisStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 1000).Result()
		if err != nil {
			log.Warningf("coordstore: SCAN %s: %v", pattern, err)
			return keys, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func (s *RedisStore) Pipeline() Pipeline {
	return &redisPipeline{pipe: s.client.Pipeline()}
}

type redisPipeline struct {
	pipe redis.Pipeliner
}

func (p *redisPipeline) SAdd(key string, members ...string) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	p.pipe.SAdd(context.Background(), key, args...)
}

func (p *redisPipeline) LPush(key string, value string) {
	p.pipe.LPush(context.Background(), key, value)
}

func (p *redisPipeline) Set(key, value string, ttl time.Duration) {
	p.pipe.Set(context.Background(), key, value, ttl)
}

func (p *redisPipeline) Exec(ctx context.Context) error {
	_, err := p.pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		log.Warningf("coordstore: pipeline exec: %v", err)
		return err
	}
	return nil
}

func formatScore(f float64) string {
	if math.IsInf(f, -1) {
		return "-inf"
	}
	if math.IsInf(f, 1) {
		return "+inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
