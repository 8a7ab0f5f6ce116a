package hotstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tierstore/internal/errors"
	"github.com/devrev/pairdb/tierstore/internal/model"
)

// RedisStore keeps each record under its own key and orders them in a sorted
// set whose members are order keys. All members share score 0, so range
// queries use ZRANGEBYLEX and never lose timestamp precision to float
// scores.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

type redisRecord struct {
	PartitionKey string `msgpack:"p"`
	ID           string `msgpack:"i"`
	Timestamp    int64  `msgpack:"t"`
	Payload      []byte `msgpack:"d"`
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(addr, password string, db int, prefix string, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreFromClient(client, prefix, logger), nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "idx"
}

func (s *RedisStore) recordKey(partitionKey, id string) string {
	return s.prefix + "rec:" + model.RecordKey{PartitionKey: partitionKey, ID: id}.Composite()
}

// Put inserts or replaces a record
func (s *RedisStore) Put(ctx context.Context, r *model.Record) error {
	if err := checkTimestamp(r); err != nil {
		return err
	}
	data, err := msgpack.Marshal(&redisRecord{
		PartitionKey: r.PartitionKey,
		ID:           r.ID,
		Timestamp:    r.Timestamp.UnixNano(),
		Payload:      r.Payload,
	})
	if err != nil {
		return errors.InternalError("failed to marshal hot record", err)
	}

	old, err := s.load(ctx, r.PartitionKey, r.ID)
	if err != nil && !errors.IsNotFound(err) {
		return err
	}

	key := s.recordKey(r.PartitionKey, r.ID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if old != nil {
			pipe.ZRem(ctx, s.indexKey(), orderKey(old.Timestamp, old.PartitionKey, old.ID))
		}
		pipe.Set(ctx, key, data, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: 0, Member: orderKey(r.Timestamp, r.PartitionKey, r.ID)})
		return nil
	})
	if err != nil {
		return errors.Unavailable("redis put failed", err)
	}
	return nil
}

// Query reads index members page by page. Records deleted between the index
// read and the fetch are skipped and the page is topped up from the index, so
// a short page still means the range is exhausted.
func (s *RedisStore) Query(ctx context.Context, q model.RangeQuery) ([]*model.Record, error) {
	lower := "-"
	if q.After != nil {
		lower = "(" + positionKey(q.After)
	}
	upper := "(" + timeKey(q.Before)

	var records []*model.Record
	for {
		opt := &redis.ZRangeBy{Min: lower, Max: upper}
		if q.Limit > 0 {
			opt.Count = int64(q.Limit - len(records))
		}
		members, err := s.client.ZRangeByLex(ctx, s.indexKey(), opt).Result()
		if err != nil {
			return nil, errors.Unavailable("redis range query failed", err)
		}
		if len(members) == 0 {
			return records, nil
		}

		page, err := s.fetchMembers(ctx, members)
		if err != nil {
			return nil, err
		}
		records = append(records, page...)

		if q.Limit <= 0 || int64(len(members)) < opt.Count || len(records) >= q.Limit {
			return records, nil
		}
		lower = "(" + members[len(members)-1]
	}
}

func (s *RedisStore) fetchMembers(ctx context.Context, members []string) ([]*model.Record, error) {
	keys := make([]string, 0, len(members))
	for _, m := range members {
		pk, id, ok := parseMember(m)
		if !ok {
			s.logger.Warn("Skipping malformed index member", zap.String("member", m))
			continue
		}
		keys = append(keys, s.recordKey(pk, id))
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Unavailable("redis multi-get failed", err)
	}

	records := make([]*model.Record, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// Deleted between the range read and the fetch
			continue
		}
		r, err := decodeRedisRecord([]byte(str))
		if err != nil {
			return nil, errors.InternalError(fmt.Sprintf("malformed hot record at %s", keys[i]), err)
		}
		records = append(records, r)
	}
	return records, nil
}

func (s *RedisStore) Get(ctx context.Context, partitionKey, id string) (*model.Record, error) {
	return s.load(ctx, partitionKey, id)
}

func (s *RedisStore) load(ctx context.Context, partitionKey, id string) (*model.Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(partitionKey, id)).Bytes()
	if err == redis.Nil {
		return nil, errors.RecordNotFound(partitionKey, id)
	}
	if err != nil {
		return nil, errors.Unavailable("redis get failed", err)
	}
	r, err := decodeRedisRecord(data)
	if err != nil {
		return nil, errors.InternalError(fmt.Sprintf("malformed hot record %s/%s", partitionKey, id), err)
	}
	return r, nil
}

func (s *RedisStore) Delete(ctx context.Context, partitionKey, id string) error {
	r, err := s.load(ctx, partitionKey, id)
	if errors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(partitionKey, id))
		pipe.ZRem(ctx, s.indexKey(), orderKey(r.Timestamp, r.PartitionKey, r.ID))
		return nil
	})
	if err != nil {
		return errors.Unavailable("redis delete failed", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.Unavailable("redis ping failed", err)
	}
	return nil
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeRedisRecord(data []byte) (*model.Record, error) {
	var rr redisRecord
	if err := msgpack.Unmarshal(data, &rr); err != nil {
		return nil, err
	}
	return &model.Record{
		ID:           rr.ID,
		PartitionKey: rr.PartitionKey,
		Timestamp:    time.Unix(0, rr.Timestamp).UTC(),
		Payload:      rr.Payload,
	}, nil
}

// parseMember splits an order key back into partition key and id
func parseMember(member string) (string, string, bool) {
	const tsLen = 16
	if len(member) <= tsLen || member[tsLen:tsLen+1] != model.KeySeparator {
		return "", "", false
	}
	return strings.Cut(member[tsLen+1:], model.KeySeparator)
}
