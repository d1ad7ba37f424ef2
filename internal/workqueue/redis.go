package workqueue

import (
    "context"
    "fmt"
    "strings"
    "sync"
    "time"

    redis "github.com/redis/go-redis/v9"
    "github.com/rs/zerolog/log"
)

// RedisQueue keeps the work index in a Redis hash and done markers as
// plain keys, for fleets that share a Redis instead of a bucket. The
// claim semantics stay advisory: GetWork re-checks the done key, and
// duplicate processing is resolved by whoever marks done first.
type RedisQueue struct {
    client  *redis.Client
    counter PageCounter
    // keys
    IndexKey   string
    DonePrefix string

    mu        sync.Mutex
    remaining []*Item
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(redisURL string, counter PageCounter) (*RedisQueue, error) {
    opt, err := redis.ParseURL(redisURL)
    if err != nil {
        return nil, fmt.Errorf("parse redis url: %w", err)
    }
    c := redis.NewClient(opt)
    ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
    defer cancel()
    if err := c.Ping(ctx).Err(); err != nil {
        return nil, fmt.Errorf("redis ping: %w", err)
    }
    return &RedisQueue{
        client:     c,
        counter:    counter,
        IndexKey:   "ocrpipeline:work_index",
        DonePrefix: "ocrpipeline:done:",
    }, nil
}

func (q *RedisQueue) Close() error { return q.client.Close() }

// Ping checks redis connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error { return q.client.Ping(ctx).Err() }

func (q *RedisQueue) Populate(ctx context.Context, sources []string, targetPagesPerBatch int) error {
    indexed, err := q.client.HGetAll(ctx, q.IndexKey).Result()
    if err != nil {
        return fmt.Errorf("read work index hash: %w", err)
    }
    existing := make([]Item, 0, len(indexed))
    for hash, members := range indexed {
        existing = append(existing, Item{Hash: hash, Sources: strings.Split(members, ",")})
    }

    fresh := filterNew(sources, existing)
    if len(fresh) == 0 {
        log.Info().Int("indexed", len(existing)).Msg("no new sources to add to the work index")
        return nil
    }

    fields := make(map[string]interface{})
    for _, it := range planBatches(ctx, fresh, targetPagesPerBatch, q.counter) {
        fields[it.Hash] = strings.Join(it.Sources, ",")
    }
    if err := q.client.HSet(ctx, q.IndexKey, fields).Err(); err != nil {
        return fmt.Errorf("write work index hash: %w", err)
    }
    log.Info().
        Int("new_sources", len(fresh)).
        Int("new_items", len(fields)).
        Str("key", q.IndexKey).
        Msg("work index updated")
    return nil
}

func (q *RedisQueue) Initialize(ctx context.Context) (int, error) {
    indexed, err := q.client.HGetAll(ctx, q.IndexKey).Result()
    if err != nil {
        return 0, fmt.Errorf("read work index hash: %w", err)
    }

    var remaining []*Item
    for hash, members := range indexed {
        n, err := q.client.Exists(ctx, q.DonePrefix+hash).Result()
        if err != nil {
            return 0, fmt.Errorf("check done key for %s: %w", hash, err)
        }
        if n > 0 {
            continue
        }
        remaining = append(remaining, &Item{Hash: hash, Sources: strings.Split(members, ",")})
    }
    shuffleItems(remaining)

    q.mu.Lock()
    q.remaining = remaining
    q.mu.Unlock()

    log.Info().
        Int("indexed", len(indexed)).
        Int("remaining", len(remaining)).
        Msg("redis work queue initialized")
    return len(remaining), nil
}

func (q *RedisQueue) GetWork(ctx context.Context) (*Item, error) {
    for {
        q.mu.Lock()
        if len(q.remaining) == 0 {
            q.mu.Unlock()
            return nil, nil
        }
        it := q.remaining[0]
        q.remaining = q.remaining[1:]
        q.mu.Unlock()

        n, err := q.client.Exists(ctx, q.DonePrefix+it.Hash).Result()
        if err != nil {
            log.Warn().Str("work", it.Hash).Err(err).Msg("done key check failed, claiming item")
            return it, nil
        }
        if n > 0 {
            log.Debug().Str("work", it.Hash).Msg("skipping item already completed elsewhere")
            continue
        }
        return it, nil
    }
}

func (q *RedisQueue) MarkDone(ctx context.Context, item *Item) error {
    if err := q.client.Set(ctx, q.DonePrefix+item.Hash, time.Now().UTC().Format(time.RFC3339), 0).Err(); err != nil {
        return fmt.Errorf("write done key for %s: %w", item.Hash, err)
    }
    return nil
}

func (q *RedisQueue) ClearDone(ctx context.Context, hash string) error {
    if err := q.client.Del(ctx, q.DonePrefix+hash).Err(); err != nil {
        return fmt.Errorf("clear done key for %s: %w", hash, err)
    }
    return nil
}

func (q *RedisQueue) Size() int {
    q.mu.Lock()
    defer q.mu.Unlock()
    return len(q.remaining)
}
