package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/listwatch/harvester/internal/types"
)

// upsertScript performs the conditional upsert atomically so concurrent
// workers can never downgrade a stored record.
//
// KEYS[1] record hash, KEYS[2] identity set, KEYS[3] duplicate counter
// ARGV[1] identity, ARGV[2] confidence, ARGV[3] payload
// Returns 1 for a fresh insert, 0 for a duplicate (replaced or not).
var upsertScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'confidence')
if not cur then
	redis.call('HSET', KEYS[1], 'confidence', ARGV[2], 'payload', ARGV[3])
	redis.call('SADD', KEYS[2], ARGV[1])
	return 1
end
redis.call('INCR', KEYS[3])
if tonumber(ARGV[2]) > tonumber(cur) then
	redis.call('HSET', KEYS[1], 'confidence', ARGV[2], 'payload', ARGV[3])
end
return 0
`)

// SharedStore is a Redis-backed Store shared by every worker process of a
// session. All counters live in Redis so coverage reflects the whole fleet,
// not one process.
type SharedStore struct {
	rdb    *redis.Client
	log    *slog.Logger
	prefix string

	mu   sync.Mutex
	last types.CoverageState // served when Redis is briefly unreachable
}

// NewShared connects to Redis and namespaces all keys under the session ID.
func NewShared(ctx context.Context, addr, sessionID string, log *slog.Logger) (*SharedStore, error) {
	if log == nil {
		log = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis at %s: %w", addr, err)
	}
	return &SharedStore{rdb: rdb, log: log, prefix: "harvester:" + sessionID}, nil
}

func (s *SharedStore) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *SharedStore) Upsert(ctx context.Context, rec *types.Record) (UpsertResult, error) {
	if rec == nil || rec.Identity == "" {
		s.NoteRejected(1)
		return Rejected, nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return Rejected, fmt.Errorf("encode record %s: %w", rec.Identity, err)
	}
	keys := []string{s.key("rec", rec.Identity), s.key("ids"), s.key("dups")}
	n, err := upsertScript.Run(ctx, s.rdb, keys,
		rec.Identity, rec.OverallConfidence, payload).Int()
	if err != nil {
		return Rejected, fmt.Errorf("shared upsert %s: %w", rec.Identity, err)
	}
	if n == 1 {
		return Inserted, nil
	}
	return Duplicate, nil
}

func (s *SharedStore) NoteRejected(n int) {
	if n <= 0 {
		return
	}
	if err := s.rdb.IncrBy(context.Background(), s.key("rejected"), int64(n)).Err(); err != nil {
		s.log.Warn("rejected counter not updated", slog.String("error", err.Error()))
	}
}

func (s *SharedStore) MarkPage(page int) {
	if err := s.rdb.SAdd(context.Background(), s.key("pages"), page).Err(); err != nil {
		s.log.Warn("page not recorded", slog.Int("page", page), slog.String("error", err.Error()))
	}
}

func (s *SharedStore) SetEmptyStreak(n int) {
	if err := s.rdb.Set(context.Background(), s.key("emptystreak"), n, 0).Err(); err != nil {
		s.log.Warn("empty streak not recorded", slog.String("error", err.Error()))
	}
}

func (s *SharedStore) SetTarget(totalItems, bufferItems int) {
	ctx := context.Background()
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, s.key("target"), totalItems, 0)
	pipe.Set(ctx, s.key("buffer"), bufferItems, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn("target not recorded", slog.String("error", err.Error()))
	}
}

func (s *SharedStore) Coverage() types.CoverageState {
	ctx := context.Background()
	pipe := s.rdb.Pipeline()
	unique := pipe.SCard(ctx, s.key("ids"))
	dups := pipe.Get(ctx, s.key("dups"))
	rejected := pipe.Get(ctx, s.key("rejected"))
	pages := pipe.SMembers(ctx, s.key("pages"))
	target := pipe.Get(ctx, s.key("target"))
	buffer := pipe.Get(ctx, s.key("buffer"))
	streak := pipe.Get(ctx, s.key("emptystreak"))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		s.log.Warn("coverage read failed, serving last known", slog.String("error", err.Error()))
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.last
	}

	cov := types.CoverageState{
		TargetEstimate:        atoi(target.Val()),
		UniqueCollected:       int(unique.Val()),
		DuplicatesSeen:        atoi(dups.Val()),
		Rejected:              atoi(rejected.Val()),
		ConsecutiveEmptyPages: atoi(streak.Val()),
	}
	for _, p := range pages.Val() {
		cov.PagesProcessed = append(cov.PagesProcessed, atoi(p))
	}
	sort.Ints(cov.PagesProcessed)
	if cov.TargetEstimate > 0 {
		cov.Percentage = float64(cov.UniqueCollected) / float64(cov.TargetEstimate)
		// The fleet evidently found more than estimated; serve an honest
		// denominator even if SetTarget has not caught up yet.
		if allowance := atoi(buffer.Val()); cov.UniqueCollected > cov.TargetEstimate+allowance {
			cov.TargetEstimate = cov.UniqueCollected
			cov.Percentage = 1
		}
	}

	s.mu.Lock()
	s.last = cov
	s.mu.Unlock()
	return cov
}

func (s *SharedStore) Snapshot(ctx context.Context) ([]*types.Record, error) {
	ids, err := s.rdb.SMembers(ctx, s.key("ids")).Result()
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	sort.Strings(ids)

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, s.key("rec", id), "payload")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read payloads: %w", err)
	}

	out := make([]*types.Record, 0, len(ids))
	for i, cmd := range cmds {
		raw, err := cmd.Result()
		if err != nil {
			continue
		}
		var rec types.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			s.log.Warn("undecodable stored record skipped", slog.String("identity", ids[i]))
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

// Close releases the Redis connection.
func (s *SharedStore) Close() error { return s.rdb.Close() }

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
