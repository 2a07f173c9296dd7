package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures OpenRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// Namespace prefixes every key. It is wrapped in a hash tag so all keys
	// of one namespace land in the same cluster slot, which the Lua
	// scripts require.
	Namespace string

	Logger *slog.Logger
}

// Redis is a Store shared over a Redis server.
//
// Each logical key is a hash {value, rev, origin}. A batch is applied by one
// Lua script, which makes it atomic, and announced on a Pub/Sub channel as
// "origin|revision|key".
type Redis struct {
	client *redis.Client
	origin string
	ns     string
	hub    *hub
	logger *slog.Logger

	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

var _ Store = (*Redis)(nil)

// hashReader is satisfied by both *redis.Client and *redis.Tx.
type hashReader interface {
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
}

// setScript writes N keys under one new revision and publishes one message
// per key. KEYS = [revKey, hash1..hashN]; ARGV = [origin, channel,
// (logicalKey, present, value) * N].
const setScriptSrc = `
local rev = redis.call('INCR', KEYS[1])
local origin = ARGV[1]
local channel = ARGV[2]
for i = 2, #KEYS do
	local base = 3 + (i - 2) * 3
	local logical = ARGV[base]
	local present = ARGV[base + 1]
	if present == '1' then
		redis.call('HSET', KEYS[i], 'value', ARGV[base + 2], 'rev', rev, 'origin', origin)
	else
		redis.call('HDEL', KEYS[i], 'value')
		redis.call('HSET', KEYS[i], 'rev', rev, 'origin', origin)
	end
	redis.call('PUBLISH', channel, origin .. '|' .. rev .. '|' .. logical)
end
return rev
`

var setScript = redis.NewScript(setScriptSrc)

// OpenRedis connects, verifies the server and starts the change listener.
func OpenRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if opts.Namespace == "" {
		opts.Namespace = "mutq"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancelPing := context.WithTimeout(ctx, 2*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	r := &Redis{
		client: client,
		origin: newOrigin(),
		ns:     "{" + opts.Namespace + "}",
		hub:    newHub(),
		logger: opts.Logger,
	}

	r.pubsub = client.Subscribe(ctx, r.channel())
	if _, err := r.pubsub.Receive(pingCtx); err != nil {
		r.pubsub.Close()
		client.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.listen(listenCtx)

	return r, nil
}

func (r *Redis) hashKey(key string) string { return r.ns + ":kv:" + key }
func (r *Redis) revKey() string            { return r.ns + ":rev" }
func (r *Redis) channel() string           { return r.ns + ":changes" }

// Origin returns this client's origin identifier.
func (r *Redis) Origin() string {
	return r.origin
}

// Get reads one key.
func (r *Redis) Get(ctx context.Context, key string) (Record, error) {
	if err := r.checkOpen("get", key); err != nil {
		return Record{}, err
	}
	rec, err := r.read(ctx, r.client, key)
	if err != nil {
		return Record{}, &StoreError{Op: "get", Key: key, Err: err}
	}
	return rec, nil
}

func (r *Redis) read(ctx context.Context, c hashReader, key string) (Record, error) {
	vals, err := c.HMGet(ctx, r.hashKey(key), "value", "rev").Result()
	if err != nil {
		return Record{}, err
	}
	rec := Record{Key: key}
	if s, ok := vals[0].(string); ok {
		rec.Value = []byte(s)
	}
	if s, ok := vals[1].(string); ok {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("parse revision %q: %w", s, err)
		}
		rec.Revision = Revision(n)
	}
	return rec, nil
}

// Set writes all entries atomically through the Lua script.
func (r *Redis) Set(ctx context.Context, entries ...Entry) (Revision, error) {
	key := keysOf(entries)
	if err := r.checkOpen("set", key); err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		n, err := r.client.Get(ctx, r.revKey()).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return 0, &StoreError{Op: "set", Err: err}
		}
		return Revision(n), nil
	}

	rev, err := r.runSet(ctx, r.client, entries)
	if err != nil {
		return 0, &StoreError{Op: "set", Key: key, Err: err}
	}
	return rev, nil
}

func (r *Redis) runSet(ctx context.Context, c redis.Scripter, entries []Entry) (Revision, error) {
	keys, args := r.setArgs(entries)
	n, err := setScript.Run(ctx, c, keys, args...).Int64()
	if err != nil {
		return 0, err
	}
	return Revision(n), nil
}

func (r *Redis) setArgs(entries []Entry) ([]string, []any) {
	keys := make([]string, 0, len(entries)+1)
	args := make([]any, 0, 2+3*len(entries))
	keys = append(keys, r.revKey())
	args = append(args, r.origin, r.channel())
	for _, e := range entries {
		keys = append(keys, r.hashKey(e.Key))
		present := "0"
		if e.Value != nil {
			present = "1"
		}
		args = append(args, e.Key, present, string(e.Value))
	}
	return keys, args
}

// maxMergeAttempts bounds optimistic-lock retries in Merge.
const maxMergeAttempts = 8

// Merge applies patch with optimistic locking (WATCH/MULTI). The write
// itself goes through the same Lua script as Set.
func (r *Redis) Merge(ctx context.Context, key string, patch []byte) (Revision, error) {
	if err := r.checkOpen("merge", key); err != nil {
		return 0, err
	}

	var rev Revision
	txf := func(tx *redis.Tx) error {
		cur, err := r.read(ctx, tx, key)
		if err != nil {
			return err
		}
		merged, err := MergePatch(cur.Value, patch)
		if err != nil {
			return err
		}

		keys, args := r.setArgs([]Entry{{Key: key, Value: merged}})
		var cmd *redis.Cmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			cmd = pipe.Eval(ctx, setScriptSrc, keys, args...)
			return nil
		})
		if err != nil {
			return err
		}
		n, err := cmd.Int64()
		if err != nil {
			return err
		}
		rev = Revision(n)
		return nil
	}

	for attempt := 0; attempt < maxMergeAttempts; attempt++ {
		err := r.client.Watch(ctx, txf, r.hashKey(key))
		if err == nil {
			return rev, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return 0, &StoreError{Op: "merge", Key: key, Err: err}
	}
	return 0, &StoreError{Op: "merge", Key: key, Err: errors.New("too much contention")}
}

// Subscribe registers fn for changes announced on the channel, including
// this client's own writes.
func (r *Redis) Subscribe(fn func(Change)) func() {
	return r.hub.subscribe(fn)
}

// Close stops the listener and closes the client. Safe to call more than once.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	err := r.pubsub.Close()
	r.wg.Wait()
	if cerr := r.client.Close(); err == nil {
		err = cerr
	}
	return err
}

func (r *Redis) checkOpen(op, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return &StoreError{Op: op, Key: key, Err: ErrClosed}
	}
	return nil
}

func (r *Redis) listen(ctx context.Context) {
	defer r.wg.Done()

	ch := r.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c, err := r.resolve(ctx, msg.Payload)
			if err != nil {
				r.logger.Warn("kv redis: dropping change notification", "payload", msg.Payload, "error", err)
				continue
			}
			r.hub.publish(c)
		}
	}
}

// resolve turns "origin|rev|key" into a Change carrying the key's current
// value. If the key moved on since the message was sent, the newer state
// is reported; its own message follows and is then a stale duplicate.
func (r *Redis) resolve(ctx context.Context, payload string) (Change, error) {
	parts := strings.SplitN(payload, "|", 3)
	if len(parts) != 3 {
		return Change{}, fmt.Errorf("malformed payload")
	}
	msgRev, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Change{}, fmt.Errorf("parse revision: %w", err)
	}

	vals, err := r.client.HMGet(ctx, r.hashKey(parts[2]), "value", "rev", "origin").Result()
	if err != nil {
		return Change{}, err
	}

	c := Change{Key: parts[2], Origin: parts[0], Revision: Revision(msgRev)}
	if s, ok := vals[0].(string); ok {
		c.Value = []byte(s)
	}
	if s, ok := vals[1].(string); ok {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil && n > msgRev {
			c.Revision = Revision(n)
			if o, ok := vals[2].(string); ok {
				c.Origin = o
			}
		}
	}
	return c, nil
}
