package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/mutq/internal/kv"
	"github.com/roach88/mutq/internal/queue"
	"github.com/roach88/mutq/internal/request"
)

// openStore opens the store selected by the resolved config.
func (o *RootOptions) openStore(ctx context.Context) (kv.Store, error) {
	sc := o.Config.Store
	switch sc.Driver {
	case "sqlite":
		o.Logger.Debug("opening database", "path", sc.Path)
		st, err := kv.OpenSQLite(sc.Path,
			kv.WithPollInterval(sc.PollInterval),
			kv.WithSQLiteLogger(o.Logger))
		if err != nil {
			return nil, err
		}
		return st, nil
	case "redis":
		o.Logger.Debug("connecting to redis", "addr", sc.Redis.Addr, "namespace", sc.Redis.Namespace)
		st, err := kv.OpenRedis(ctx, kv.RedisOptions{
			Addr:      sc.Redis.Addr,
			Password:  sc.Redis.Password,
			DB:        sc.Redis.DB,
			Namespace: sc.Redis.Namespace,
			Logger:    o.Logger,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	case "memory":
		o.Logger.Warn("memory store is discarded when the command exits")
		return kv.NewMemory().Session(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

func (o *RootOptions) keys() queue.Keys {
	return queue.Keys{
		Queue:   o.Config.Queue.QueueKey,
		Ongoing: o.Config.Queue.OngoingKey,
		Seq:     o.Config.Queue.SeqKey,
	}
}

// session is an open store plus the queue manager over it.
type session struct {
	store   kv.Store
	manager *queue.Manager
}

// openSession opens the store and the queue. Opening the queue performs
// crash recovery.
func (o *RootOptions) openSession(ctx context.Context) (*session, error) {
	st, err := o.openStore(ctx)
	if err != nil {
		return nil, err
	}

	m, err := queue.Open(ctx, st,
		queue.WithLogger(o.Logger),
		queue.WithKeys(o.keys()),
		queue.WithBackoff(o.Config.Queue.Backoff),
		queue.WithDurabilityHook(func(ev queue.DurabilityEvent) {
			if ev.Degraded {
				o.Logger.Warn("queue degraded", "error", ev.Err, "dirty_keys", ev.DirtyKeys)
			} else {
				o.Logger.Info("queue writes recovered")
			}
		}))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &session{store: st, manager: m}, nil
}

// Close flushes and closes the queue, then the store. A durability error
// from the final flush is returned.
func (s *session) Close() error {
	return errors.Join(s.manager.Close(), s.store.Close())
}

// readPersisted decodes both keys straight from the store, without
// opening a queue (and so without recovering).
func (o *RootOptions) readPersisted(ctx context.Context, st kv.Store) (ListResult, error) {
	keys := o.keys()

	qrec, err := st.Get(ctx, keys.Queue)
	if err != nil {
		return ListResult{}, err
	}
	q, err := queue.DecodeQueue(qrec.Value)
	if err != nil {
		return ListResult{}, fmt.Errorf("%s: %w", keys.Queue, err)
	}

	orec, err := st.Get(ctx, keys.Ongoing)
	if err != nil {
		return ListResult{}, err
	}
	ongoing, ok, err := queue.DecodeOngoing(orec.Value)
	if err != nil {
		return ListResult{}, fmt.Errorf("%s: %w", keys.Ongoing, err)
	}

	res := ListResult{Queue: request.CloneAll(q), Revision: uint64(max(qrec.Revision, orec.Revision))}
	if ok {
		res.Ongoing = &ongoing
	}
	return res, nil
}
