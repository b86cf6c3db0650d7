// Package redisstore provides the key-value driver, backed by Redis.
//
// Per queue the driver keeps two sorted sets: "sched" scored by available_at
// and "leased" scored by visibility deadline, both in unix milliseconds.
// Task envelopes live in per-task hashes; dead letters in a per-queue hash.
// All transitions are Lua scripts (see scripts.go) so at most one live lease
// exists per task across any number of worker processes.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cmeadows/leaseq/pkg/core"
	"github.com/cmeadows/leaseq/internal/guard"
)

// Driver implements the lease protocol over Redis.
type Driver struct {
	client *redis.Client
	prefix string
}

// New creates a Redis-backed driver on an established client.
func New(client *redis.Client, prefix string) *Driver {
	if prefix == "" {
		prefix = "leaseq"
	}
	return &Driver{client: client, prefix: prefix}
}

// Open connects to Redis with the given configuration and returns a driver.
func Open(ctx context.Context, cfg Config) (*Driver, error) {
	client, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(client, cfg.KeyPrefix), nil
}

func (d *Driver) schedKey(queue string) string  { return fmt.Sprintf("%s:q:%s:sched", d.prefix, queue) }
func (d *Driver) leasedKey(queue string) string { return fmt.Sprintf("%s:q:%s:leased", d.prefix, queue) }
func (d *Driver) deadKey(queue string) string   { return fmt.Sprintf("%s:q:%s:dead", d.prefix, queue) }
func (d *Driver) taskPrefix() string            { return d.prefix + ":t:" }
func (d *Driver) taskKey(id string) string      { return d.taskPrefix() + id }

// Setup verifies the connection; Redis needs no schema.
func (d *Driver) Setup(ctx context.Context) error {
	if err := d.client.Ping(ctx).Err(); err != nil {
		return core.Unavailable(err)
	}
	return nil
}

// Close closes the client.
func (d *Driver) Close() error {
	return d.client.Close()
}

// Enqueue stores the envelope hash and scores it into the scheduled set.
func (d *Driver) Enqueue(ctx context.Context, task *core.Task, delay time.Duration) (string, error) {
	t := *task
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Queue == "" {
		t.Queue = "default"
	}
	now := time.Now()
	t.Status = core.StatusPending
	t.AvailableAt = now
	if delay > 0 {
		t.AvailableAt = now.Add(delay)
	}
	t.VisibilityDeadline = nil
	t.CreatedAt = now
	t.UpdatedAt = now

	body, err := json.Marshal(&t)
	if err != nil {
		return "", &core.SerializationError{Err: err}
	}

	pipe := d.client.TxPipeline()
	pipe.HSet(ctx, d.taskKey(t.ID), "body", body, "attempts", t.Attempts, "queue", t.Queue)
	pipe.ZAdd(ctx, d.schedKey(t.Queue), redis.Z{
		Score:  float64(t.AvailableAt.UnixMilli()),
		Member: t.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", core.Unavailable(err)
	}
	return t.ID, nil
}

// Lease runs the claim script per queue in priority order.
func (d *Driver) Lease(ctx context.Context, queues []string, visibility time.Duration, batch int) ([]*core.Task, error) {
	if batch <= 0 {
		return nil, nil
	}

	now := time.Now()
	deadline := now.Add(visibility)

	var leased []*core.Task
	for _, q := range queues {
		if len(leased) >= batch {
			break
		}
		raw, err := leaseScript.Run(ctx, d.client,
			[]string{d.schedKey(q), d.leasedKey(q)},
			now.UnixMilli(), batch-len(leased), deadline.UnixMilli(), d.taskPrefix(),
		).Slice()
		if err != nil && !errors.Is(err, redis.Nil) {
			return leased, core.Unavailable(err)
		}

		for i := 0; i+2 < len(raw); i += 3 {
			id, _ := raw[i].(string)
			attempts := toInt(raw[i+1])
			body, _ := raw[i+2].(string)
			if body == "" {
				// Orphaned index entry; the hash is gone. Skip it.
				continue
			}
			var t core.Task
			if err := json.Unmarshal([]byte(body), &t); err != nil {
				return leased, &core.SerializationError{Err: fmt.Errorf("task %s: %w", id, err)}
			}
			t.Status = core.StatusLeased
			t.Attempts = attempts
			dl := deadline
			t.VisibilityDeadline = &dl
			leased = append(leased, &t)
		}
	}
	return leased, nil
}

// Extend refreshes an unexpired lease.
func (d *Driver) Extend(ctx context.Context, id string, visibility time.Duration) error {
	queue, err := d.taskQueue(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now()
	ok, err := extendScript.Run(ctx, d.client,
		[]string{d.leasedKey(queue)},
		id, now.UnixMilli(), now.Add(visibility).UnixMilli(),
	).Int()
	if err != nil {
		return core.Unavailable(err)
	}
	if ok == 0 {
		return core.ErrLeaseLost
	}
	return nil
}

// Ack completes a leased task. Completed state is not retained in Redis;
// the envelope hash is deleted with the lease.
func (d *Driver) Ack(ctx context.Context, id string) error {
	queue, err := d.taskQueue(ctx, id)
	if err != nil {
		return err
	}
	ok, err := ackScript.Run(ctx, d.client,
		[]string{d.leasedKey(queue), d.taskKey(id)},
		id,
	).Int()
	if err != nil {
		return core.Unavailable(err)
	}
	if ok == 0 {
		return core.ErrLeaseLost
	}
	return nil
}

// Release returns a leased task to the scheduled set after delay.
func (d *Driver) Release(ctx context.Context, id string, delay time.Duration) error {
	queue, err := d.taskQueue(ctx, id)
	if err != nil {
		return err
	}
	ok, err := releaseScript.Run(ctx, d.client,
		[]string{d.leasedKey(queue), d.schedKey(queue)},
		id, time.Now().Add(delay).UnixMilli(),
	).Int()
	if err != nil {
		return core.Unavailable(err)
	}
	if ok == 0 {
		return core.ErrLeaseLost
	}
	return nil
}

// DeadLetter archives the task in the per-queue dead hash.
func (d *Driver) DeadLetter(ctx context.Context, id string, reason string) error {
	queue, err := d.taskQueue(ctx, id)
	if err != nil {
		return err
	}

	vals, err := d.client.HMGet(ctx, d.taskKey(id), "body", "attempts").Result()
	if err != nil {
		return core.Unavailable(err)
	}
	body, _ := vals[0].(string)
	if body == "" {
		return core.ErrNotFound
	}
	var t core.Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return &core.SerializationError{Err: err}
	}
	t.Attempts = toInt(vals[1])

	dead, err := json.Marshal(core.NewDeadTask(&t, guard.SanitizeFailureReason(reason), time.Now()))
	if err != nil {
		return &core.SerializationError{Err: err}
	}

	ok, err := deadLetterScript.Run(ctx, d.client,
		[]string{d.leasedKey(queue), d.taskKey(id), d.deadKey(queue)},
		id, dead,
	).Int()
	if err != nil {
		return core.Unavailable(err)
	}
	if ok == 0 {
		return core.ErrLeaseLost
	}
	return nil
}

// Size reports the cardinality of the scheduled set, which includes tasks
// whose available_at is still in the future.
func (d *Driver) Size(ctx context.Context, queue string) (int64, error) {
	n, err := d.client.ZCard(ctx, d.schedKey(queue)).Result()
	if err != nil {
		return 0, core.Unavailable(err)
	}
	return n, nil
}

// DeadTasks lists archived tasks for a queue.
func (d *Driver) DeadTasks(ctx context.Context, queue string, limit int) ([]*core.DeadTask, error) {
	vals, err := d.client.HVals(ctx, d.deadKey(queue)).Result()
	if err != nil {
		return nil, core.Unavailable(err)
	}
	var out []*core.DeadTask
	for _, v := range vals {
		var dt core.DeadTask
		if err := json.Unmarshal([]byte(v), &dt); err != nil {
			continue
		}
		out = append(out, &dt)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// taskQueue resolves the queue a task id belongs to, so the single-id
// protocol calls can find the right per-queue keys.
func (d *Driver) taskQueue(ctx context.Context, id string) (string, error) {
	queue, err := d.client.HGet(ctx, d.taskKey(id), "queue").Result()
	if errors.Is(err, redis.Nil) {
		return "", core.ErrNotFound
	}
	if err != nil {
		return "", core.Unavailable(err)
	}
	return queue, nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}
