package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	streamKeyPrefix = "cadre:events:"
	// pollInterval paces the Subscribe loop. XRange polling keeps the
	// reader portable across Redis versions and test doubles.
	pollInterval = 50 * time.Millisecond
)

// RedisStreams mirrors task events into Redis Streams so consumers in
// other processes can subscribe and replay. It satisfies the Mirror
// interface for Manager and also works standalone.
type RedisStreams struct {
	client *redis.Client
	logger *zap.Logger
	maxLen int64
}

// NewRedisStreams wraps an existing client. maxLen bounds each task's
// stream; <= 0 keeps 1024 entries.
func NewRedisStreams(client *redis.Client, logger *zap.Logger, maxLen int64) *RedisStreams {
	if maxLen <= 0 {
		maxLen = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStreams{client: client, logger: logger, maxLen: maxLen}
}

func streamKey(taskID string) string { return streamKeyPrefix + taskID }
func seqKey(taskID string) string    { return streamKeyPrefix + taskID + ":seq" }

// Append writes an already-sequenced event to the task's stream.
func (r *RedisStreams) Append(ctx context.Context, taskID string, evt Event) error {
	evt.TaskID = taskID
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(taskID),
		MaxLen: r.maxLen,
		Values: map[string]interface{}{"event": string(body)},
	}).Err()
}

// Publish assigns the next sequence number for the task and appends the
// event. Sequence numbers start at 1, matching Manager. Use either
// Publish or Manager mirroring for a given task, not both; mixing the
// two would interleave sequence counters.
func (r *RedisStreams) Publish(ctx context.Context, taskID string, evt Event) error {
	seq, err := r.client.Incr(ctx, seqKey(taskID)).Result()
	if err != nil {
		return fmt.Errorf("next seq: %w", err)
	}
	evt.Seq = uint64(seq)
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	return r.Append(ctx, taskID, evt)
}

// ReplaySince returns events with Seq > since, oldest first. since 0
// replays from the beginning.
func (r *RedisStreams) ReplaySince(ctx context.Context, taskID string, since uint64) ([]Event, error) {
	msgs, err := r.client.XRange(ctx, streamKey(taskID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", taskID, err)
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		if evt, ok := decodeMessage(msg); ok && evt.Seq > since {
			out = append(out, evt)
		}
	}
	return out, nil
}

// Subscribe streams events with Seq > since into out until ctx ends.
// It polls the stream, so delivery lags by up to pollInterval. Returns
// nil when ctx is done; the caller owns and closes out.
func (r *RedisStreams) Subscribe(ctx context.Context, taskID string, since uint64, out chan<- Event) error {
	last := since

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		msgs, err := r.client.XRange(ctx, streamKey(taskID), "-", "+").Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("xrange %s: %w", taskID, err)
		}
		for _, msg := range msgs {
			evt, ok := decodeMessage(msg)
			if !ok || evt.Seq <= last {
				continue
			}
			select {
			case out <- evt:
				last = evt.Seq
			case <-ctx.Done():
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// CloseStreams deletes the task's stream and sequence counter.
func (r *RedisStreams) CloseStreams(ctx context.Context, taskID string) error {
	return r.client.Del(ctx, streamKey(taskID), seqKey(taskID)).Err()
}

func decodeMessage(msg redis.XMessage) (Event, bool) {
	raw, ok := msg.Values["event"].(string)
	if !ok {
		return Event{}, false
	}
	var evt Event
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		return Event{}, false
	}
	return evt, true
}
