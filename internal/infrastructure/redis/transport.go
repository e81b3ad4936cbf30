package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/openmercato/payments/internal/eventbus"
)

const (
	streamPrefix = "bus:"
	payloadField = "payload"

	// Pending messages idle longer than this are claimed from dead
	// consumers.
	reclaimMinIdle = 30 * time.Second
)

// Transport delivers bus messages over Redis Streams. Each subject is one
// stream; an eventbus queue group maps to a consumer group, so members
// compete for messages. An empty group gets a throwaway group of its own,
// which gives broadcast semantics.
type Transport struct {
	client        *redis.Client
	logger        zerolog.Logger
	consumer      string
	streamMaxLen  int64
	batchSize     int64
	blockDuration time.Duration

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// TransportOptions tunes the stream consumer loops.
type TransportOptions struct {
	// Consumer names this process inside its consumer groups. Usually
	// the instance id.
	Consumer      string
	StreamMaxLen  int64
	BatchSize     int64
	BlockDuration time.Duration
}

// NewTransport builds a streams transport on an already connected client.
func NewTransport(client *redis.Client, opts TransportOptions, logger zerolog.Logger) *Transport {
	if opts.Consumer == "" {
		opts.Consumer = "consumer-" + uuid.NewString()[:8]
	}
	if opts.StreamMaxLen <= 0 {
		opts.StreamMaxLen = 10_000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.BlockDuration <= 0 {
		opts.BlockDuration = time.Second
	}
	return &Transport{
		client:        client,
		logger:        logger,
		consumer:      opts.Consumer,
		streamMaxLen:  opts.StreamMaxLen,
		batchSize:     opts.BatchSize,
		blockDuration: opts.BlockDuration,
		stop:          make(chan struct{}),
	}
}

func streamKey(subject string) string {
	return streamPrefix + subject
}

func (t *Transport) Publish(ctx context.Context, subject string, payload []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("subject %s: transport closed", subject)
	}
	t.mu.Unlock()

	err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(subject),
		MaxLen: t.streamMaxLen,
		Approx: true,
		Values: map[string]any{payloadField: string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd to %s: %w", subject, err)
	}
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, subject, group string, fn eventbus.RawHandler) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("subject %s: transport closed", subject)
	}
	t.mu.Unlock()

	// Broadcast subscribers get their own group, starting at the tail so
	// they only see messages published after they joined. Queue groups
	// start at the head and share history.
	start := "0"
	if group == "" {
		group = "sub-" + uuid.NewString()[:8]
		start = "$"
	}

	stream := streamKey(subject)
	err := t.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, subject, err)
	}

	t.wg.Add(1)
	go t.consumeLoop(ctx, stream, subject, group, fn)
	return nil
}

func (t *Transport) consumeLoop(ctx context.Context, stream, subject, group string, fn eventbus.RawHandler) {
	defer t.wg.Done()

	log := t.logger.With().
		Str("subject", subject).
		Str("group", group).
		Str("consumer", t.consumer).
		Logger()

	var sinceReclaim int
	for {
		select {
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: t.consumer,
			Streams:  []string{stream, ">"},
			Count:    t.batchSize,
			Block:    t.blockDuration,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				sinceReclaim++
				if sinceReclaim >= 10 {
					sinceReclaim = 0
					t.reclaim(ctx, stream, subject, group, fn, log)
				}
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("stream read failed")
			select {
			case <-t.stop:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				t.handle(ctx, stream, group, msg, fn, log)
			}
		}
	}
}

// reclaim takes over messages stuck pending on consumers that died.
func (t *Transport) reclaim(ctx context.Context, stream, subject, group string, fn eventbus.RawHandler, log zerolog.Logger) {
	msgs, _, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: t.consumer,
		MinIdle:  reclaimMinIdle,
		Start:    "0-0",
		Count:    t.batchSize,
	}).Result()
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
			log.Error().Err(err).Msg("autoclaim failed")
		}
		return
	}
	if len(msgs) > 0 {
		log.Info().Int("count", len(msgs)).Str("subject", subject).Msg("reclaimed pending messages")
	}
	for _, msg := range msgs {
		t.handle(ctx, stream, group, msg, fn, log)
	}
}

// handle invokes the handler and acks. The handler owns failure handling
// (the bus republishes with a retry count), so the message is acked either
// way; only a crash mid-handle leaves it pending for reclaim.
func (t *Transport) handle(ctx context.Context, stream, group string, msg redis.XMessage, fn eventbus.RawHandler, log zerolog.Logger) {
	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		log.Error().Str("message_id", msg.ID).Msg("message missing payload field")
	} else {
		fn(ctx, []byte(raw))
	}

	if err := t.client.XAck(ctx, stream, group, msg.ID).Err(); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Str("message_id", msg.ID).Msg("ack failed")
	}
}

// Close stops every consumer loop and waits for in-flight handlers. The
// redis client itself is owned by the caller.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.stop)
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}
