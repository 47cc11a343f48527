// Package durablelog implements the append-only ordered per-channel event
// store on top of Kafka. Each channel uses its own topic; this package does
// not create topics or set their partition count. Local offsets come from a
// per-channel counter and the replay buffer is kept in localOffset order; a
// background fetch loop replays the topic into
// an in-memory ring buffer that readRange serves from, parking on a
// condition variable for the long-poll suspension point.
package durablelog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/broker"
)

// Log is the abstract durable-store contract the pipeline appends to and
// reads from.
type Log interface {
	// EnsureChannel provisions the backing topic for a channel if it does
	// not already exist. Idempotent.
	EnsureChannel(ctx context.Context, channelID, topic string) error
	Append(ctx context.Context, channelID string, env broker.EventMessage) (globalOffset, localOffset int64, err error)
	ReadRange(ctx context.Context, channelID string, fromGlobal, fromLocal int64, limit int, wait time.Duration) ([]broker.EventMessage, error)
	TruncateOrDelete(ctx context.Context, channelID string) error
	// LastOffset reports the highest localOffset durably known for the
	// channel, used by the registry's peekChannelOffsets self-check.
	LastOffset(channelID string) int64
}

var _ Log = (*KafkaLog)(nil)

// KafkaLog is the Kafka-backed Log implementation.
type KafkaLog struct {
	brokers []string
	logger  *logrus.Logger
	admin   *kgo.Client

	mu       sync.Mutex
	channels map[string]*channelLog
}

// channelLog holds the per-channel producer, replay buffer, and condition
// variable that readers block on.
type channelLog struct {
	topic    string
	producer *kgo.Client

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []broker.EventMessage
	have    map[int64]struct{}
	local   atomic.Int64
	closeCh chan struct{}
}

// insertLocked adds env to the replay buffer in localOffset order. Append
// makes its own record visible synchronously and the replay loop later
// fetches that same record back from the topic, so duplicates by
// localOffset are dropped here. Caller must hold cl.mu. Reports whether
// the buffer changed.
func (cl *channelLog) insertLocked(env broker.EventMessage) bool {
	if _, dup := cl.have[env.LocalOffset]; dup {
		return false
	}
	cl.have[env.LocalOffset] = struct{}{}
	i := sort.Search(len(cl.buf), func(i int) bool { return cl.buf[i].LocalOffset >= env.LocalOffset })
	cl.buf = append(cl.buf, broker.EventMessage{})
	copy(cl.buf[i+1:], cl.buf[i:])
	cl.buf[i] = env
	if env.LocalOffset > cl.local.Load() {
		cl.local.Store(env.LocalOffset)
	}
	return true
}

// NewKafkaLog connects to the given brokers. KafkaLog never creates topics,
// here or in EnsureChannel; it produces to and consumes from the topic name
// it is given.
func NewKafkaLog(brokers []string, logger *logrus.Logger) (*KafkaLog, error) {
	admin, err := kgo.NewClient(kgo.SeedBrokers(brokers...), kgo.ClientID("broker-admin"))
	if err != nil {
		return nil, fmt.Errorf("durablelog: connect kafka: %w", err)
	}
	return &KafkaLog{
		brokers:  brokers,
		logger:   logger,
		admin:    admin,
		channels: make(map[string]*channelLog),
	}, nil
}

// Client exposes the admin client for health probes.
func (k *KafkaLog) Client() *kgo.Client {
	return k.admin
}

// EnsureChannel provisions the per-channel topic producer and starts its
// replay loop; it does not create the Kafka topic. It is idempotent; calling it twice for the same channel is a
// no-op on the second call. Called by the Channel Registry on createChannel
// and on first lookup after a process restart.
func (k *KafkaLog) EnsureChannel(ctx context.Context, channelID, topic string) error {
	k.mu.Lock()
	if _, ok := k.channels[channelID]; ok {
		k.mu.Unlock()
		return nil
	}
	k.mu.Unlock()

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(k.brokers...),
		kgo.ClientID("broker-"+channelID),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return fmt.Errorf("durablelog: create producer for %s: %w", channelID, err)
	}

	cl := &channelLog{topic: topic, producer: producer, have: make(map[int64]struct{}), closeCh: make(chan struct{})}
	cl.cond = sync.NewCond(&cl.mu)

	k.mu.Lock()
	k.channels[channelID] = cl
	k.mu.Unlock()

	go k.replayLoop(channelID, cl, topic)
	return nil
}

// replayLoop continuously consumes the channel's topic from the start and
// keeps the in-memory buffer current. It is the "suspension point" the
// receive() long-poll depends on; waiters are woken via cond.Broadcast each
// time new records land.
func (k *KafkaLog) replayLoop(channelID string, cl *channelLog, topic string) {
	consumer, err := kgo.NewClient(
		k.seedOpt(),
		kgo.ClientID("broker-replay-"+channelID),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		k.logger.WithError(err).WithField("channel_id", channelID).Error("durablelog: failed to start replay consumer")
		return
	}
	defer consumer.Close()

	for {
		select {
		case <-cl.closeCh:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		fetches := consumer.PollFetches(ctx)
		cancel()

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				k.logger.WithError(e.Err).WithField("channel_id", channelID).Warn("durablelog: fetch error")
			}
			continue
		}

		var newEvents []broker.EventMessage
		fetches.EachRecord(func(rec *kgo.Record) {
			var env broker.EventMessage
			if err := json.Unmarshal(rec.Value, &env); err != nil {
				k.logger.WithError(err).WithField("channel_id", channelID).Warn("durablelog: dropping undecodable record")
				return
			}
			newEvents = append(newEvents, env)
		})

		if len(newEvents) > 0 {
			cl.mu.Lock()
			added := false
			for _, env := range newEvents {
				if cl.insertLocked(env) {
					added = true
				}
			}
			if added {
				cl.cond.Broadcast()
			}
			cl.mu.Unlock()
		}
	}
}

func (k *KafkaLog) seedOpt() kgo.Opt {
	return kgo.SeedBrokers(k.brokers...)
}

func (k *KafkaLog) channel(channelID string) (*channelLog, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	cl, ok := k.channels[channelID]
	return cl, ok
}

// Append assigns localOffset from a per-channel atomic counter before
// producing (the Kafka partition offset in the ack is not consulted) and
// writes synchronously to Kafka. On
// failure it returns a Transient error; the spent offset is never reused but
// is also never observed by a caller, so offsets stay strictly increasing
// across successful sends.
func (k *KafkaLog) Append(ctx context.Context, channelID string, env broker.EventMessage) (int64, int64, error) {
	cl, ok := k.channel(channelID)
	if !ok {
		return 0, 0, broker.NewError(broker.ErrTransient, "durable log not provisioned for channel %s", channelID)
	}

	localOffset := cl.local.Add(1)
	env.LocalOffset = localOffset

	payload, err := json.Marshal(env)
	if err != nil {
		return 0, 0, broker.NewError(broker.ErrBadRequest, "encode event: %v", err)
	}

	produceCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	result := cl.producer.ProduceSync(produceCtx, &kgo.Record{Topic: cl.topic, Value: payload})
	if err := result.FirstErr(); err != nil {
		return 0, 0, broker.NewError(broker.ErrTransient, "kafka append failed: %v", err)
	}

	// Make the event visible to readers immediately rather than waiting for
	// the replay loop to catch up with its own fetch of the record we just
	// produced; insertLocked drops that later fetch as a duplicate.
	cl.mu.Lock()
	if cl.insertLocked(env) {
		cl.cond.Broadcast()
	}
	cl.mu.Unlock()

	return env.GlobalOffset, localOffset, nil
}

// ReadRange returns events with localOffset > fromLocal AND globalOffset >
// fromGlobal, in append order, blocking up to wait if none are yet
// available.
func (k *KafkaLog) ReadRange(ctx context.Context, channelID string, fromGlobal, fromLocal int64, limit int, wait time.Duration) ([]broker.EventMessage, error) {
	cl, ok := k.channel(channelID)
	if !ok {
		return nil, broker.NewError(broker.ErrChannelNotFound, "channel %s has no durable log", channelID)
	}

	deadline := time.Now().Add(wait)
	cl.mu.Lock()
	defer cl.mu.Unlock()

	for {
		out := selectRange(cl.buf, fromGlobal, fromLocal, limit)
		if len(out) > 0 || wait <= 0 {
			return out, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return out, nil
		}
		if ctx.Err() != nil {
			return out, nil
		}
		waitWithTimeout(cl.cond, remaining)
		if time.Now().After(deadline) {
			return selectRange(cl.buf, fromGlobal, fromLocal, limit), nil
		}
	}
}

func selectRange(buf []broker.EventMessage, fromGlobal, fromLocal int64, limit int) []broker.EventMessage {
	var out []broker.EventMessage
	for _, e := range buf {
		if e.LocalOffset > fromLocal && e.GlobalOffset > fromGlobal {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// waitWithTimeout wakes cond.Wait() after d even without a Broadcast, by
// running the wait on a helper goroutine and racing it against a timer.
// sync.Cond has no native timeout; this is the standard workaround.
func waitWithTimeout(cond *sync.Cond, d time.Duration) {
	done := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	go func() {
		cond.Wait()
		close(done)
	}()
	<-done
	timer.Stop()
}

// TruncateOrDelete deletes the channel's topic and drops its in-memory
// buffer. The underlying Kafka topic deletion is best-effort: a failure to
// delete the topic does not prevent the channel from being usable again
// under a freshly recreated topic name.
func (k *KafkaLog) TruncateOrDelete(ctx context.Context, channelID string) error {
	k.mu.Lock()
	cl, ok := k.channels[channelID]
	if ok {
		delete(k.channels, channelID)
	}
	k.mu.Unlock()
	if !ok {
		return nil
	}

	close(cl.closeCh)
	cl.producer.Close()

	admClient := kadm.NewClient(k.admin)
	if _, err := admClient.DeleteTopics(ctx, cl.topic); err != nil {
		k.logger.WithError(err).WithField("channel_id", channelID).Warn("durablelog: failed to delete kafka topic")
	}
	return nil
}

// LastOffset reports the highest localOffset currently buffered for the
// channel.
func (k *KafkaLog) LastOffset(channelID string) int64 {
	cl, ok := k.channel(channelID)
	if !ok {
		return 0
	}
	return cl.local.Load()
}

// Close releases the admin client and stops tracking all channels.
func (k *KafkaLog) Close() error {
	k.mu.Lock()
	for id, cl := range k.channels {
		close(cl.closeCh)
		cl.producer.Close()
		delete(k.channels, id)
	}
	k.mu.Unlock()
	k.admin.Close()
	return nil
}
