// Package export tails tenants' change streams into Kafka.
//
// Each tenant has its own exporter goroutine. Messages are keyed by tenant
// so one tenant's events stay ordered within a partition, and carry the
// resume token of the event. A tenant is exported from its oldest retained
// event; after every written batch the token is checkpointed, so a restart
// resumes exactly after the last exported event.
// Lost history or a disabled incarnation stops the exporter with the error;
// the checkpoint is left as is for an operator to inspect.
package export

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"
	"github.com/juju/clock"
	"github.com/segmentio/kafka-go"
	"gopkg.in/tomb.v2"

	"github.com/rzbill/changeflo/internal/changestream"
	"github.com/rzbill/changeflo/internal/resumetoken"
	pebblestore "github.com/rzbill/changeflo/internal/storage/pebble"
	"github.com/rzbill/changeflo/internal/streamerr"
	"github.com/rzbill/changeflo/pkg/log"
)

// Writer is the part of *kafka.Writer the exporter uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a synchronous, fully acknowledged writer.
func NewKafkaWriter(brokers []string, topic string, batchSize int, batchTimeout time.Duration) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    batchSize,
		BatchTimeout: batchTimeout,
	}
}

// Options configures an Exporter.
type Options struct {
	Tenants   []string
	BatchSize int
	// IdleRetry is how long to wait before reopening a tenant whose change
	// streams are not enabled yet.
	IdleRetry time.Duration
	// WriteRetry bounds retries of a failed Kafka write.
	WriteRetry time.Duration
	Logger     log.Logger
	Clock      clock.Clock
}

// Exporter runs one export loop per tenant.
type Exporter struct {
	db      *pebblestore.DB
	watcher *changestream.Watcher
	writer  Writer
	opts    Options
	logger  log.Logger
	tomb    tomb.Tomb
}

// New returns an idle exporter.
func New(db *pebblestore.DB, watcher *changestream.Watcher, writer Writer, opts Options) *Exporter {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.IdleRetry <= 0 {
		opts.IdleRetry = 5 * time.Second
	}
	if opts.WriteRetry <= 0 {
		opts.WriteRetry = time.Minute
	}
	return &Exporter{
		db:      db,
		watcher: watcher,
		writer:  writer,
		opts:    opts,
		logger:  opts.Logger.WithComponent("export"),
	}
}

// Start launches the per-tenant loops.
func (e *Exporter) Start() {
	tenants := e.opts.Tenants
	e.tomb.Go(func() error {
		for _, t := range tenants {
			t := t
			e.tomb.Go(func() error { return e.run(t) })
		}
		return nil
	})
}

// Stop stops every loop and closes the writer.
func (e *Exporter) Stop() error {
	e.tomb.Kill(nil)
	err := e.tomb.Wait()
	if cerr := e.writer.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Dead is closed when every loop has exited.
func (e *Exporter) Dead() <-chan struct{} { return e.tomb.Dead() }

// Err returns the error that stopped the exporter, if any.
func (e *Exporter) Err() error {
	if err := e.tomb.Err(); err != tomb.ErrStillAlive {
		return err
	}
	return nil
}

func checkpointKey(tenant string) []byte { return []byte("export/ckpt/" + tenant) }

// Checkpoint returns the token after the last exported event of tenant.
func (e *Exporter) Checkpoint(tenant string) (resumetoken.Token, error) {
	b, err := e.db.Get(checkpointKey(tenant))
	if pebblestore.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return resumetoken.Token(b), nil
}

func (e *Exporter) run(tenant string) error {
	ctx := e.tomb.Context(context.Background())
	logger := e.logger.WithField("tenant", tenant)
	for {
		err := e.export(ctx, tenant, logger)
		switch {
		case ctx.Err() != nil:
			return nil
		case streamerr.Is(err, streamerr.KindNotEnabled):
			logger.Debug("change streams not enabled, waiting")
		case err != nil:
			logger.Error("export stopped", log.Err(err))
			return errors.Wrapf(err, "export %s", tenant)
		}
		select {
		case <-e.tomb.Dying():
			return nil
		case <-e.opts.Clock.After(e.opts.IdleRetry):
		}
	}
}

func (e *Exporter) export(ctx context.Context, tenant string, logger log.Logger) error {
	tok, err := e.Checkpoint(tenant)
	if err != nil {
		return err
	}
	opts := changestream.Options{ResumeAfter: tok, BatchSize: e.opts.BatchSize}
	if tok == "" {
		opts.FromEarliest = true
	}
	cur, err := e.watcher.Open(ctx, tenant, opts)
	if err != nil {
		return err
	}
	defer cur.Close()
	logger.Info("export started", log.Bool("resumed", tok != ""))

	batch := make([]kafka.Message, 0, e.opts.BatchSize)
	for {
		ok, err := cur.HasNext(ctx)
		if err != nil {
			return err
		}
		if !ok {
			// Closed by an invalidating event; the tenant-wide stream never
			// is, so this only happens on shutdown.
			return ctx.Err()
		}
		batch = batch[:0]
		for len(batch) < e.opts.BatchSize {
			ev, err := cur.TryNext(ctx)
			if err != nil {
				return err
			}
			if ev == nil {
				break
			}
			msg, err := message(cur.Document(*ev))
			if err != nil {
				return err
			}
			batch = append(batch, msg)
		}
		if len(batch) == 0 {
			continue
		}
		if err := e.write(ctx, batch); err != nil {
			return err
		}
		if err := e.db.Set(checkpointKey(tenant), []byte(cur.ResumeToken())); err != nil {
			return errors.Wrap(err, "persist export checkpoint")
		}
	}
}

func (e *Exporter) write(ctx context.Context, batch []kafka.Message) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := e.writer.WriteMessages(ctx, batch...)
		if err != nil && ctx.Err() == nil {
			e.logger.Warn("kafka write failed, retrying", log.Int("messages", len(batch)), log.Err(err))
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(e.opts.WriteRetry),
	)
	return err
}

func message(doc changestream.Document) (kafka.Message, error) {
	value, err := json.Marshal(doc)
	if err != nil {
		return kafka.Message{}, errors.Wrap(err, "encode event")
	}
	return kafka.Message{
		Key:   []byte(doc.Tenant),
		Value: value,
		Headers: []kafka.Header{
			{Key: "resume_token", Value: []byte(doc.ID)},
			{Key: "epoch", Value: []byte(strconv.FormatUint(doc.Epoch, 10))},
			{Key: "operation_type", Value: []byte(doc.OpType)},
		},
		Time: doc.WallTime(),
	}, nil
}
