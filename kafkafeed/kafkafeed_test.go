package kafkafeed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"gotest.tools/assert"

	"github.com/andreyvit/tabkv"
	"github.com/andreyvit/tabkv/storetest"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

// fakeReader serves queued messages, then blocks until ctx is canceled.
type fakeReader struct {
	queue     []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.queue) == 0 {
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.queue[0]
	r.queue = r.queue[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

var when = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func TestPublisherEncodesChanges(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, "changes", storetest.Logger(t))

	err := p.PublishChanges(context.Background(), []tabkv.Change{
		{Op: tabkv.ChangeInsert, TenantID: "acme", TableID: "users", RowID: "u1", Row: tabkv.Row{"a": tabkv.Int(1)}, Time: when},
		{Op: tabkv.ChangeDelete, TenantID: "acme", TableID: "orders", RowID: "o1", Time: when},
	})
	assert.NilError(t, err)
	assert.Equal(t, len(w.msgs), 2)

	m := w.msgs[0]
	assert.Equal(t, string(m.Key), "acme/users")
	assert.Equal(t, string(m.Value), `{"op":"insert","tenantId":"acme","tableId":"users","rowId":"u1","row":{"a":1},"time":"2024-05-01T10:00:00Z"}`)
	assert.Equal(t, m.Headers[0].Key, "tabkv-op")
	assert.Equal(t, string(m.Headers[0].Value), "insert")
	assert.Equal(t, string(w.msgs[1].Key), "acme/orders")

	chg, err := decodeMessage(m)
	assert.NilError(t, err)
	assert.Equal(t, chg.Op, tabkv.ChangeInsert)
	assert.DeepEqual(t, chg.Row, tabkv.Row{"a": tabkv.Int(1)})
}

func TestPublisherErrors(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker unavailable")}
	p := newPublisher(w, "changes", storetest.Logger(t))
	err := p.PublishChanges(context.Background(), []tabkv.Change{{Op: tabkv.ChangeInsert, TenantID: "a", TableID: "b"}})
	assert.ErrorContains(t, err, "broker unavailable")

	assert.NilError(t, p.Close())
	assert.Assert(t, w.closed)
	assert.NilError(t, p.Close())
	err = p.PublishChanges(context.Background(), nil)
	assert.Assert(t, errors.Is(err, ErrClosed))
}

func TestPublisherAsSink(t *testing.T) {
	ctx := context.Background()
	w := &fakeWriter{}
	p := newPublisher(w, "changes", storetest.Logger(t))
	db := tabkv.Open(tabkv.NewMemStore(), tabkv.Options{Logger: storetest.Logger(t), Sinks: []tabkv.ChangeSink{p}})
	defer db.Close()

	_, err := db.CreateTable(ctx, "acme", "users", tabkv.TableMetadata{})
	assert.NilError(t, err)
	_, err = db.InsertRow(ctx, "acme", "users", "u1", tabkv.Row{"n": tabkv.String("x")})
	assert.NilError(t, err)
	assert.Equal(t, len(w.msgs), 2)
	assert.Equal(t, string(w.msgs[1].Headers[0].Value), "insert")
}

func TestConsumerAppliesAndCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := &fakeWriter{}
	p := newPublisher(w, "changes", storetest.Logger(t))
	src := tabkv.Open(tabkv.NewMemStore(), tabkv.Options{Logger: storetest.Logger(t), Sinks: []tabkv.ChangeSink{p}})
	defer src.Close()
	_, err := src.CreateTable(ctx, "acme", "users", tabkv.TableMetadata{})
	assert.NilError(t, err)
	_, err = src.InsertRow(ctx, "acme", "users", "u1", tabkv.Row{"n": tabkv.Int(5)})
	assert.NilError(t, err)

	queue := append([]kafka.Message(nil), w.msgs...)
	queue = append(queue, kafka.Message{Value: []byte("not json")})
	for i := range queue {
		queue[i].Offset = int64(i)
	}
	r := &fakeReader{queue: queue, cancel: cancel}
	c := newConsumer(r, storetest.Logger(t))

	dst := tabkv.Open(tabkv.NewMemStore(), tabkv.Options{Logger: storetest.Logger(t)})
	defer dst.Close()
	err = c.Run(ctx, dst.Apply)
	assert.NilError(t, err)
	assert.DeepEqual(t, r.committed, []int64{0, 1, 2})

	row, err := dst.GetRow(context.Background(), "acme", "users", "u1")
	assert.NilError(t, err)
	assert.DeepEqual(t, row, tabkv.Row{"n": tabkv.Int(5)})
}

func TestConsumerStopsOnHandlerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msg, err := encodeMessage(&tabkv.Change{Op: tabkv.ChangeInsert, TenantID: "a", TableID: "b", RowID: "1"})
	assert.NilError(t, err)
	r := &fakeReader{queue: []kafka.Message{msg}, cancel: cancel}
	c := newConsumer(r, storetest.Logger(t))

	boom := errors.New("boom")
	err = c.Run(ctx, func(ctx context.Context, chg tabkv.Change) error { return boom })
	assert.Assert(t, errors.Is(err, boom))
	assert.Equal(t, len(r.committed), 0)
}

func TestConfigValidation(t *testing.T) {
	_, err := NewPublisher(Config{Topic: "t"})
	assert.ErrorContains(t, err, "broker")
	_, err = NewConsumer(Config{Brokers: []string{"localhost:9092"}})
	assert.ErrorContains(t, err, "topic")
}
