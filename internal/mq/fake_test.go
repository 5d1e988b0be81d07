package mq

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker — брокер в памяти для тестов publisher и consumer.
//
// Записывает порядок вызовов, соблюдает prefetch (не выдаёт больше
// prefetch неподтверждённых доставок) и позволяет имитировать разрывы.
type fakeBroker struct {
	mu sync.Mutex

	calls    []string
	conns    []*fakeConn
	channels []*fakeChannel

	// Ошибки, которые вернутся на очередной вызов (nil — успех).
	dialErrs         []error
	queueDeclareErrs []error
	bindErrs         []error
	publishErrs      []error

	// Ошибки закрытия (канал/соединение всё равно закрываются).
	channelCloseErr error
	connCloseErr    error

	// exchanges — уже существующие exchange: имя → тип.
	exchanges map[string]string

	attempts  []fakePublish // все попытки публикации
	published []fakePublish // успешные публикации

	acked      []uint64
	nacked     []fakeNack
	maxUnacked int
}

type fakePublish struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeNack struct {
	tag     uint64
	requeue bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{exchanges: map[string]string{}}
}

func (b *fakeBroker) recordLocked(call string) {
	b.calls = append(b.calls, call)
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

// Dial — Dialer поверх fakeBroker.
func (b *fakeBroker) Dial(url string, _ amqp.Config) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.recordLocked("dial")
	if err := popErr(&b.dialErrs); err != nil {
		return nil, err
	}

	conn := &fakeConn{b: b, url: url}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBroker) countCalls(prefix string) int {
	n := 0
	for _, c := range b.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (b *fakeBroker) Conn(i int) *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= len(b.conns) {
		return nil
	}
	return b.conns[i]
}

func (b *fakeBroker) ConnCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *fakeBroker) Channel(i int) *fakeChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= len(b.channels) {
		return nil
	}
	return b.channels[i]
}

func (b *fakeBroker) Acked() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.acked...)
}

func (b *fakeBroker) Nacked() []fakeNack {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]fakeNack(nil), b.nacked...)
}

func (b *fakeBroker) MaxUnacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxUnacked
}

func (b *fakeBroker) Attempts() []fakePublish {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]fakePublish(nil), b.attempts...)
}

func (b *fakeBroker) Published() []fakePublish {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]fakePublish(nil), b.published...)
}

// --- Connection ---

type fakeConn struct {
	b        *fakeBroker
	url      string
	closed   bool
	notify   []chan *amqp.Error
	channels []*fakeChannel
}

func (c *fakeConn) Channel() (Channel, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}

	ch := &fakeChannel{b: c.b, conn: c}
	c.channels = append(c.channels, ch)
	c.b.channels = append(c.b.channels, ch)
	c.b.recordLocked("channel.open")
	return ch, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConn) IsClosed() bool {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.b.recordLocked("connection.close")
	c.shutdownLocked(nil)
	return c.b.connCloseErr
}

// Drop имитирует закрытие соединения брокером.
func (c *fakeConn) Drop(reason *amqp.Error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	c.b.recordLocked("connection.drop")
	c.shutdownLocked(reason)
}

func (c *fakeConn) shutdownLocked(reason *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true

	for _, ch := range c.channels {
		ch.shutdownLocked(reason)
	}
	for _, r := range c.notify {
		if reason != nil {
			r <- reason
		}
		close(r)
	}
	c.notify = nil
}

// --- Channel ---

type fakeChannel struct {
	b    *fakeBroker
	conn *fakeConn

	closed      bool
	prefetch    int
	deliveries  chan amqp.Delivery
	consumerTag string
	nextTag     uint64
	unacked     int

	notifyClose  []chan *amqp.Error
	notifyCancel []chan string
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.b.recordLocked(fmt.Sprintf("exchange.declare:%s:%s:durable=%v", name, kind, durable))

	if existing, ok := ch.b.exchanges[name]; ok && existing != kind {
		// как RabbitMQ: исключение канала, канал закрывается
		err := &amqp.Error{
			Code:   amqp.PreconditionFailed,
			Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s': received '%s' but current is '%s'", name, kind, existing),
		}
		ch.shutdownLocked(err)
		return err
	}
	ch.b.exchanges[name] = kind
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	ch.b.recordLocked(fmt.Sprintf("queue.declare:%s:durable=%v", name, durable))
	if err := popErr(&ch.b.queueDeclareErrs); err != nil {
		return amqp.Queue{}, err
	}
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.b.recordLocked(fmt.Sprintf("queue.bind:%s:%q:%s", name, key, exchange))
	return popErr(&ch.b.bindErrs)
}

func (ch *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.b.recordLocked(fmt.Sprintf("qos:%d", prefetchCount))
	ch.prefetch = prefetchCount
	return nil
}

func (ch *fakeChannel) Consume(queue, consumer string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	ch.b.recordLocked(fmt.Sprintf("consume:%s:%s:autoAck=%v", queue, consumer, autoAck))

	size := ch.prefetch
	if size <= 0 {
		size = 1
	}
	ch.deliveries = make(chan amqp.Delivery, size)
	ch.consumerTag = consumer
	return ch.deliveries, nil
}

func (ch *fakeChannel) Cancel(consumer string, _ bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.b.recordLocked("channel.cancel:" + consumer)
	if consumer != ch.consumerTag {
		return fmt.Errorf("unknown consumer tag %q", consumer)
	}

	// cancel-ok: библиотека закрывает канал доставок
	close(ch.deliveries)
	ch.deliveries = nil
	ch.consumerTag = ""
	ch.b.recordLocked("cancel-ok")
	return nil
}

func (ch *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.b.recordLocked("publish")

	p := fakePublish{exchange: exchange, key: key, msg: msg}
	ch.b.attempts = append(ch.b.attempts, p)
	if err := popErr(&ch.b.publishErrs); err != nil {
		return err
	}
	ch.b.published = append(ch.b.published, p)
	return nil
}

func (ch *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notifyClose = append(ch.notifyClose, receiver)
	return receiver
}

func (ch *fakeChannel) NotifyCancel(receiver chan string) chan string {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notifyCancel = append(ch.notifyCancel, receiver)
	return receiver
}

func (ch *fakeChannel) IsClosed() bool {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	return ch.closed
}

func (ch *fakeChannel) Close() error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.b.recordLocked("channel.close")
	ch.shutdownLocked(nil)
	return ch.b.channelCloseErr
}

// Drop имитирует закрытие канала брокером (например, 406 PRECONDITION_FAILED).
func (ch *fakeChannel) Drop(reason *amqp.Error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	ch.b.recordLocked("channel.drop")
	ch.shutdownLocked(reason)
}

// RemoteCancel имитирует basic.cancel от брокера (например, очередь удалена).
func (ch *fakeChannel) RemoteCancel() {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	ch.b.recordLocked("remote.cancel")
	for _, r := range ch.notifyCancel {
		r <- ch.consumerTag
	}
}

func (ch *fakeChannel) shutdownLocked(reason *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true

	if ch.deliveries != nil {
		close(ch.deliveries)
		ch.deliveries = nil
	}
	for _, r := range ch.notifyClose {
		if reason != nil {
			r <- reason
		}
		close(r)
	}
	ch.notifyClose = nil
	for _, r := range ch.notifyCancel {
		close(r)
	}
	ch.notifyCancel = nil
}

// Deliver отправляет сообщение consumer, дожидаясь свободного места в окне prefetch.
// Возвращает false, если канал закрылся или окно не освободилось вовремя.
func (ch *fakeChannel) Deliver(d amqp.Delivery) bool {
	deadline := time.Now().Add(2 * time.Second)

	for time.Now().Before(deadline) {
		ch.b.mu.Lock()
		if ch.closed {
			ch.b.mu.Unlock()
			return false
		}
		if ch.deliveries != nil && ch.unacked < ch.prefetch {
			ch.nextTag++
			d.DeliveryTag = ch.nextTag
			d.ConsumerTag = ch.consumerTag
			d.Acknowledger = ch
			ch.unacked++
			if ch.unacked > ch.b.maxUnacked {
				ch.b.maxUnacked = ch.unacked
			}
			// буфер размером prefetch: отправка не блокируется
			ch.deliveries <- d
			ch.b.mu.Unlock()
			return true
		}
		ch.b.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	return false
}

// --- amqp.Acknowledger ---

func (ch *fakeChannel) Ack(tag uint64, _ bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.unacked--
	ch.b.acked = append(ch.b.acked, tag)
	return nil
}

func (ch *fakeChannel) Nack(tag uint64, _ bool, requeue bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.unacked--
	ch.b.nacked = append(ch.b.nacked, fakeNack{tag: tag, requeue: requeue})
	return nil
}

func (ch *fakeChannel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

// --- helpers ---

// fakeSleeper запоминает паузы и возвращается сразу.
type fakeSleeper struct {
	mu        sync.Mutex
	durations []time.Duration
	err       error
}

func (s *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.durations = append(s.durations, d)
	err := s.err
	s.mu.Unlock()

	if err != nil {
		return err
	}
	return ctx.Err()
}

func (s *fakeSleeper) Durations() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.durations...)
}

// waitFor ждёт выполнения условия.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// indexOf возвращает позицию первого вызова с префиксом prefix.
func indexOf(calls []string, prefix string) int {
	for i, c := range calls {
		if strings.HasPrefix(c, prefix) {
			return i
		}
	}
	return -1
}
