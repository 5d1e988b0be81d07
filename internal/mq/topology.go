package mq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Имена по умолчанию — общий контракт publisher и consumer.
const (
	DefaultExchange   Exchange   = "my_exchange"
	DefaultQueue      Queue      = "my_queue"
	DefaultRoutingKey RoutingKey = ""
)

// Topology описывает exchange, очередь и привязку между ними.
//
// Объявления идемпотентны: повторное объявление существующей сущности
// с теми же параметрами ничего не меняет, поэтому consumer выполняет их
// на каждом подключении.
type Topology struct {
	Exchange     Exchange
	ExchangeKind string
	Queue        Queue
	RoutingKey   RoutingKey

	// DeclareExchange — объявлять ли exchange. По умолчанию false: exchange
	// создаёт оператор, и объявление с другим типом закончилось бы 406.
	DeclareExchange bool
}

// DefaultTopology возвращает топологию по умолчанию.
func DefaultTopology() Topology {
	return Topology{
		Exchange:        DefaultExchange,
		ExchangeKind:    amqp.ExchangeDirect,
		Queue:           DefaultQueue,
		RoutingKey:      DefaultRoutingKey,
		DeclareExchange: false,
	}
}

func (t Topology) withDefaults() Topology {
	if t.Exchange == "" {
		t.Exchange = DefaultExchange
	}
	if t.ExchangeKind == "" {
		t.ExchangeKind = amqp.ExchangeDirect
	}
	if t.Queue == "" {
		t.Queue = DefaultQueue
	}
	return t
}

// DeclareExchangeOn объявляет durable exchange, если это включено.
func (t Topology) DeclareExchangeOn(ch Channel) error {
	if !t.DeclareExchange {
		return nil
	}

	err := ch.ExchangeDeclare(
		string(t.Exchange), // name
		t.ExchangeKind,     // type
		true,               // durable
		false,              // auto-deleted
		false,              // internal
		false,              // no-wait
		nil,                // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}
	return nil
}

// DeclareQueueOn объявляет durable очередь с аргументами по умолчанию.
func (t Topology) DeclareQueueOn(ch Channel) error {
	_, err := ch.QueueDeclare(
		string(t.Queue), // name
		true,            // durable
		false,           // delete when unused
		false,           // exclusive
		false,           // no-wait
		nil,             // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}
	return nil
}

// BindOn привязывает очередь к exchange.
func (t Topology) BindOn(ch Channel) error {
	err := ch.QueueBind(
		string(t.Queue),      // queue name
		string(t.RoutingKey), // routing key
		string(t.Exchange),   // exchange
		false,                // no-wait
		nil,                  // arguments
	)
	if err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", t.Queue, t.Exchange, err)
	}
	return nil
}

// Describe возвращает описание топологии для логирования.
func (t Topology) Describe() string {
	return fmt.Sprintf("%s (%s) -> %s [routing: %q]", t.Exchange, t.ExchangeKind, t.Queue, t.RoutingKey)
}
