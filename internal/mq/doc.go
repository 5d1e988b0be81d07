// Package mq предоставляет publisher и consumer конвертов поверх RabbitMQ.
//
// Структура:
//   - connection.go — абстракция соединения/канала (Dialer, Connection, Channel, Sleeper)
//   - topology.go   — объявление exchange, очереди и привязки
//   - publisher.go  — однократная публикация с повтором после транспортной ошибки
//   - consumer.go   — долгоживущий consumer: prefetch, ack, переподключение, graceful stop
//   - state.go      — состояния consumer
//   - errors.go     — классификация ошибок (IsRetryable, IsFatal)
//
// Топология по умолчанию:
//
//	my_exchange (direct)
//	└── my_queue [routing: ""]
//	        Consumer: relay-consume
//
// Гарантии доставки: at-least-once. Повтор публикации после ошибки,
// которая пришла уже после сохранения сообщения брокером, даёт дубликат;
// consumer, упавший до ack, получит сообщение повторно.
package mq
