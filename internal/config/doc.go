// Package config читает настройки publisher и consumer из переменных окружения.
//
// Переменные:
//   - RABBITMQ_URL или RABBITMQ_HOST/PORT/VHOST/USER/PASSWORD — брокер
//   - RELAY_EXCHANGE, RELAY_EXCHANGE_KIND, RELAY_DECLARE_EXCHANGE, RELAY_QUEUE — топология
//   - RELAY_PREFETCH, RELAY_RECONNECT_DELAY — consumer
//   - RELAY_PUBLISH_BACKOFF, RELAY_PUBLISH_MAX_ATTEMPTS — publisher
//   - RELAY_HEARTBEAT, RELAY_METRICS_ADDR, RELAY_DB_URL
package config
