// Package cli содержит cobra-команды relay-publish и relay-consume.
//
// Команды не создают соединений сами: зависимости (publisher, consumer,
// хранилище) передаются фабричными функциями из main, поэтому команды
// тестируются с подменёнными реализациями.
//
//	relay-publish hello world   # один конверт {"time": ..., "message": "hello world"}
//	relay-consume               # до SIGINT/SIGTERM; /healthz и /metrics на RELAY_METRICS_ADDR
package cli
