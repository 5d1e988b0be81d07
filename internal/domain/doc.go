// Package domain содержит общий контракт publisher и consumer.
//
// Процессы не делят код во время работы: общими являются только имена
// exchange/queue и формат конверта Envelope ({time, message}).
package domain
