package mq

// State — состояние consumer.
//
// Жизненный цикл:
//
//	DISCONNECTED → CONNECTING → CHANNEL_OPEN → QUEUE_READY → BOUND → CONSUMING
//	CONSUMING → CANCELLING → CHANNEL_CLOSING → CONNECTION_CLOSING → DISCONNECTED (stop)
//	любое состояние → RECONNECTING → CONNECTING (потеря соединения без stop)
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateChannelOpen
	StateQueueReady
	StateBound
	StateConsuming
	StateCancelling
	StateChannelClosing
	StateConnectionClosing
	StateReconnecting
)

var stateNames = [...]string{
	StateDisconnected:      "DISCONNECTED",
	StateConnecting:        "CONNECTING",
	StateChannelOpen:       "CHANNEL_OPEN",
	StateQueueReady:        "QUEUE_READY",
	StateBound:             "BOUND",
	StateConsuming:         "CONSUMING",
	StateCancelling:        "CANCELLING",
	StateChannelClosing:    "CHANNEL_CLOSING",
	StateConnectionClosing: "CONNECTION_CLOSING",
	StateReconnecting:      "RECONNECTING",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}
