package models

// ConnectionState is the single process-wide transport state. Transitions
// drive UI banners and gate outbound sends.
type ConnectionState string

const (
	StateConnected    ConnectionState = "connected"
	StateConnecting   ConnectionState = "connecting"
	StateDisconnected ConnectionState = "disconnected"
	StateReconnecting ConnectionState = "reconnecting"
)
