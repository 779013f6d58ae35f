package domain

type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusErrored      ConnectionStatus = "errored"
)

// ConnectionState is what UI status indicators observe.
type ConnectionState struct {
	Status    ConnectionStatus
	Attempt   int
	LastError error
}

func (s ConnectionState) Connected() bool {
	return s.Status == StatusConnected
}
