package collab

// events surfaced to the end user

type PeerEventFunction = func(peers []*PeerPresence)
type StatusEventFunction = func(status ConnectionStatus)

// connection lifecycle of an open board:
// StatusOffline (terminal, never connected by design)
// StatusConnecting
//
//	-> StatusConnected
//	  -> StatusReconnecting -> StatusConnected | StatusDisconnected
//	-> StatusDisconnected (manual reconnect affordance)
type ConnectionStatus string

const (
	StatusOffline      ConnectionStatus = "offline"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusDisconnected ConnectionStatus = "disconnected"
)

func (self ConnectionStatus) IsTerminal() bool {
	switch self {
	case StatusOffline:
		return true
	default:
		return false
	}
}

type PresenceMonitor struct {
	peerEventCallbacks   *CallbackList[PeerEventFunction]
	statusEventCallbacks *CallbackList[StatusEventFunction]
}

func NewPresenceMonitor() *PresenceMonitor {
	return &PresenceMonitor{
		peerEventCallbacks:   NewCallbackList[PeerEventFunction](),
		statusEventCallbacks: NewCallbackList[StatusEventFunction](),
	}
}

func (self *PresenceMonitor) AddPeerEventCallback(peerEventCallback PeerEventFunction) func() {
	callbackId := self.peerEventCallbacks.Add(peerEventCallback)
	return func() {
		self.peerEventCallbacks.Remove(callbackId)
	}
}

func (self *PresenceMonitor) AddStatusEventCallback(statusEventCallback StatusEventFunction) func() {
	callbackId := self.statusEventCallbacks.Add(statusEventCallback)
	return func() {
		self.statusEventCallbacks.Remove(callbackId)
	}
}

func (self *PresenceMonitor) peerEvent(peers []*PeerPresence) {
	for _, peerEventCallback := range self.peerEventCallbacks.Get() {
		func() {
			defer recover()
			peerEventCallback(peers)
		}()
	}
}

func (self *PresenceMonitor) statusEvent(status ConnectionStatus) {
	for _, statusEventCallback := range self.statusEventCallbacks.Get() {
		func() {
			defer recover()
			statusEventCallback(status)
		}()
	}
}
