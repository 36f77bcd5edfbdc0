package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type PresenceSettings struct {
	WsHandshakeTimeout time.Duration
	HelloTimeout       time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	// consecutive dial failures before the session parks itself in
	// `StatusDisconnected` and waits for a manual reconnect
	MaxDialFailures int
}

func DefaultPresenceSettings() *PresenceSettings {
	return &PresenceSettings{
		WsHandshakeTimeout: 2 * time.Second,
		HelloTimeout:       2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		MaxDialFailures:    3,
	}
}

// who the local participant is. `ByJwt` is the bearer credential for the
// relay; user fields left empty are filled from its claims when possible.
type PresenceIdentity struct {
	User  PresenceUser
	ByJwt string
}

func (self *PresenceIdentity) resolveUser() PresenceUser {
	user := self.User
	if self.ByJwt != "" {
		if byJwt, err := ParseByJwtUnverified(self.ByJwt); err == nil {
			if user.Id == "" {
				user.Id = byJwt.UserId
			}
			if user.Name == "" {
				user.Name = byJwt.UserName
			}
		}
	}
	return user
}

// creates a presence session for a board, or nil when realtime
// collaboration is not available: viewing a historical version, or the
// workspace is offline. A nil session is the valid `StatusOffline`
// terminal state, not a failure, and no connection is ever attempted.
func ConnectPresence(
	ctx context.Context,
	relayUrl string,
	key BoardKey,
	version *Version,
	offline bool,
	identity *PresenceIdentity,
	settings *PresenceSettings,
) *PresenceSession {
	if version != nil || offline {
		return nil
	}
	return NewPresenceSession(ctx, relayUrl, key, identity, settings)
}

// the realtime "who is here and what are they doing" side channel, keyed
// by `{appId}:{boardId}`. Every participant publishes named fields under
// its own transport-assigned client id and observes everyone else's.
// Only the local participant writes its own slot, so no distributed
// locking is needed.
type PresenceSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	relayUrl string
	key      BoardKey
	identity *PresenceIdentity
	settings *PresenceSettings

	monitor *PresenceMonitor

	updateMonitor   *Monitor
	manualReconnect chan struct{}

	stateLock    sync.Mutex
	clientId     uint64
	status       ConnectionStatus
	localState   PresenceState
	pendingState *PresenceState
	peers        map[uint64]*PeerPresence
}

func NewPresenceSessionWithDefaults(
	ctx context.Context,
	relayUrl string,
	key BoardKey,
	identity *PresenceIdentity,
) *PresenceSession {
	return NewPresenceSession(ctx, relayUrl, key, identity, DefaultPresenceSettings())
}

func NewPresenceSession(
	ctx context.Context,
	relayUrl string,
	key BoardKey,
	identity *PresenceIdentity,
	settings *PresenceSettings,
) *PresenceSession {
	cancelCtx, cancel := context.WithCancel(ctx)

	user := identity.resolveUser()
	layerPath := RootLayerPath
	session := &PresenceSession{
		ctx:             cancelCtx,
		cancel:          cancel,
		relayUrl:        relayUrl,
		key:             key,
		identity:        identity,
		settings:        settings,
		monitor:         NewPresenceMonitor(),
		updateMonitor:   NewMonitor(),
		manualReconnect: make(chan struct{}, 1),
		status:          StatusConnecting,
		localState: PresenceState{
			User:      &user,
			LayerPath: &layerPath,
		},
		peers: map[uint64]*PeerPresence{},
	}
	go session.run()
	return session
}

func (self *PresenceSession) Monitor() *PresenceMonitor {
	return self.monitor
}

func (self *PresenceSession) Status() ConnectionStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}

func (self *PresenceSession) ClientId() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.clientId
}

// the peer list for rendering: strictly everyone but me, ordered by
// client id
func (self *PresenceSession) PeerStates() []*PeerPresence {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.peerStatesLocked()
}

func (self *PresenceSession) peerStatesLocked() []*PeerPresence {
	peers := make([]*PeerPresence, 0, len(self.peers))
	for clientId, peer := range self.peers {
		if clientId == self.clientId {
			// never surface the local participant's own published state
			continue
		}
		peers = append(peers, peer.clone())
	}
	slices.SortFunc(peers, func(a *PeerPresence, b *PeerPresence) int {
		if a.ClientId < b.ClientId {
			return -1
		} else if b.ClientId < a.ClientId {
			return 1
		}
		return 0
	})
	return peers
}

// cursor position in document coordinates
func (self *PresenceSession) SetCursor(x float64, y float64) {
	cursor := &Cursor{X: x, Y: y}
	self.publish(&PresenceState{Cursor: cursor})
}

func (self *PresenceSession) SetLayerPath(layerPath string) {
	if layerPath == "" {
		layerPath = RootLayerPath
	}
	self.publish(&PresenceState{LayerPath: &layerPath})
}

func (self *PresenceSession) SetSelection(nodeIds []string) {
	selection := &Selection{Nodes: slices.Clone(nodeIds)}
	self.publish(&PresenceState{Selection: selection})
}

// BoardUpdateBeacon. Bumps the monotonic board-changed beacon so peers
// refetch the authoritative document.
func (self *PresenceSession) SetBoardUpdated() {
	self.stateLock.Lock()
	boardUpdate := time.Now().UnixMicro()
	if self.localState.BoardUpdate != nil && boardUpdate <= *self.localState.BoardUpdate {
		boardUpdate = *self.localState.BoardUpdate + 1
	}
	self.stateLock.Unlock()

	self.publish(&PresenceState{BoardUpdate: &boardUpdate})
}

func (self *PresenceSession) publish(update *PresenceState) {
	self.stateLock.Lock()
	self.localState.Apply(update)
	if self.pendingState == nil {
		self.pendingState = &PresenceState{}
	}
	self.pendingState.Apply(update)
	self.stateLock.Unlock()

	self.updateMonitor.NotifyAll()
}

func (self *PresenceSession) takePending() *PresenceState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	pending := self.pendingState
	self.pendingState = nil
	return pending
}

func (self *PresenceSession) fullLocalState() *PresenceState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	state := self.localState
	return &state
}

func (self *PresenceSession) setStatus(status ConnectionStatus) {
	self.stateLock.Lock()
	changed := self.status != status
	self.status = status
	self.stateLock.Unlock()

	if changed {
		glog.V(1).Infof("[pres]%s status %s\n", self.key, status)
		self.monitor.statusEvent(status)
	}
}

// user-assisted retry after the session parked itself on hard failure
func (self *PresenceSession) ReconnectNow() {
	select {
	case self.manualReconnect <- struct{}{}:
	default:
	}
}

func (self *PresenceSession) run() {
	defer func() {
		self.clearPeers()
		self.setStatus(StatusDisconnected)
	}()

	connected := false
	dialFailures := 0
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		if connected {
			self.setStatus(StatusReconnecting)
		} else {
			self.setStatus(StatusConnecting)
		}

		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		ws, err := self.connect()
		if err != nil {
			glog.Infof("[pres]%s connect error = %s\n", self.key, err)
			dialFailures += 1
			if self.settings.MaxDialFailures <= dialFailures {
				// park until the user asks for another attempt
				self.setStatus(StatusDisconnected)
				select {
				case <-self.ctx.Done():
					return
				case <-self.manualReconnect:
					dialFailures = 0
					continue
				}
			}
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
			case <-self.manualReconnect:
			}
			continue
		}
		dialFailures = 0
		connected = true
		self.setStatus(StatusConnected)
		self.notifyPeers()

		self.pump(ws)

		self.clearPeers()
		// surface the drop right away, not after the backoff window
		self.setStatus(StatusReconnecting)
		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		case <-self.manualReconnect:
		}
	}
}

// dial, say hello with the full local state, and wait for the welcome
// that assigns the client id and carries the existing peers
func (self *PresenceSession) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	header := http.Header{}
	if self.identity.ByJwt != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", self.identity.ByJwt))
	}
	roomUrl := fmt.Sprintf(
		"%s/rooms/%s",
		strings.TrimSuffix(self.relayUrl, "/"),
		url.PathEscape(self.key.Room()),
	)
	ws, _, err := dialer.DialContext(self.ctx, roomUrl, header)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	hello := &PresenceMessage{
		MessageType: PresenceMessageTypeHello,
		State:       self.fullLocalState(),
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.HelloTimeout))
	if err := ws.WriteJSON(hello); err != nil {
		return nil, err
	}

	ws.SetReadDeadline(time.Now().Add(self.settings.HelloTimeout))
	welcome := &PresenceMessage{}
	if err := ws.ReadJSON(welcome); err != nil {
		return nil, err
	}
	if welcome.MessageType != PresenceMessageTypeWelcome {
		return nil, fmt.Errorf("expected welcome, got %s", welcome.MessageType)
	}

	self.stateLock.Lock()
	self.clientId = welcome.ClientId
	// replace, never merge. Peers from a previous connection are invalid.
	self.peers = map[uint64]*PeerPresence{}
	for clientId, state := range welcome.Peers {
		if clientId == welcome.ClientId {
			continue
		}
		self.peers[clientId] = peerFromState(clientId, state)
	}
	self.stateLock.Unlock()

	glog.V(1).Infof("[pres]%s joined as %d\n", self.key, welcome.ClientId)
	success = true
	return ws, nil
}

// read and write pumps for one connection, returns when either side drops
func (self *PresenceSession) pump(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// write
	go func() {
		defer handleCancel()

		for {
			notify := self.updateMonitor.NotifyChannel()

			if pending := self.takePending(); pending != nil {
				message := &PresenceMessage{
					MessageType: PresenceMessageTypeState,
					State:       pending,
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteJSON(message); err != nil {
					glog.V(2).Infof("[pres]%s-> error = %s\n", self.key, err)
					return
				}
				continue
			}

			select {
			case <-handleCtx.Done():
				return
			case <-notify:
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				ping := &PresenceMessage{
					MessageType: PresenceMessageTypePing,
				}
				if err := ws.WriteJSON(ping); err != nil {
					return
				}
			}
		}
	}()

	// receive
	func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			_, messageJson, err := ws.ReadMessage()
			if err != nil {
				glog.V(2).Infof("[pres]%s<- error = %s\n", self.key, err)
				return
			}

			message := &PresenceMessage{}
			if err := json.Unmarshal(messageJson, message); err != nil {
				glog.Infof("[pres]%s<- bad message = %s\n", self.key, err)
				continue
			}
			self.handleMessage(message)
		}
	}()
}

func (self *PresenceSession) handleMessage(message *PresenceMessage) {
	switch message.MessageType {
	case PresenceMessageTypePing:
		// keepalive only

	case PresenceMessageTypeState:
		self.stateLock.Lock()
		if message.ClientId == self.clientId {
			// the relay must not echo the local state, drop if it does
			self.stateLock.Unlock()
			return
		}
		peer, ok := self.peers[message.ClientId]
		if !ok {
			peer = peerFromState(message.ClientId, message.State)
			self.peers[message.ClientId] = peer
		} else {
			peer.apply(message.State)
		}
		self.stateLock.Unlock()
		self.notifyPeers()

	case PresenceMessageTypeLeave:
		self.stateLock.Lock()
		_, ok := self.peers[message.ClientId]
		delete(self.peers, message.ClientId)
		self.stateLock.Unlock()
		if ok {
			self.notifyPeers()
		}

	case PresenceMessageTypeWelcome:
		// a mid-stream welcome means the relay restarted the room
		self.stateLock.Lock()
		self.clientId = message.ClientId
		self.peers = map[uint64]*PeerPresence{}
		for clientId, state := range message.Peers {
			if clientId == message.ClientId {
				continue
			}
			self.peers[clientId] = peerFromState(clientId, state)
		}
		self.stateLock.Unlock()
		self.notifyPeers()
	}
}

func (self *PresenceSession) notifyPeers() {
	self.stateLock.Lock()
	peers := self.peerStatesLocked()
	self.stateLock.Unlock()

	self.monitor.peerEvent(peers)
}

func (self *PresenceSession) clearPeers() {
	self.stateLock.Lock()
	changed := 0 < len(self.peers)
	self.peers = map[uint64]*PeerPresence{}
	self.stateLock.Unlock()

	if changed {
		self.monitor.peerEvent([]*PeerPresence{})
	}
}

// stops publishing local state and observing remote state. A disposed
// session never leaks peer entries into a newly opened board.
func (self *PresenceSession) Close() {
	self.cancel()
}
