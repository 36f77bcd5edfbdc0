package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/TM9657/flow-like-collab/collab"
)

// presence relay: one room per `{appId}:{boardId}`, fanning each
// participant's state updates out to every other participant. The relay
// never inspects board content, there is none on this channel.

const clientSendBufferSize = 32

type RelaySettings struct {
	HelloTimeout time.Duration
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	// maximum presence message size. Presence state is tiny, anything
	// large is a misbehaving client.
	ReadLimit int64
	// reject connections without a parseable bearer token
	RequireAuth bool
}

func DefaultRelaySettings() *RelaySettings {
	return &RelaySettings{
		HelloTimeout: 2 * time.Second,
		PingTimeout:  1 * time.Second,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  15 * time.Second,
		ReadLimit:    64 * 1024,
	}
}

type relayClient struct {
	clientId uint64
	send     chan *collab.PresenceMessage

	stateLock sync.Mutex
	state     *collab.PresenceState
}

func (self *relayClient) fullState() *collab.PresenceState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	state := *self.state
	return &state
}

func (self *relayClient) applyState(update *collab.PresenceState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.state.Apply(update)
}

type relayRoom struct {
	name    string
	clients map[uint64]*relayClient
}

type Relay struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *RelaySettings

	upgrader websocket.Upgrader

	stateLock    sync.Mutex
	rooms        map[string]*relayRoom
	nextClientId uint64
}

func NewRelayWithDefaults(ctx context.Context) *Relay {
	return NewRelay(ctx, DefaultRelaySettings())
}

func NewRelay(ctx context.Context, settings *RelaySettings) *Relay {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Relay{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		upgrader: websocket.Upgrader{
			// the relay is origin-agnostic, auth is the bearer token
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		rooms: map[string]*relayRoom{},
	}
}

func (self *Relay) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/rooms/{room}", self.handleRoom)
	return router
}

func (self *Relay) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: self.Router(),
	}
	go func() {
		<-self.ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()
	glog.Infof("[relay]listen %s\n", addr)
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (self *Relay) handleRoom(w http.ResponseWriter, r *http.Request) {
	roomName := mux.Vars(r)["room"]

	auth := r.Header.Get("Authorization")
	if self.settings.RequireAuth {
		var jwt string
		if n, _ := fmt.Sscanf(auth, "Bearer %s", &jwt); n != 1 {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		byJwt, err := collab.ParseByJwtUnverified(jwt)
		if err != nil {
			http.Error(w, "bad bearer token", http.StatusUnauthorized)
			return
		}
		glog.V(1).Infof("[relay]%s join user=%s\n", roomName, byJwt.UserId)
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[relay]%s upgrade error = %s\n", roomName, err)
		return
	}
	defer ws.Close()

	ws.SetReadLimit(self.settings.ReadLimit)

	// the first message must be a hello with the client's full state
	ws.SetReadDeadline(time.Now().Add(self.settings.HelloTimeout))
	hello := &collab.PresenceMessage{}
	if err := ws.ReadJSON(hello); err != nil {
		return
	}
	if hello.MessageType != collab.PresenceMessageTypeHello {
		return
	}
	state := hello.State
	if state == nil {
		state = &collab.PresenceState{}
	}

	client, peers := self.join(roomName, state)
	defer self.leave(roomName, client)

	welcome := &collab.PresenceMessage{
		MessageType: collab.PresenceMessageTypeWelcome,
		ClientId:    client.clientId,
		Peers:       peers,
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteJSON(welcome); err != nil {
		return
	}

	// announce the newcomer
	self.fanout(roomName, client.clientId, &collab.PresenceMessage{
		MessageType: collab.PresenceMessageTypeState,
		ClientId:    client.clientId,
		State:       client.fullState(),
	})

	glog.V(1).Infof("[relay]%s client %d joined\n", roomName, client.clientId)

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// write
	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-client.send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteJSON(message); err != nil {
					return
				}
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				ping := &collab.PresenceMessage{
					MessageType: collab.PresenceMessageTypePing,
				}
				if err := ws.WriteJSON(ping); err != nil {
					return
				}
			}
		}
	}()

	// receive
	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		message := &collab.PresenceMessage{}
		if err := ws.ReadJSON(message); err != nil {
			glog.V(2).Infof("[relay]%s client %d <- error = %s\n", roomName, client.clientId, err)
			return
		}

		switch message.MessageType {
		case collab.PresenceMessageTypePing:
			// keepalive only
		case collab.PresenceMessageTypeState:
			if message.State == nil {
				continue
			}
			client.applyState(message.State)
			self.fanout(roomName, client.clientId, &collab.PresenceMessage{
				MessageType: collab.PresenceMessageTypeState,
				ClientId:    client.clientId,
				State:       message.State,
			})
		}
	}
}

// registers a client and returns it with a snapshot of the existing
// peers' states for the welcome
func (self *Relay) join(roomName string, state *collab.PresenceState) (*relayClient, map[uint64]*collab.PresenceState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	room, ok := self.rooms[roomName]
	if !ok {
		room = &relayRoom{
			name:    roomName,
			clients: map[uint64]*relayClient{},
		}
		self.rooms[roomName] = room
	}

	self.nextClientId += 1
	client := &relayClient{
		clientId: self.nextClientId,
		send:     make(chan *collab.PresenceMessage, clientSendBufferSize),
		state:    state,
	}

	peers := map[uint64]*collab.PresenceState{}
	for clientId, peer := range room.clients {
		peers[clientId] = peer.fullState()
	}
	room.clients[client.clientId] = client

	return client, peers
}

func (self *Relay) leave(roomName string, client *relayClient) {
	self.stateLock.Lock()
	room, ok := self.rooms[roomName]
	if ok {
		delete(room.clients, client.clientId)
		if len(room.clients) == 0 {
			delete(self.rooms, roomName)
		}
	}
	self.stateLock.Unlock()

	glog.V(1).Infof("[relay]%s client %d left\n", roomName, client.clientId)
	self.fanout(roomName, client.clientId, &collab.PresenceMessage{
		MessageType: collab.PresenceMessageTypeLeave,
		ClientId:    client.clientId,
	})
}

// sends to every room participant except `fromClientId`. A slow consumer
// drops messages rather than stalling the room; presence state is
// ephemeral and the next update supersedes the lost one.
func (self *Relay) fanout(roomName string, fromClientId uint64, message *collab.PresenceMessage) {
	self.stateLock.Lock()
	room, ok := self.rooms[roomName]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	clients := make([]*relayClient, 0, len(room.clients))
	for clientId, client := range room.clients {
		if clientId == fromClientId {
			continue
		}
		clients = append(clients, client)
	}
	self.stateLock.Unlock()

	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			glog.Infof("[relay]%s drop -> client %d\n", roomName, client.clientId)
		}
	}
}

func (self *Relay) RoomSize(roomName string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if room, ok := self.rooms[roomName]; ok {
		return len(room.clients)
	}
	return 0
}

func (self *Relay) Close() {
	self.cancel()
}
