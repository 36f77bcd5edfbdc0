package collab

// presence wire messages, shared by the session client and the relay.
// The channel carries ephemeral per-client state only, never board
// content: peers converge on the document by refetching the authoritative
// store, not by exchanging edits.

type PresenceMessageType string

const (
	// client -> relay, first message after dial: the full local state
	PresenceMessageTypeHello PresenceMessageType = "hello"
	// relay -> client: the assigned client id and every existing peer's
	// latest state
	PresenceMessageTypeWelcome PresenceMessageType = "welcome"
	// either direction: one client's partial state update. Only fields
	// present in the message change.
	PresenceMessageTypeState PresenceMessageType = "state"
	// relay -> clients: a peer disconnected
	PresenceMessageTypeLeave PresenceMessageType = "leave"
	// keepalive, either direction, otherwise ignored
	PresenceMessageTypePing PresenceMessageType = "ping"
)

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Selection struct {
	Nodes []string `json:"nodes"`
}

type PresenceUser struct {
	Id     string `json:"id"`
	Name   string `json:"name"`
	Color  string `json:"color,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// one client's published fields. In a state update, nil means "unchanged";
// in a hello or welcome the state is complete.
type PresenceState struct {
	Cursor    *Cursor       `json:"cursor,omitempty"`
	LayerPath *string       `json:"layer_path,omitempty"`
	Selection *Selection    `json:"selection,omitempty"`
	User      *PresenceUser `json:"user,omitempty"`
	// monotonically increasing beacon (unix microseconds), bumped after
	// every successful local command
	BoardUpdate *int64 `json:"board_update,omitempty"`
}

// merge a partial update into a full state
func (self *PresenceState) Apply(update *PresenceState) {
	if update.Cursor != nil {
		self.Cursor = update.Cursor
	}
	if update.LayerPath != nil {
		self.LayerPath = update.LayerPath
	}
	if update.Selection != nil {
		self.Selection = update.Selection
	}
	if update.User != nil {
		self.User = update.User
	}
	if update.BoardUpdate != nil {
		self.BoardUpdate = update.BoardUpdate
	}
}

type PresenceMessage struct {
	MessageType PresenceMessageType `json:"message_type"`
	// the subject client. Assigned by the relay; zero in a hello.
	ClientId uint64         `json:"client_id,omitempty"`
	State    *PresenceState `json:"state,omitempty"`
	// welcome only
	Peers map[uint64]*PresenceState `json:"peers,omitempty"`
}

// ephemeral, non-persisted view of one remote participant, keyed by the
// transport-assigned client id. Valid only for the lifetime of the
// session.
type PeerPresence struct {
	ClientId    uint64
	Cursor      *Cursor
	LayerPath   string
	Selection   []string
	User        *PresenceUser
	BoardUpdate int64
}

func peerFromState(clientId uint64, state *PresenceState) *PeerPresence {
	peer := &PeerPresence{
		ClientId:  clientId,
		LayerPath: RootLayerPath,
	}
	peer.apply(state)
	return peer
}

func (self *PeerPresence) apply(state *PresenceState) {
	if state == nil {
		return
	}
	if state.Cursor != nil {
		self.Cursor = state.Cursor
	}
	if state.LayerPath != nil {
		self.LayerPath = *state.LayerPath
	}
	if state.Selection != nil {
		self.Selection = state.Selection.Nodes
	}
	if state.User != nil {
		self.User = state.User
	}
	if state.BoardUpdate != nil {
		self.BoardUpdate = *state.BoardUpdate
	}
}

func (self *PeerPresence) clone() *PeerPresence {
	peer := *self
	return &peer
}
