package collab

import (
	"context"
	"slices"
	"sync"

	"github.com/golang/glog"
)

// a rendered connection between two pins, derived from the document
type Edge struct {
	FromNode string `json:"from_node"`
	FromPin  string `json:"from_pin"`
	ToNode   string `json:"to_node"`
	ToPin    string `json:"to_pin"`
}

// the local node/edge view rebuilt from the authoritative document plus
// the peers known at rebuild time, so remote cursors and selections stay
// attached to the right elements after structural changes
type Projection struct {
	Board *Board
	Nodes []*Node
	Edges []Edge
	Peers []*PeerPresence
}

type ProjectionFunction = func(projection *Projection)

// keeps the rendered graph convergent with the authoritative store
// without shipping the graph over the presence channel.
//
// This is a level-triggered bridge, not an edit stream: any number of
// peer beacons arriving in a burst collapse into one refetch-and-rebuild.
// The writer's own refetch (via the executor) feeds the projection
// directly, which is what makes the writer read its own writes.
type Reconciler struct {
	ctx    context.Context
	cancel context.CancelFunc

	key   BoardKey
	store BoardStore

	refetchMonitor *Monitor

	stateLock sync.Mutex
	lastSeen  map[uint64]int64
	peers     []*PeerPresence
	board     *Board

	projectionCallbacks *CallbackList[ProjectionFunction]

	removeCallbacks []func()
}

func NewReconciler(
	ctx context.Context,
	key BoardKey,
	store BoardStore,
	session *PresenceSession,
	executor *CommandExecutor,
) *Reconciler {
	cancelCtx, cancel := context.WithCancel(ctx)
	reconciler := &Reconciler{
		ctx:                 cancelCtx,
		cancel:              cancel,
		key:                 key,
		store:               store,
		refetchMonitor:      NewMonitor(),
		lastSeen:            map[uint64]int64{},
		peers:               []*PeerPresence{},
		projectionCallbacks: NewCallbackList[ProjectionFunction](),
	}

	// session is nil when presence is offline: the bridge still serves
	// the writer's own refetches
	if session != nil {
		remove := session.Monitor().AddPeerEventCallback(reconciler.updatePeers)
		reconciler.removeCallbacks = append(reconciler.removeCallbacks, remove)
	}
	if executor != nil {
		remove := executor.AddRefetchCallback(reconciler.setBoard)
		reconciler.removeCallbacks = append(reconciler.removeCallbacks, remove)
	}

	go reconciler.run()
	return reconciler
}

func (self *Reconciler) AddProjectionCallback(projectionCallback ProjectionFunction) func() {
	callbackId := self.projectionCallbacks.Add(projectionCallback)
	return func() {
		self.projectionCallbacks.Remove(callbackId)
	}
}

func (self *Reconciler) Projection() *Projection {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.board == nil {
		return nil
	}
	return self.buildProjectionLocked()
}

// PeerEventFunction. Notices "something changed, go pull the truth" when
// any peer's beacon advances past the last observed value.
func (self *Reconciler) updatePeers(peers []*PeerPresence) {
	changed := false

	self.stateLock.Lock()
	self.peers = peers
	for _, peer := range peers {
		if lastSeen, ok := self.lastSeen[peer.ClientId]; !ok || lastSeen < peer.BoardUpdate {
			self.lastSeen[peer.ClientId] = peer.BoardUpdate
			if 0 < peer.BoardUpdate {
				changed = true
			}
		}
	}
	self.stateLock.Unlock()

	if changed {
		glog.V(2).Infof("[rec]%s beacon\n", self.key)
		self.refetchMonitor.NotifyAll()
	}
}

func (self *Reconciler) run() {
	for {
		notify := self.refetchMonitor.NotifyChannel()
		select {
		case <-self.ctx.Done():
			return
		case <-notify:
		}

		board, err := self.store.GetBoard(self.ctx, self.key, nil)
		if err != nil {
			glog.Infof("[rec]%s refetch error = %s\n", self.key, err)
			continue
		}
		self.setBoard(board)
	}
}

// BoardRefetchFunction. Rebuilds the projection unless the document is
// structurally identical to the last one seen.
func (self *Reconciler) setBoard(board *Board) {
	var projection *Projection

	self.stateLock.Lock()
	if self.board != nil && self.board.StructurallyEquals(board) {
		self.stateLock.Unlock()
		glog.V(2).Infof("[rec]%s unchanged\n", self.key)
		return
	}
	self.board = board
	projection = self.buildProjectionLocked()
	self.stateLock.Unlock()

	for _, projectionCallback := range self.projectionCallbacks.Get() {
		func() {
			defer recover()
			projectionCallback(projection)
		}()
	}
}

func (self *Reconciler) buildProjectionLocked() *Projection {
	board := self.board

	nodes := make([]*Node, 0, len(board.Nodes))
	for _, node := range board.Nodes {
		nodes = append(nodes, node)
	}
	slices.SortFunc(nodes, func(a *Node, b *Node) int {
		if a.Id < b.Id {
			return -1
		} else if b.Id < a.Id {
			return 1
		}
		return 0
	})

	edges := deriveEdges(board, nodes)

	peers := make([]*PeerPresence, len(self.peers))
	copy(peers, self.peers)

	return &Projection{
		Board: board,
		Nodes: nodes,
		Edges: edges,
		Peers: peers,
	}
}

func deriveEdges(board *Board, orderedNodes []*Node) []Edge {
	edges := []Edge{}
	for _, node := range orderedNodes {
		pins := make([]*Pin, 0, len(node.Pins))
		for _, pin := range node.Pins {
			pins = append(pins, pin)
		}
		slices.SortFunc(pins, func(a *Pin, b *Pin) int {
			if a.Id < b.Id {
				return -1
			} else if b.Id < a.Id {
				return 1
			}
			return 0
		})
		for _, pin := range pins {
			for _, toPinId := range pin.ConnectedTo {
				toNode, toPin := board.FindPin(toPinId)
				if toPin == nil {
					// dangling reference, dropped from the view
					continue
				}
				edges = append(edges, Edge{
					FromNode: node.Id,
					FromPin:  pin.Id,
					ToNode:   toNode.Id,
					ToPin:    toPin.Id,
				})
			}
		}
	}
	return edges
}

func (self *Reconciler) Close() {
	self.cancel()
	for _, removeCallback := range self.removeCallbacks {
		removeCallback()
	}
}
