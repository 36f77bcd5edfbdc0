package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

type BoardChangeFunction = func(key BoardKey)

// in-process authoritative store. This is the reference implementation of
// the command application semantics: enrich with pre-state, apply, pair
// with the inverse. The http store defers all of this to the backend and
// only ships the records; the local store wraps this one with file
// persistence.
type MemoryBoardStore struct {
	stateLock sync.Mutex

	boards    map[BoardKey]*Board
	snapshots map[BoardKey]map[Version]*Board

	changeCallbacks *CallbackList[BoardChangeFunction]
}

func NewMemoryBoardStore() *MemoryBoardStore {
	return &MemoryBoardStore{
		boards:          map[BoardKey]*Board{},
		snapshots:       map[BoardKey]map[Version]*Board{},
		changeCallbacks: NewCallbackList[BoardChangeFunction](),
	}
}

// seeds or replaces a board. Not a command path, no undo record.
func (self *MemoryBoardStore) PutBoard(key BoardKey, board *Board) {
	self.stateLock.Lock()
	self.boards[key] = board.Clone()
	self.stateLock.Unlock()

	self.boardChanged(key)
}

func (self *MemoryBoardStore) AddChangeCallback(changeCallback BoardChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *MemoryBoardStore) boardChanged(key BoardKey) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		func() {
			defer recover()
			changeCallback(key)
		}()
	}
}

func (self *MemoryBoardStore) GetBoard(ctx context.Context, key BoardKey, version *Version) (*Board, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if version != nil {
		snapshot, ok := self.snapshots[key][*version]
		if !ok {
			return nil, fmt.Errorf("no version %s for board %s", version, key)
		}
		return snapshot.Clone(), nil
	}

	board, ok := self.boards[key]
	if !ok {
		return nil, fmt.Errorf("no board %s", key)
	}
	return board.Clone(), nil
}

func (self *MemoryBoardStore) ExecuteCommands(ctx context.Context, key BoardKey, commands []*Command) ([]*ExecutedCommand, error) {
	if len(commands) == 0 {
		return []*ExecutedCommand{}, nil
	}

	executedCommands, err := func() ([]*ExecutedCommand, error) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		board, ok := self.boards[key]
		if !ok {
			return nil, ErrBackendUnavailable
		}

		executedCommands := make([]*ExecutedCommand, 0, len(commands))
		for _, command := range commands {
			enrichedCommand, err := applyCommand(board, command)
			if err != nil {
				glog.Infof("[store]%s apply %s error = %s\n", key, command.CommandType, err)
				return nil, &CommandRejectedError{
					Command: command,
					Err:     err,
				}
			}
			inverse, err := enrichedCommand.Inverse()
			if err != nil {
				return nil, &CommandRejectedError{
					Command: command,
					Err:     err,
				}
			}
			executedCommands = append(executedCommands, &ExecutedCommand{
				Command: enrichedCommand,
				Inverse: inverse,
			})
		}
		board.UpdatedAt = time.Now().UTC()
		return executedCommands, nil
	}()
	if err != nil {
		return nil, err
	}

	self.boardChanged(key)
	return executedCommands, nil
}

func (self *MemoryBoardStore) Undo(ctx context.Context, key BoardKey, batch []*ExecutedCommand) error {
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		board, ok := self.boards[key]
		if !ok {
			return ErrBackendUnavailable
		}

		// inverses in reverse order
		for i := len(batch) - 1; 0 <= i; i -= 1 {
			if _, err := applyCommand(board, batch[i].Inverse); err != nil {
				return &CommandRejectedError{
					Command: batch[i].Inverse,
					Err:     err,
				}
			}
		}
		board.UpdatedAt = time.Now().UTC()
		return nil
	}()
	if err != nil {
		return err
	}

	self.boardChanged(key)
	return nil
}

func (self *MemoryBoardStore) Redo(ctx context.Context, key BoardKey, batch []*ExecutedCommand) error {
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		board, ok := self.boards[key]
		if !ok {
			return ErrBackendUnavailable
		}

		for _, executedCommand := range batch {
			if _, err := applyCommand(board, executedCommand.Command); err != nil {
				return &CommandRejectedError{
					Command: executedCommand.Command,
					Err:     err,
				}
			}
		}
		board.UpdatedAt = time.Now().UTC()
		return nil
	}()
	if err != nil {
		return err
	}

	self.boardChanged(key)
	return nil
}

func (self *MemoryBoardStore) CreateVersion(ctx context.Context, key BoardKey) (Version, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	board, ok := self.boards[key]
	if !ok {
		return Version{}, ErrBackendUnavailable
	}

	version := board.Version
	snapshots, ok := self.snapshots[key]
	if !ok {
		snapshots = map[Version]*Board{}
		self.snapshots[key] = snapshots
	}
	snapshots[version] = board.Clone()
	board.Version[2] += 1
	return version, nil
}

func (self *MemoryBoardStore) ListVersions(ctx context.Context, key BoardKey) ([]Version, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	versions := maps.Keys(self.snapshots[key])
	if versions == nil {
		versions = []Version{}
	}
	slices.SortFunc(versions, func(a Version, b Version) int {
		for i := 0; i < 3; i += 1 {
			if a[i] < b[i] {
				return -1
			} else if b[i] < a[i] {
				return 1
			}
		}
		return 0
	})
	return versions, nil
}

// applies one command to the board in place. Returns an enriched copy of
// the command carrying the pre-state its inverse needs. The input command
// is never mutated.
func applyCommand(board *Board, command *Command) (*Command, error) {
	enriched := *command

	switch command.CommandType {
	case CommandTypeAddNode:
		if command.Node == nil {
			return nil, fmt.Errorf("missing node")
		}
		if _, ok := board.Nodes[command.Node.Id]; ok {
			return nil, fmt.Errorf("node %s already exists", command.Node.Id)
		}
		node := cloneJson(command.Node)
		if node.Layer == "" && command.CurrentLayer != "" && command.CurrentLayer != RootLayerPath {
			node.Layer = command.CurrentLayer
		}
		board.Nodes[node.Id] = node
		restoreBacklinks(board, node)

	case CommandTypeRemoveNode:
		if command.Node == nil {
			return nil, fmt.Errorf("missing node")
		}
		node, ok := board.Nodes[command.Node.Id]
		if !ok {
			return nil, fmt.Errorf("node %s does not exist", command.Node.Id)
		}
		// snapshot live state. The command may carry a stale copy built
		// when the gesture started.
		enriched.Node = cloneJson(node)
		connectedNodes := board.ConnectedNodes(node.Id)
		enriched.ConnectedNodes = make([]*Node, 0, len(connectedNodes))
		for _, connectedNode := range connectedNodes {
			enriched.ConnectedNodes = append(enriched.ConnectedNodes, cloneJson(connectedNode))
		}
		stripBacklinks(board, node)
		delete(board.Nodes, node.Id)

	case CommandTypeUpdateNode:
		if command.Node == nil {
			return nil, fmt.Errorf("missing node")
		}
		node, ok := board.Nodes[command.Node.Id]
		if !ok {
			return nil, fmt.Errorf("node %s does not exist", command.Node.Id)
		}
		enriched.PreviousNode = cloneJson(node)
		board.Nodes[command.Node.Id] = cloneJson(command.Node)

	case CommandTypeMoveNode:
		if command.ToCoordinates == nil {
			return nil, fmt.Errorf("missing coordinates")
		}
		node, ok := board.Nodes[command.NodeId]
		if !ok {
			return nil, fmt.Errorf("node %s does not exist", command.NodeId)
		}
		fromCoordinates := node.Coordinates
		enriched.FromCoordinates = &fromCoordinates
		node.Coordinates = *command.ToCoordinates

	case CommandTypeConnectPins:
		fromPin, toPin, err := resolvePins(board, command)
		if err != nil {
			return nil, err
		}
		fromPin.ConnectedTo = addUnique(fromPin.ConnectedTo, toPin.Id)
		toPin.DependsOn = addUnique(toPin.DependsOn, fromPin.Id)

	case CommandTypeDisconnectPins:
		fromPin, toPin, err := resolvePins(board, command)
		if err != nil {
			return nil, err
		}
		fromPin.ConnectedTo = removeValue(fromPin.ConnectedTo, toPin.Id)
		toPin.DependsOn = removeValue(toPin.DependsOn, fromPin.Id)

	case CommandTypeUpsertLayer:
		if command.Layer == nil {
			return nil, fmt.Errorf("missing layer")
		}
		if previousLayer, ok := board.Layers[command.Layer.Id]; ok {
			enriched.PreviousLayer = cloneJson(previousLayer)
		}
		board.Layers[command.Layer.Id] = cloneJson(command.Layer)
		if 0 < len(command.NodeIds) {
			// capture each node's current layer so the inverse restores
			// membership exactly, not just the layer object
			previousNodeLayers := map[string]string{}
			for _, nodeId := range command.NodeIds {
				if node, ok := board.Nodes[nodeId]; ok {
					previousNodeLayers[nodeId] = node.Layer
					node.Layer = command.Layer.Id
				}
			}
			enriched.PreviousNodeLayers = previousNodeLayers
		} else {
			// inverse path: put captured nodes back where they were
			for nodeId, layerId := range command.PreviousNodeLayers {
				if node, ok := board.Nodes[nodeId]; ok {
					node.Layer = layerId
				}
			}
		}

	case CommandTypeRemoveLayer:
		if command.Layer == nil {
			return nil, fmt.Errorf("missing layer")
		}
		layer, ok := board.Layers[command.Layer.Id]
		if !ok {
			return nil, fmt.Errorf("layer %s does not exist", command.Layer.Id)
		}
		for _, childLayer := range board.Layers {
			if childLayer.ParentId == layer.Id {
				return nil, fmt.Errorf("layer %s has nested layers", layer.Id)
			}
		}
		enriched.Layer = cloneJson(layer)
		nodeIds := []string{}
		for _, node := range board.Nodes {
			if node.Layer == layer.Id {
				nodeIds = append(nodeIds, node.Id)
				// a remove that inverts a capturing upsert restores each
				// node's own previous layer, a user-issued remove moves
				// members to the removed layer's parent
				if layerId, ok := command.PreviousNodeLayers[node.Id]; ok {
					node.Layer = layerId
				} else {
					node.Layer = layer.ParentId
				}
			}
		}
		slices.Sort(nodeIds)
		enriched.NodeIds = nodeIds
		delete(board.Layers, layer.Id)

	case CommandTypeUpsertComment:
		if command.Comment == nil {
			return nil, fmt.Errorf("missing comment")
		}
		if previousComment, ok := board.Comments[command.Comment.Id]; ok {
			enriched.PreviousComment = cloneJson(previousComment)
		}
		board.Comments[command.Comment.Id] = cloneJson(command.Comment)

	case CommandTypeRemoveComment:
		if command.Comment == nil {
			return nil, fmt.Errorf("missing comment")
		}
		comment, ok := board.Comments[command.Comment.Id]
		if !ok {
			return nil, fmt.Errorf("comment %s does not exist", command.Comment.Id)
		}
		enriched.Comment = cloneJson(comment)
		delete(board.Comments, comment.Id)

	case CommandTypeUpsertVariable:
		if command.Variable == nil {
			return nil, fmt.Errorf("missing variable")
		}
		if previousVariable, ok := board.Variables[command.Variable.Id]; ok {
			enriched.PreviousVariable = cloneJson(previousVariable)
		}
		board.Variables[command.Variable.Id] = cloneJson(command.Variable)

	case CommandTypeRemoveVariable:
		if command.Variable == nil {
			return nil, fmt.Errorf("missing variable")
		}
		variable, ok := board.Variables[command.Variable.Id]
		if !ok {
			return nil, fmt.Errorf("variable %s does not exist", command.Variable.Id)
		}
		enriched.Variable = cloneJson(variable)
		delete(board.Variables, variable.Id)

	default:
		return nil, fmt.Errorf("unknown command type %s", command.CommandType)
	}

	return &enriched, nil
}

func resolvePins(board *Board, command *Command) (*Pin, *Pin, error) {
	fromNode, ok := board.Nodes[command.FromNode]
	if !ok {
		return nil, nil, fmt.Errorf("node %s does not exist", command.FromNode)
	}
	fromPin, ok := fromNode.Pins[command.FromPin]
	if !ok {
		return nil, nil, fmt.Errorf("pin %s does not exist on node %s", command.FromPin, command.FromNode)
	}
	toNode, ok := board.Nodes[command.ToNode]
	if !ok {
		return nil, nil, fmt.Errorf("node %s does not exist", command.ToNode)
	}
	toPin, ok := toNode.Pins[command.ToPin]
	if !ok {
		return nil, nil, fmt.Errorf("pin %s does not exist on node %s", command.ToPin, command.ToNode)
	}
	return fromPin, toPin, nil
}

// connections are stored symmetric: the from pin lists the to pin in
// `connected_to`, the to pin lists the from pin in `depends_on`. When a
// node with connected pins is (re)inserted, rebuild the references on the
// other side from the node's own pins.
func restoreBacklinks(board *Board, node *Node) {
	for _, pin := range node.Pins {
		for _, toPinId := range pin.ConnectedTo {
			if _, toPin := board.FindPin(toPinId); toPin != nil && toPin != pin {
				toPin.DependsOn = addUnique(toPin.DependsOn, pin.Id)
			}
		}
		for _, fromPinId := range pin.DependsOn {
			if _, fromPin := board.FindPin(fromPinId); fromPin != nil && fromPin != pin {
				fromPin.ConnectedTo = addUnique(fromPin.ConnectedTo, pin.Id)
			}
		}
	}
}

func stripBacklinks(board *Board, node *Node) {
	pinIds := map[string]bool{}
	for pinId := range node.Pins {
		pinIds[pinId] = true
	}
	for _, other := range board.Nodes {
		if other.Id == node.Id {
			continue
		}
		for _, pin := range other.Pins {
			pin.ConnectedTo = removeIf(pin.ConnectedTo, pinIds)
			pin.DependsOn = removeIf(pin.DependsOn, pinIds)
		}
	}
}

// connection sets are kept sorted so that strip/restore round trips to an
// identical document
func addUnique(values []string, value string) []string {
	i, ok := slices.BinarySearch(values, value)
	if ok {
		return values
	}
	return slices.Insert(values, i, value)
}

func removeValue(values []string, value string) []string {
	i := slices.Index(values, value)
	if i < 0 {
		return values
	}
	return slices.Delete(values, i, i+1)
}

func removeIf(values []string, remove map[string]bool) []string {
	next := values[:0]
	for _, value := range values {
		if !remove[value] {
			next = append(next, value)
		}
	}
	if len(next) == 0 {
		return nil
	}
	return next
}

func cloneJson[T any](value *T) *T {
	valueJson, err := json.Marshal(value)
	if err != nil {
		panic(err)
	}
	clone := new(T)
	if err := json.Unmarshal(valueJson, clone); err != nil {
		panic(err)
	}
	return clone
}
