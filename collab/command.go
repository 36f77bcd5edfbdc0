package collab

import (
	"fmt"
)

// the closed vocabulary of board mutations. A command is a plain
// serializable descriptor: no I/O, no validation beyond shape. Validation
// and context capture happen store-side, which enriches the command with
// the pre-state it needs (previous snapshots, origin coordinates) before
// pairing it with its inverse.
//
// A command is meaningful only relative to the board state at the moment
// it was built. Commands are never replayed against a different logical
// version.

type CommandType string

const (
	CommandTypeAddNode        CommandType = "AddNode"
	CommandTypeRemoveNode     CommandType = "RemoveNode"
	CommandTypeUpdateNode     CommandType = "UpdateNode"
	CommandTypeMoveNode       CommandType = "MoveNode"
	CommandTypeConnectPins    CommandType = "ConnectPins"
	CommandTypeDisconnectPins CommandType = "DisconnectPins"
	CommandTypeUpsertLayer    CommandType = "UpsertLayer"
	CommandTypeRemoveLayer    CommandType = "RemoveLayer"
	CommandTypeUpsertComment  CommandType = "UpsertComment"
	CommandTypeRemoveComment  CommandType = "RemoveComment"
	CommandTypeUpsertVariable CommandType = "UpsertVariable"
	CommandTypeRemoveVariable CommandType = "RemoveVariable"
)

type Command struct {
	CommandType CommandType `json:"command_type"`

	// AddNode, RemoveNode, UpdateNode
	Node         *Node `json:"node,omitempty"`
	PreviousNode *Node `json:"previous_node,omitempty"`
	// pre-removal snapshots of the nodes that had edges into the removed
	// node, filled store-side
	ConnectedNodes []*Node `json:"connected_nodes,omitempty"`

	// MoveNode
	NodeId          string      `json:"node_id,omitempty"`
	FromCoordinates *[3]float64 `json:"from_coordinates,omitempty"`
	ToCoordinates   *[3]float64 `json:"to_coordinates,omitempty"`

	// the layer context the command was issued in
	CurrentLayer string `json:"current_layer,omitempty"`

	// ConnectPins, DisconnectPins
	FromNode string `json:"from_node,omitempty"`
	FromPin  string `json:"from_pin,omitempty"`
	ToNode   string `json:"to_node,omitempty"`
	ToPin    string `json:"to_pin,omitempty"`

	// UpsertLayer, RemoveLayer
	Layer         *Layer   `json:"layer,omitempty"`
	PreviousLayer *Layer   `json:"previous_layer,omitempty"`
	NodeIds       []string `json:"node_ids,omitempty"`
	// the layer each captured node lived in before the command, filled
	// store-side so membership changes undo to each node's own previous
	// layer
	PreviousNodeLayers map[string]string `json:"previous_node_layers,omitempty"`

	// UpsertComment, RemoveComment
	Comment         *Comment `json:"comment,omitempty"`
	PreviousComment *Comment `json:"previous_comment,omitempty"`

	// UpsertVariable, RemoveVariable
	Variable         *Variable `json:"variable,omitempty"`
	PreviousVariable *Variable `json:"previous_variable,omitempty"`
}

func NewAddNodeCommand(node *Node, currentLayer string) *Command {
	return &Command{
		CommandType:  CommandTypeAddNode,
		Node:         node,
		CurrentLayer: currentLayer,
	}
}

func NewRemoveNodeCommand(node *Node) *Command {
	return &Command{
		CommandType: CommandTypeRemoveNode,
		Node:        node,
	}
}

func NewUpdateNodeCommand(node *Node) *Command {
	return &Command{
		CommandType: CommandTypeUpdateNode,
		Node:        node,
	}
}

func NewMoveNodeCommand(nodeId string, toCoordinates [3]float64, currentLayer string) *Command {
	return &Command{
		CommandType:   CommandTypeMoveNode,
		NodeId:        nodeId,
		ToCoordinates: &toCoordinates,
		CurrentLayer:  currentLayer,
	}
}

func NewConnectPinsCommand(fromNode string, fromPin string, toNode string, toPin string) *Command {
	return &Command{
		CommandType: CommandTypeConnectPins,
		FromNode:    fromNode,
		FromPin:     fromPin,
		ToNode:      toNode,
		ToPin:       toPin,
	}
}

func NewDisconnectPinsCommand(fromNode string, fromPin string, toNode string, toPin string) *Command {
	return &Command{
		CommandType: CommandTypeDisconnectPins,
		FromNode:    fromNode,
		FromPin:     fromPin,
		ToNode:      toNode,
		ToPin:       toPin,
	}
}

func NewUpsertLayerCommand(layer *Layer, nodeIds []string) *Command {
	return &Command{
		CommandType: CommandTypeUpsertLayer,
		Layer:       layer,
		NodeIds:     nodeIds,
	}
}

func NewRemoveLayerCommand(layer *Layer) *Command {
	return &Command{
		CommandType: CommandTypeRemoveLayer,
		Layer:       layer,
	}
}

func NewUpsertCommentCommand(comment *Comment) *Command {
	return &Command{
		CommandType: CommandTypeUpsertComment,
		Comment:     comment,
	}
}

func NewRemoveCommentCommand(comment *Comment) *Command {
	return &Command{
		CommandType: CommandTypeRemoveComment,
		Comment:     comment,
	}
}

func NewUpsertVariableCommand(variable *Variable) *Command {
	return &Command{
		CommandType: CommandTypeUpsertVariable,
		Variable:    variable,
	}
}

func NewRemoveVariableCommand(variable *Variable) *Command {
	return &Command{
		CommandType: CommandTypeRemoveVariable,
		Variable:    variable,
	}
}

// the inverse operation family for each command type
func (self CommandType) InverseType() CommandType {
	switch self {
	case CommandTypeAddNode:
		return CommandTypeRemoveNode
	case CommandTypeRemoveNode:
		return CommandTypeAddNode
	case CommandTypeUpdateNode:
		return CommandTypeUpdateNode
	case CommandTypeMoveNode:
		return CommandTypeMoveNode
	case CommandTypeConnectPins:
		return CommandTypeDisconnectPins
	case CommandTypeDisconnectPins:
		return CommandTypeConnectPins
	case CommandTypeUpsertLayer:
		return CommandTypeRemoveLayer
	case CommandTypeRemoveLayer:
		return CommandTypeUpsertLayer
	case CommandTypeUpsertComment:
		return CommandTypeRemoveComment
	case CommandTypeRemoveComment:
		return CommandTypeUpsertComment
	case CommandTypeUpsertVariable:
		return CommandTypeRemoveVariable
	case CommandTypeRemoveVariable:
		return CommandTypeUpsertVariable
	}
	return ""
}

// Inverse pairs an enriched command with the command that exactly reverts
// it. Commands whose inverse needs pre-state (UpdateNode, MoveNode,
// upserts over existing values) must have been enriched by a store first,
// otherwise this returns an error.
func (self *Command) Inverse() (*Command, error) {
	switch self.CommandType {
	case CommandTypeAddNode:
		return &Command{
			CommandType:  CommandTypeRemoveNode,
			Node:         self.Node,
			CurrentLayer: self.CurrentLayer,
		}, nil
	case CommandTypeRemoveNode:
		return &Command{
			CommandType:    CommandTypeAddNode,
			Node:           self.Node,
			ConnectedNodes: self.ConnectedNodes,
			CurrentLayer:   self.CurrentLayer,
		}, nil
	case CommandTypeUpdateNode:
		if self.PreviousNode == nil {
			return nil, fmt.Errorf("%s is not invertible without previous node", self.CommandType)
		}
		return &Command{
			CommandType:  CommandTypeUpdateNode,
			Node:         self.PreviousNode,
			PreviousNode: self.Node,
		}, nil
	case CommandTypeMoveNode:
		if self.FromCoordinates == nil {
			return nil, fmt.Errorf("%s is not invertible without origin coordinates", self.CommandType)
		}
		return &Command{
			CommandType:     CommandTypeMoveNode,
			NodeId:          self.NodeId,
			ToCoordinates:   self.FromCoordinates,
			FromCoordinates: self.ToCoordinates,
			CurrentLayer:    self.CurrentLayer,
		}, nil
	case CommandTypeConnectPins, CommandTypeDisconnectPins:
		return &Command{
			CommandType: self.CommandType.InverseType(),
			FromNode:    self.FromNode,
			FromPin:     self.FromPin,
			ToNode:      self.ToNode,
			ToPin:       self.ToPin,
		}, nil
	case CommandTypeUpsertLayer:
		if self.PreviousLayer != nil {
			return &Command{
				CommandType:        CommandTypeUpsertLayer,
				Layer:              self.PreviousLayer,
				PreviousLayer:      self.Layer,
				PreviousNodeLayers: self.PreviousNodeLayers,
			}, nil
		}
		return &Command{
			CommandType:        CommandTypeRemoveLayer,
			Layer:              self.Layer,
			NodeIds:            self.NodeIds,
			PreviousNodeLayers: self.PreviousNodeLayers,
		}, nil
	case CommandTypeRemoveLayer:
		return &Command{
			CommandType: CommandTypeUpsertLayer,
			Layer:       self.Layer,
			NodeIds:     self.NodeIds,
		}, nil
	case CommandTypeUpsertComment:
		if self.PreviousComment != nil {
			return &Command{
				CommandType:     CommandTypeUpsertComment,
				Comment:         self.PreviousComment,
				PreviousComment: self.Comment,
			}, nil
		}
		return &Command{
			CommandType: CommandTypeRemoveComment,
			Comment:     self.Comment,
		}, nil
	case CommandTypeRemoveComment:
		return &Command{
			CommandType: CommandTypeUpsertComment,
			Comment:     self.Comment,
		}, nil
	case CommandTypeUpsertVariable:
		if self.PreviousVariable != nil {
			return &Command{
				CommandType:      CommandTypeUpsertVariable,
				Variable:         self.PreviousVariable,
				PreviousVariable: self.Variable,
			}, nil
		}
		return &Command{
			CommandType: CommandTypeRemoveVariable,
			Variable:    self.Variable,
		}, nil
	case CommandTypeRemoveVariable:
		return &Command{
			CommandType: CommandTypeUpsertVariable,
			Variable:    self.Variable,
		}, nil
	}
	return nil, fmt.Errorf("unknown command type %s", self.CommandType)
}

// the store's confirmation record: the enriched command plus its
// precomputed inverse. Never mutated after creation.
type ExecutedCommand struct {
	Command *Command `json:"command"`
	Inverse *Command `json:"inverse"`
}
