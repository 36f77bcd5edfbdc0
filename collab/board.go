package collab

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/wI2L/jsondiff"
)

// the board document model. This mirrors the authoritative store's schema:
// the core never mutates a `Board` directly, it submits commands and
// refetches. The types are also used by the in-process stores, which do
// apply commands locally.

type PinType string

const (
	PinTypeInput  PinType = "Input"
	PinTypeOutput PinType = "Output"
)

type Pin struct {
	Id          string   `json:"id"`
	Name        string   `json:"name"`
	PinType     PinType  `json:"pin_type"`
	DataType    string   `json:"data_type,omitempty"`
	Index       int      `json:"index,omitempty"`
	ConnectedTo []string `json:"connected_to,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Value       any      `json:"value,omitempty"`
}

type Node struct {
	Id           string          `json:"id"`
	Name         string          `json:"name"`
	FriendlyName string          `json:"friendly_name,omitempty"`
	Description  string          `json:"description,omitempty"`
	Coordinates  [3]float64      `json:"coordinates"`
	Layer        string          `json:"layer,omitempty"`
	Pins         map[string]*Pin `json:"pins,omitempty"`
}

// a nestable sub-scope of the graph, forming a tree via `ParentId`
type Layer struct {
	Id          string     `json:"id"`
	ParentId    string     `json:"parent_id,omitempty"`
	Name        string     `json:"name"`
	Coordinates [3]float64 `json:"coordinates"`
	Color       string     `json:"color,omitempty"`
	Collapsed   bool       `json:"collapsed,omitempty"`
}

type Comment struct {
	Id          string     `json:"id"`
	Content     string     `json:"content"`
	Author      string     `json:"author,omitempty"`
	Coordinates [3]float64 `json:"coordinates"`
	Width       float64    `json:"width,omitempty"`
	Height      float64    `json:"height,omitempty"`
	Color       string     `json:"color,omitempty"`
	Layer       string     `json:"layer,omitempty"`
	ZIndex      int        `json:"z_index,omitempty"`
}

type Variable struct {
	Id           string `json:"id"`
	Name         string `json:"name"`
	DataType     string `json:"data_type"`
	ValueType    string `json:"value_type,omitempty"`
	DefaultValue any    `json:"default_value,omitempty"`
	Description  string `json:"description,omitempty"`
	Exposed      bool   `json:"exposed,omitempty"`
	Secret       bool   `json:"secret,omitempty"`
}

type Board struct {
	Id          string               `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Nodes       map[string]*Node     `json:"nodes"`
	Variables   map[string]*Variable `json:"variables"`
	Comments    map[string]*Comment  `json:"comments"`
	Layers      map[string]*Layer    `json:"layers"`
	Viewport    [3]float64           `json:"viewport"`
	Version     Version              `json:"version"`
	Refs        map[string]string    `json:"refs,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewBoard(id string) *Board {
	now := time.Now().UTC()
	return &Board{
		Id:          id,
		Name:        "New Board",
		Description: "Your new workflow",
		Nodes:       map[string]*Node{},
		Variables:   map[string]*Variable{},
		Comments:    map[string]*Comment{},
		Layers:      map[string]*Layer{},
		Version:     Version{0, 0, 1},
		Refs:        map[string]string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// deep copy via the json codec. Board mutation rates are human-scale, so
// the allocation cost does not matter here.
func (self *Board) Clone() *Board {
	boardJson, err := json.Marshal(self)
	if err != nil {
		panic(err)
	}
	clone := &Board{}
	if err := json.Unmarshal(boardJson, clone); err != nil {
		panic(err)
	}
	return clone
}

// structural equality under a canonical json encoding, ignoring volatile
// fields (timestamps). Used by the reconciler to skip no-op rebuilds and
// by tests to state invertibility.
func (self *Board) StructurallyEquals(other *Board) bool {
	patch, err := self.StructuralDiff(other)
	if err != nil {
		return false
	}
	return len(patch) == 0
}

func (self *Board) StructuralDiff(other *Board) (jsondiff.Patch, error) {
	a := self.Clone()
	b := other.Clone()
	a.CreatedAt = time.Time{}
	a.UpdatedAt = time.Time{}
	b.CreatedAt = time.Time{}
	b.UpdatedAt = time.Time{}

	aJson, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	bJson, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return jsondiff.CompareJSON(aJson, bJson)
}

func (self *Board) FindPin(pinId string) (*Node, *Pin) {
	for _, node := range self.Nodes {
		if pin, ok := node.Pins[pinId]; ok {
			return node, pin
		}
	}
	return nil, nil
}

// all nodes with at least one pin connected to a pin of `nodeId`
func (self *Board) ConnectedNodes(nodeId string) []*Node {
	node, ok := self.Nodes[nodeId]
	if !ok {
		return nil
	}
	pinIds := map[string]bool{}
	for pinId := range node.Pins {
		pinIds[pinId] = true
	}

	connectedNodes := map[string]*Node{}
	for _, other := range self.Nodes {
		if other.Id == nodeId {
			continue
		}
		for _, pin := range other.Pins {
			connected := false
			for _, pinId := range pin.ConnectedTo {
				if pinIds[pinId] {
					connected = true
					break
				}
			}
			if !connected {
				for _, pinId := range pin.DependsOn {
					if pinIds[pinId] {
						connected = true
						break
					}
				}
			}
			if connected {
				connectedNodes[other.Id] = other
				break
			}
		}
	}

	nodes := make([]*Node, 0, len(connectedNodes))
	for _, connectedNode := range connectedNodes {
		nodes = append(nodes, connectedNode)
	}
	slices.SortFunc(nodes, func(a *Node, b *Node) int {
		if a.Id < b.Id {
			return -1
		} else if b.Id < a.Id {
			return 1
		}
		return 0
	})
	return nodes
}
