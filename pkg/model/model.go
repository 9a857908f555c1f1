package model

import (
	"fmt"
	"strings"
)

// Conventional node types. The set is open: connectors may emit other types.
const (
	NodeTypeService    = "service"
	NodeTypeDatabase   = "database"
	NodeTypeCache      = "cache"
	NodeTypeTeam       = "team"
	NodeTypeDeployment = "deployment"
	NodeTypeK8sService = "k8s_service"
)

// Conventional edge types.
const (
	EdgeTypeDependsOn  = "depends_on"
	EdgeTypeOwns       = "owns"
	EdgeTypeReadsFrom  = "reads_from"
	EdgeTypeWritesTo   = "writes_to"
	EdgeTypeCalls      = "calls"
	EdgeTypeUses       = "uses"
	EdgeTypeDeployedAs = "deployed_as"
)

// Well-known property keys.
const (
	PropTeam        = "team"
	PropOwner       = "owner"
	PropEnvironment = "environment"
	PropSource      = "source"
)

// NodeID builds the conventional "{type}:{name}" identifier.
func NodeID(nodeType, name string) string {
	return nodeType + ":" + name
}

// SplitNodeID is the inverse of NodeID. ok is false when id has no type prefix.
func SplitNodeID(id string) (nodeType, name string, ok bool) {
	nodeType, name, ok = strings.Cut(id, ":")
	if !ok || nodeType == "" || name == "" {
		return "", id, false
	}
	return nodeType, name, true
}

// Node is one infrastructure entity.
type Node struct {
	ID         string     `json:"id" yaml:"id"`
	Name       string     `json:"name" yaml:"name"`
	Type       string     `json:"type" yaml:"type"`
	Properties Properties `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Validate reports malformed nodes.
func (n Node) Validate() error {
	if n.ID == "" {
		return InvalidArgumentf("node has no id")
	}
	if n.Name == "" {
		return InvalidArgumentf("node %q has no name", n.ID)
	}
	return nil
}

// Normalized validates the node and returns a copy whose properties are a
// normalized deep copy, safe to store.
func (n Node) Normalized() (Node, error) {
	if err := n.Validate(); err != nil {
		return Node{}, err
	}
	props, err := NormalizeProperties(n.Properties)
	if err != nil {
		return Node{}, fmt.Errorf("node %q: %w", n.ID, err)
	}
	n.Properties = props
	return n, nil
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	n.Properties = n.Properties.Clone()
	return n
}

// EdgeKey is the identity of an edge for upsert purposes.
type EdgeKey struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

func (k EdgeKey) String() string {
	return fmt.Sprintf("%s -[%s]-> %s", k.Source, k.Type, k.Target)
}

// Less orders keys by source, target, then type.
func (k EdgeKey) Less(o EdgeKey) bool {
	if k.Source != o.Source {
		return k.Source < o.Source
	}
	if k.Target != o.Target {
		return k.Target < o.Target
	}
	return k.Type < o.Type
}

// Edge is a directed, typed relationship between two node ids.
type Edge struct {
	Source     string     `json:"source" yaml:"source"`
	Target     string     `json:"target" yaml:"target"`
	Type       string     `json:"type" yaml:"type"`
	Properties Properties `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Key returns the upsert identity of the edge.
func (e Edge) Key() EdgeKey {
	return EdgeKey{Source: e.Source, Target: e.Target, Type: e.Type}
}

// Validate reports malformed edges.
func (e Edge) Validate() error {
	switch {
	case e.Source == "":
		return InvalidArgumentf("edge has no source")
	case e.Target == "":
		return InvalidArgumentf("edge from %q has no target", e.Source)
	case e.Type == "":
		return InvalidArgumentf("edge %s -> %s has no type", e.Source, e.Target)
	}
	return nil
}

// Normalized validates the edge and returns a copy with normalized properties.
func (e Edge) Normalized() (Edge, error) {
	if err := e.Validate(); err != nil {
		return Edge{}, err
	}
	props, err := NormalizeProperties(e.Properties)
	if err != nil {
		return Edge{}, fmt.Errorf("edge %s: %w", e.Key(), err)
	}
	e.Properties = props
	return e, nil
}

// Clone returns a deep copy of the edge.
func (e Edge) Clone() Edge {
	e.Properties = e.Properties.Clone()
	return e
}

// Touches reports whether id is either endpoint of the edge.
func (e Edge) Touches(id string) bool {
	return e.Source == id || e.Target == id
}
