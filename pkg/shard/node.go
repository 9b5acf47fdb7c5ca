package shard

import (
	"fmt"
	"slices"
	"strings"
)

// NodeStatus is the availability of a node.
type NodeStatus string

const (
	NodeOnline   NodeStatus = "ONLINE"
	NodeDraining NodeStatus = "DRAINING"
	NodeOffline  NodeStatus = "OFFLINE"
)

// ParseNodeStatus parses a status name, case-insensitively.
func ParseNodeStatus(s string) (NodeStatus, error) {
	switch NodeStatus(strings.ToUpper(s)) {
	case NodeOnline:
		return NodeOnline, nil
	case NodeDraining:
		return NodeDraining, nil
	case NodeOffline:
		return NodeOffline, nil
	}
	return "", fmt.Errorf("shard: unknown node status %q", s)
}

// NodeSpec declares a logical capacity node.
type NodeSpec struct {
	ID            string   `yaml:"id" json:"id"`
	Capacity      int      `yaml:"capacity" json:"capacity"`
	MaxConcurrent int      `yaml:"max_concurrent" json:"max_concurrent"`
	Tags          []string `yaml:"tags" json:"tags,omitempty"`
}

// Node is a snapshot of a node's accounting.
type Node struct {
	ID            string     `json:"id"`
	Capacity      int        `json:"capacity"`
	Allocated     int        `json:"allocated"`
	MaxConcurrent int        `json:"max_concurrent"`
	Active        int        `json:"active"`
	Status        NodeStatus `json:"status"`
	Tags          []string   `json:"tags,omitempty"`
	Completed     uint64     `json:"completed"`
	Failed        uint64     `json:"failed"`
}

// Spare is the unallocated capacity.
func (n *Node) Spare() int { return n.Capacity - n.Allocated }

// Utilization is the larger of the capacity and concurrency fill ratios.
func (n *Node) Utilization() float64 {
	var u float64
	if n.Capacity > 0 {
		u = float64(n.Allocated) / float64(n.Capacity)
	}
	if n.MaxConcurrent > 0 {
		if c := float64(n.Active) / float64(n.MaxConcurrent); c > u {
			u = c
		}
	}
	return u
}

// HasTag reports whether the node carries tag.
func (n *Node) HasTag(tag string) bool {
	return slices.ContainsFunc(n.Tags, func(t string) bool { return strings.EqualFold(t, tag) })
}

func (n *Node) canTake(units int) bool {
	return n.Status == NodeOnline && n.Spare() >= units && n.Active < n.MaxConcurrent
}

func (n *Node) snapshot() Node {
	c := *n
	c.Tags = slices.Clone(n.Tags)
	return c
}
