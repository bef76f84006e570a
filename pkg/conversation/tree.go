package conversation

import (
	"sort"

	"github.com/pkg/errors"
)

// Tree holds the message forest of one session as an arena of nodes plus a
// parent index. Branch resolution is an iterative walk over parent pointers;
// nothing is materialized as a nested structure.
type Tree struct {
	nodes    map[MessageID]*Message
	children map[MessageID][]MessageID
	order    []MessageID // insertion order, for deterministic iteration
}

func NewTree(msgs ...*Message) (*Tree, error) {
	t := &Tree{
		nodes:    map[MessageID]*Message{},
		children: map[MessageID][]MessageID{},
	}
	for _, msg := range msgs {
		if err := t.Add(msg); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Add inserts a node. The parent must be nil or already present.
func (t *Tree) Add(msg *Message) error {
	if _, ok := t.nodes[msg.ID]; ok {
		return errors.Wrapf(ErrDuplicateID, "id %s", msg.ID)
	}
	if !msg.ParentID.IsNil() {
		if _, ok := t.nodes[msg.ParentID]; !ok {
			return errors.Wrapf(ErrInvalidParent, "parent %s of message %s", msg.ParentID, msg.ID)
		}
	}
	t.nodes[msg.ID] = msg
	t.order = append(t.order, msg.ID)
	if !msg.ParentID.IsNil() {
		t.children[msg.ParentID] = append(t.children[msg.ParentID], msg.ID)
	}
	return nil
}

func (t *Tree) Get(id MessageID) (*Message, bool) {
	msg, ok := t.nodes[id]
	return msg, ok
}

func (t *Tree) Len() int {
	return len(t.nodes)
}

// Patch is a partial update of one message. Nil fields are left untouched.
// Parentage is deliberately not patchable.
type Patch struct {
	Content          *string
	ReasoningContent *string
	Parts            []Part
	Status           *Status
	Usage            *Usage
	Cost             *float64
}

// Update applies a patch to one node. The stored message is replaced with
// an updated copy so callers holding earlier pointers are not mutated
// underneath.
func (t *Tree) Update(id MessageID, patch Patch) (*Message, error) {
	msg, ok := t.nodes[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "id %s", id)
	}
	updated := msg.Clone()
	if patch.Content != nil {
		updated.Content = *patch.Content
	}
	if patch.ReasoningContent != nil {
		updated.ReasoningContent = *patch.ReasoningContent
	}
	if patch.Parts != nil {
		updated.Parts = patch.Parts
	}
	if patch.Status != nil {
		updated.Status = *patch.Status
	}
	if patch.Usage != nil {
		updated.Usage = *patch.Usage
	}
	if patch.Cost != nil {
		updated.Cost = *patch.Cost
	}
	t.nodes[id] = updated
	return updated, nil
}

// Branch walks parent pointers from leafID to the root and returns the
// path in root-to-leaf order. A visited set guards against cycles in
// corrupted data.
func (t *Tree) Branch(leafID MessageID) ([]*Message, error) {
	if _, ok := t.nodes[leafID]; !ok {
		return nil, errors.Wrapf(ErrNotFound, "leaf %s", leafID)
	}
	var path []*Message
	visited := map[MessageID]bool{}
	for id := leafID; !id.IsNil(); {
		if visited[id] {
			return nil, errors.Errorf("cycle detected at message %s", id)
		}
		visited[id] = true
		node, ok := t.nodes[id]
		if !ok {
			break
		}
		path = append(path, node)
		id = node.ParentID
	}
	// reverse in place to root-to-leaf order
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

func (t *Tree) Children(id MessageID) []MessageID {
	out := make([]MessageID, len(t.children[id]))
	copy(out, t.children[id])
	return out
}

func (t *Tree) Siblings(id MessageID) []MessageID {
	node, ok := t.nodes[id]
	if !ok {
		return nil
	}
	var siblings []MessageID
	for _, sib := range t.children[node.ParentID] {
		if sib != id {
			siblings = append(siblings, sib)
		}
	}
	return siblings
}

// Leaves returns all messages with no children in the loaded set, in
// insertion order.
func (t *Tree) Leaves() []*Message {
	var leaves []*Message
	for _, id := range t.order {
		if len(t.children[id]) == 0 {
			leaves = append(leaves, t.nodes[id])
		}
	}
	return leaves
}

// LatestLeaf returns the leaf with the greatest creation timestamp. Equal
// timestamps (bulk imports) are broken by the lexicographically greater id
// so selection stays reproducible.
func (t *Tree) LatestLeaf() (MessageID, error) {
	leaves := t.Leaves()
	if len(leaves) == 0 {
		return NilMessage, ErrEmptyTree
	}
	sort.Slice(leaves, func(i, j int) bool {
		if !leaves[i].CreatedAt.Equal(leaves[j].CreatedAt) {
			return leaves[i].CreatedAt.After(leaves[j].CreatedAt)
		}
		return leaves[i].ID.String() > leaves[j].ID.String()
	})
	return leaves[0].ID, nil
}

// Messages returns all nodes in insertion order.
func (t *Tree) Messages() []*Message {
	out := make([]*Message, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.nodes[id])
	}
	return out
}
