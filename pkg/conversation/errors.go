package conversation

import "github.com/pkg/errors"

var (
	// ErrNotFound is returned when a message id is not present in the tree.
	ErrNotFound = errors.New("message not found")
	// ErrInvalidParent is returned when a message references a parent that
	// does not exist in the tree.
	ErrInvalidParent = errors.New("invalid parent id")
	// ErrDuplicateID is returned when inserting a message whose id is
	// already present.
	ErrDuplicateID = errors.New("duplicate message id")
	// ErrEmptyTree is returned when an operation requires at least one
	// message in the tree.
	ErrEmptyTree = errors.New("conversation tree is empty")
)
