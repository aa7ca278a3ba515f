// Package id hands out time-ordered int64 identifiers for listings and matches.
package id

import (
	"errors"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	mu   sync.RWMutex
	node *snowflake.Node
)

// ErrNotInitialized is returned by Next before Init succeeded.
var ErrNotInitialized = errors.New("id generator not initialized")

// Init configures the node. Each worker process needs a distinct nodeID (0-1023).
// Calling Init again replaces the node.
func Init(nodeID int64) error {
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return err
	}

	mu.Lock()
	node = n
	mu.Unlock()
	return nil
}

// Next returns a new identifier.
func Next() (int64, error) {
	mu.RLock()
	n := node
	mu.RUnlock()

	if n == nil {
		return 0, ErrNotInitialized
	}
	return n.Generate().Int64(), nil
}

// Generator adapts the package-level node to interfaces that expect an object.
type Generator struct{}

func (Generator) NewID() (int64, error) {
	return Next()
}
