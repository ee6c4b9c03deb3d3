package id

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
)

// maxNode is the largest node id snowflake's default 10 node bits allow.
const maxNode = 1<<10 - 1

var (
	mu     sync.RWMutex
	node   *snowflake.Node
	nodeID int64
)

// Init sets up the item id generator for this server node. Every node
// writing to the same database needs a distinct NODE_ID; ids then sort by
// creation time across the cluster. Later calls with the same node id are
// no-ops.
func Init(id int64) error {
	if id < 0 || id > maxNode {
		return fmt.Errorf("node id %d out of range [0, %d]", id, maxNode)
	}

	mu.Lock()
	defer mu.Unlock()
	if node != nil {
		if id != nodeID {
			return fmt.Errorf("id generator already running as node %d", nodeID)
		}
		return nil
	}
	n, err := snowflake.NewNode(id)
	if err != nil {
		return fmt.Errorf("creating id node: %w", err)
	}
	node, nodeID = n, id
	return nil
}

// New returns the id for a new message or post. It panics if Init was not
// called, since an item without an id can never be stored.
func New() int64 {
	mu.RLock()
	n := node
	mu.RUnlock()
	if n == nil {
		panic("id: New called before Init")
	}
	return n.Generate().Int64()
}
