// Package nodes models the artifacts tasks depend on and produce. A node
// has a stable identity, a fingerprint summarizing its current state, and
// an existence check. New variants enter the system through the
// collect_node hook.
package nodes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// DefaultHashThreshold is the file size at or above which PathNode fingerprints
// fall back to (size, mtime_ns) instead of hashing content.
const DefaultHashThreshold = 1 << 20

// Fingerprint is a stable, comparable summary of a node's state.
// Fingerprints are compared by equality only.
type Fingerprint struct {
	Kind string `json:"kind"`
	Sum  string `json:"sum"`
}

// Absent is the distinguished fingerprint of a node that does not exist.
var Absent = Fingerprint{Kind: "absent"}

// Equal reports whether two fingerprints are identical.
func (f Fingerprint) Equal(o Fingerprint) bool { return f == o }

// IsAbsent reports whether the fingerprint marks a missing node.
func (f Fingerprint) IsAbsent() bool { return f.Kind == Absent.Kind }

func (f Fingerprint) String() string {
	if f.IsAbsent() {
		return "absent"
	}
	return f.Kind + ":" + f.Sum
}

// Node is an artifact with a stable identity.
type Node interface {
	// ID is unique across a build.
	ID() string
	// Fingerprint summarizes the node's current state. It never fails; a
	// missing node yields Absent.
	Fingerprint() Fingerprint
	// Exists reports whether the artifact is currently present.
	Exists() bool
}

// PathNode is a filesystem artifact identified by its absolute path.
type PathNode struct {
	Path          string
	HashThreshold int64
}

// NewPathNode builds a PathNode for the given path, resolved to an absolute
// path against dir when relative.
func NewPathNode(dir, path string) *PathNode {
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	return &PathNode{Path: filepath.Clean(path), HashThreshold: DefaultHashThreshold}
}

func (n *PathNode) ID() string { return n.Path }

func (n *PathNode) Exists() bool {
	info, err := os.Stat(n.Path)
	return err == nil && !info.IsDir()
}

// Fingerprint hashes file content for files under the threshold and uses
// (size, mtime_ns) at or above it. A missing or unreadable file yields Absent.
func (n *PathNode) Fingerprint() Fingerprint {
	info, err := os.Stat(n.Path)
	if err != nil || info.IsDir() {
		return Absent
	}
	threshold := n.HashThreshold
	if threshold <= 0 {
		threshold = DefaultHashThreshold
	}
	if info.Size() >= threshold {
		return Fingerprint{
			Kind: "stat",
			Sum:  fmt.Sprintf("%d-%d", info.Size(), info.ModTime().UnixNano()),
		}
	}
	f, err := os.Open(n.Path)
	if err != nil {
		return Absent
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return Absent
	}
	return Fingerprint{Kind: "sha256", Sum: hex.EncodeToString(h.Sum(nil))}
}

// ValueNode is an opaque in-memory artifact. Its fingerprint is the hash of
// the value's canonical JSON encoding.
type ValueNode struct {
	Key   string
	Value cty.Value
}

// NewValueNode builds a ValueNode owned by the given task and key.
func NewValueNode(taskID, key string, v cty.Value) *ValueNode {
	return &ValueNode{Key: taskID + "::" + key, Value: v}
}

func (n *ValueNode) ID() string { return "value://" + n.Key }

func (n *ValueNode) Exists() bool { return n.Value != cty.NilVal && !n.Value.IsNull() }

func (n *ValueNode) Fingerprint() Fingerprint {
	if !n.Exists() {
		return Absent
	}
	buf, err := ctyjson.Marshal(n.Value, n.Value.Type())
	if err != nil {
		return Absent
	}
	sum := sha256.Sum256(buf)
	return Fingerprint{Kind: "value", Sum: hex.EncodeToString(sum[:])}
}
