package collect

import (
	"context"
	"fmt"

	"github.com/zclconf/go-cty/cty"

	"github.com/augustebaum/pytask/internal/hookbus"
	"github.com/augustebaum/pytask/internal/nodes"
	"github.com/augustebaum/pytask/internal/pytaskerr"
	"github.com/augustebaum/pytask/internal/task"
)

// RegisterDefaultNodeListeners attaches the built-in collect_node
// resolvers: strings become path nodes relative to the declaring file, any
// other value becomes a value node. The value resolver registers try-last
// so extensions claim their descriptors first.
func RegisterDefaultNodeListeners(bus *hookbus.Bus, hashThreshold int64) error {
	if err := bus.Register(hookbus.HookCollectNode, "core:path", func(_ context.Context, args hookbus.Args) (any, error) {
		descriptor, ok := args["descriptor"].(cty.Value)
		if !ok || descriptor.IsNull() || !descriptor.Type().Equals(cty.String) {
			return nil, nil
		}
		dir, _ := args["dir"].(string)
		n := nodes.NewPathNode(dir, descriptor.AsString())
		if hashThreshold > 0 {
			n.HashThreshold = hashThreshold
		}
		return n, nil
	}); err != nil {
		return err
	}

	return bus.Register(hookbus.HookCollectNode, "core:value", func(_ context.Context, args hookbus.Args) (any, error) {
		descriptor, ok := args["descriptor"].(cty.Value)
		if !ok || descriptor == cty.NilVal || descriptor.IsNull() {
			return nil, nil
		}
		taskID, _ := args["task"].(string)
		key, _ := args["key"].(string)
		return nodes.NewValueNode(taskID, key, descriptor), nil
	}, hookbus.TryLast())
}

// resolveTree turns an evaluated descriptor value into a shape-preserving
// node tree, dispatching every leaf through the collect_node hook.
func (c *Collector) resolveTree(ctx context.Context, v cty.Value, dir, taskID string) (task.Tree, error) {
	if v == cty.NilVal || v.IsNull() {
		return task.Tree{Shape: task.ShapeNone}, nil
	}

	ty := v.Type()
	switch {
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		tree := task.Tree{Shape: task.ShapeSeq}
		i := 0
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			n, err := c.resolveLeaf(ctx, ev, dir, taskID, fmt.Sprintf("%d", i))
			if err != nil {
				return task.Tree{}, err
			}
			tree.Items = append(tree.Items, n)
			i++
		}
		return tree, nil
	case ty.IsObjectType() || ty.IsMapType():
		tree := task.Tree{Shape: task.ShapeMap, Entries: make(map[string]nodes.Node)}
		for it := v.ElementIterator(); it.Next(); {
			kv, ev := it.Element()
			key := kv.AsString()
			n, err := c.resolveLeaf(ctx, ev, dir, taskID, key)
			if err != nil {
				return task.Tree{}, err
			}
			tree.Entries[key] = n
		}
		return tree, nil
	}

	n, err := c.resolveLeaf(ctx, v, dir, taskID, "")
	if err != nil {
		return task.Tree{}, err
	}
	return task.Tree{Shape: task.ShapeSingle, Node: n}, nil
}

func (c *Collector) resolveLeaf(ctx context.Context, v cty.Value, dir, taskID, key string) (nodes.Node, error) {
	res, err := c.bus.Call(ctx, hookbus.HookCollectNode, hookbus.Args{
		"descriptor": v,
		"dir":        dir,
		"task":       taskID,
		"key":        key,
	})
	if err != nil {
		return nil, err
	}
	n, ok := res.Value.(nodes.Node)
	if !ok || n == nil {
		return nil, &pytaskerr.NodeNotCollectedError{Descriptor: v.GoString(), Task: taskID}
	}
	return n, nil
}
