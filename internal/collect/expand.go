package collect

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/augustebaum/pytask/internal/hookbus"
	"github.com/augustebaum/pytask/internal/schema"
)

// expansion is one concrete task produced by parametrization. The zero
// expansion (empty params, empty suffix) stands for an unparametrized task.
type expansion struct {
	params map[string]cty.Value
	suffix string
}

// expandParametrize turns the block's parametrize declarations into the
// Cartesian product of their rows. Each parametrize block contributes one
// axis; suffixes of combined axes join with "-".
func (c *Collector) expandParametrize(ctx context.Context, taskName string, blocks []*schema.ParametrizeBlock) ([]expansion, error) {
	expansions := []expansion{{params: map[string]cty.Value{}}}

	for _, block := range blocks {
		axis, err := c.expandAxis(ctx, taskName, block)
		if err != nil {
			return nil, err
		}
		var combined []expansion
		for _, base := range expansions {
			for _, row := range axis {
				params := make(map[string]cty.Value, len(base.params)+len(row.params))
				for k, v := range base.params {
					params[k] = v
				}
				for k, v := range row.params {
					params[k] = v
				}
				suffix := base.suffix
				if suffix != "" && row.suffix != "" {
					suffix += "-" + row.suffix
				} else if row.suffix != "" {
					suffix = row.suffix
				}
				combined = append(combined, expansion{params: params, suffix: suffix})
			}
		}
		expansions = combined
	}

	return expansions, nil
}

// expandAxis evaluates one parametrize block into its rows.
func (c *Collector) expandAxis(ctx context.Context, taskName string, block *schema.ParametrizeBlock) ([]expansion, error) {
	if len(block.Argnames) == 0 {
		return nil, fmt.Errorf("parametrize of %s declares no argnames", taskName)
	}

	values, diags := block.Argvalues.Value(nil)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parametrize of %s: %s", taskName, diags.Error())
	}
	if !values.CanIterateElements() {
		return nil, fmt.Errorf("parametrize of %s: argvalues must be a tuple", taskName)
	}

	var rows [][]cty.Value
	for it := values.ElementIterator(); it.Next(); {
		_, row := it.Element()
		if len(block.Argnames) == 1 && !row.Type().IsTupleType() && !row.Type().IsListType() {
			rows = append(rows, []cty.Value{row})
			continue
		}
		if !row.CanIterateElements() {
			return nil, fmt.Errorf("parametrize of %s: row %s is not a tuple", taskName, row.GoString())
		}
		var cells []cty.Value
		for rit := row.ElementIterator(); rit.Next(); {
			_, cell := rit.Element()
			cells = append(cells, cell)
		}
		if len(cells) != len(block.Argnames) {
			return nil, fmt.Errorf("parametrize of %s: row has %d values for %d argnames",
				taskName, len(cells), len(block.Argnames))
		}
		rows = append(rows, cells)
	}

	if len(block.IDs) > 0 && len(block.IDs) != len(rows) {
		return nil, fmt.Errorf("parametrize of %s: %d ids for %d rows", taskName, len(block.IDs), len(rows))
	}

	out := make([]expansion, 0, len(rows))
	for i, cells := range rows {
		params := make(map[string]cty.Value, len(block.Argnames))
		for j, name := range block.Argnames {
			params[name] = cells[j]
		}
		suffix, err := c.expansionID(ctx, taskName, block, i, cells)
		if err != nil {
			return nil, err
		}
		out = append(out, expansion{params: params, suffix: suffix})
	}
	return out, nil
}

// expansionID derives the id suffix of one row: explicit ids first, then a
// param_id hook listener, then the auto id from scalar values.
func (c *Collector) expansionID(ctx context.Context, taskName string, block *schema.ParametrizeBlock, index int, cells []cty.Value) (string, error) {
	if len(block.IDs) > 0 {
		return block.IDs[index], nil
	}

	res, err := c.bus.Call(ctx, hookbus.HookParamID, hookbus.Args{
		"task":      taskName,
		"argnames":  block.Argnames,
		"argvalues": cells,
		"index":     index,
	})
	if err != nil {
		return "", err
	}
	if id, ok := res.Value.(string); ok && id != "" {
		return id, nil
	}

	parts := make([]string, len(cells))
	for i, cell := range cells {
		if s, ok := scalarID(cell); ok {
			parts[i] = s
		} else {
			parts[i] = fmt.Sprintf("%s%d", block.Argnames[i], index)
		}
	}
	return strings.Join(parts, "-"), nil
}

// scalarID renders bool, number and string values for auto ids.
func scalarID(v cty.Value) (string, bool) {
	if v.IsNull() {
		return "", false
	}
	switch v.Type() {
	case cty.Bool:
		return fmt.Sprintf("%t", v.True()), true
	case cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			i, _ := bf.Int(new(big.Int))
			return i.String(), true
		}
		return bf.Text('g', -1), true
	case cty.String:
		return v.AsString(), true
	}
	return "", false
}
