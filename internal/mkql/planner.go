package mkql

import (
	"github.com/starford/mkb/internal/schema"
)

// choose picks the plan family. Heuristics: an equality on id, type, a
// hash- or bitmap-domain field (ref, enum, boolean) or an indexed btree field
// is assumed selective and drives the plan through the field indexes; a NEAR with no selective field predicate runs KNN first;
// full-text queries otherwise lead with the FTS index. Every family is
// bounded by the guardrail baked into the SQL LIMIT and the vector step's K,
// so no intermediate result can exceed it without spooling.
func (c *compiler) choose() {
	hasSelectiveField := false
	Walk(c.q.Where, func(e Expr) {
		cmp, ok := e.(*Comparison)
		if !ok || cmp.Op != OpEq || cmp.Computed != ComputedNone {
			return
		}
		if _, system := systemColumns[cmp.Field]; system {
			if cmp.Field == "id" || cmp.Field == "type" {
				hasSelectiveField = true
			}
			return
		}
		for _, t := range c.types {
			if fd, fok := c.reg.Field(t, cmp.Field); fok {
				switch fd.Type.Domain() {
				case schema.DomainHash, schema.DomainBitmap:
					hasSelectiveField = true
				case schema.DomainBTree:
					if fd.Indexed {
						hasSelectiveField = true
					}
				}
			}
		}
	})

	switch {
	case hasSelectiveField:
		c.plan.Strategy = StrategyField
	case c.plan.VectorStep != nil:
		c.plan.Strategy = StrategyVector
	case c.usesFTS:
		c.plan.Strategy = StrategyFTS
	default:
		c.plan.Strategy = StrategyField
	}
}
