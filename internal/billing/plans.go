// Package billing coordinates checkout creation, webhook-driven payment
// settlement, and the bridge from paid orders to queued deployments.
package billing

import (
	"encoding/json"
	"fmt"
	"regexp"
)

var planCurrencyRe = regexp.MustCompile(`^[a-z]{3}$`)

// Plan is a purchasable deployment shape.
type Plan struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Amount      int64  `json:"amount"` // minor units
	Currency    string `json:"currency"`
	ServerType  string `json:"serverType,omitempty"`
}

// Catalog is the set of purchasable plans, keyed by id.
type Catalog struct {
	plans map[string]Plan
	order []string
}

// ParseCatalog decodes a JSON array of plans and validates each entry.
func ParseCatalog(raw string) (*Catalog, error) {
	var plans []Plan
	if err := json.Unmarshal([]byte(raw), &plans); err != nil {
		return nil, fmt.Errorf("parse plan catalog: %w", err)
	}
	if len(plans) == 0 {
		return nil, fmt.Errorf("plan catalog is empty")
	}

	c := &Catalog{plans: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		if p.ID == "" {
			return nil, fmt.Errorf("plan without id")
		}
		if p.Name == "" {
			return nil, fmt.Errorf("plan %q has no name", p.ID)
		}
		if p.Amount <= 0 {
			return nil, fmt.Errorf("plan %q amount must be a positive integer, got %d", p.ID, p.Amount)
		}
		if !planCurrencyRe.MatchString(p.Currency) {
			return nil, fmt.Errorf("plan %q currency must match ^[a-z]{3}$, got %q", p.ID, p.Currency)
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("duplicate plan id %q", p.ID)
		}
		c.plans[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	return c, nil
}

// Get looks up a plan by id.
func (c *Catalog) Get(id string) (Plan, bool) {
	p, ok := c.plans[id]
	return p, ok
}

// Plans returns the catalog in declared order.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.plans[id])
	}
	return out
}
