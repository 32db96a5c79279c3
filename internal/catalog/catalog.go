package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnknownPlan          = errors.New("unknown_plan")
	ErrUnknownCreditPackage = errors.New("unknown_credit_package")
)

// PlanID identifies a subscription plan.
type PlanID string

func (id PlanID) Normalize() PlanID {
	return PlanID(strings.ToLower(strings.TrimSpace(string(id))))
}

// Plan is a subscription plan offering a fixed number of paid actions per period.
// Price is expressed in minor currency units.
type Plan struct {
	ID              PlanID `mapstructure:"id" json:"id"`
	Name            string `mapstructure:"name" json:"name"`
	Price           int64  `mapstructure:"price" json:"price"`
	Currency        string `mapstructure:"currency" json:"currency"`
	ActionAllowance int64  `mapstructure:"action_allowance" json:"action_allowance"`
	DurationDays    int    `mapstructure:"duration_days" json:"duration_days"`
}

// CreditPackage is a one-off purchase of credits.
type CreditPackage struct {
	ID       string `mapstructure:"id" json:"id"`
	Name     string `mapstructure:"name" json:"name"`
	Price    int64  `mapstructure:"price" json:"price"`
	Currency string `mapstructure:"currency" json:"currency"`
	Credits  int64  `mapstructure:"credits" json:"credits"`
}

// Config is the serialized form of the catalog.
type Config struct {
	Plans          []Plan            `mapstructure:"plans"`
	CreditPackages []CreditPackage   `mapstructure:"credit_packages"`
	Aliases        map[string]string `mapstructure:"aliases"`
}

func DefaultConfig() Config {
	return Config{
		Plans: []Plan{
			{ID: "basic", Name: "Basic", Price: 999, Currency: "USD", ActionAllowance: 30, DurationDays: 30},
			{ID: "pro", Name: "Pro", Price: 2499, Currency: "USD", ActionAllowance: 100, DurationDays: 30},
			{ID: "studio", Name: "Studio", Price: 5999, Currency: "USD", ActionAllowance: 300, DurationDays: 30},
		},
		CreditPackages: []CreditPackage{
			{ID: "credits_small", Name: "50 credits", Price: 499, Currency: "USD", Credits: 50},
			{ID: "credits_medium", Name: "120 credits", Price: 999, Currency: "USD", Credits: 120},
			{ID: "credits_large", Name: "300 credits", Price: 1999, Currency: "USD", Credits: 300},
		},
		// premium was retired in favour of pro and keeps its allowance.
		Aliases: map[string]string{
			"premium": "pro",
		},
	}
}

// Catalog is an immutable lookup table built from a Config.
type Catalog struct {
	plans    map[PlanID]Plan
	packages map[string]CreditPackage
	aliases  map[PlanID]PlanID
}

// New validates cfg and builds a Catalog.
func New(cfg Config) (*Catalog, error) {
	c := &Catalog{
		plans:    make(map[PlanID]Plan, len(cfg.Plans)),
		packages: make(map[string]CreditPackage, len(cfg.CreditPackages)),
		aliases:  make(map[PlanID]PlanID, len(cfg.Aliases)),
	}

	for _, plan := range cfg.Plans {
		plan.ID = plan.ID.Normalize()
		if plan.ID == "" {
			return nil, errors.New("catalog: plan id is required")
		}
		if _, exists := c.plans[plan.ID]; exists {
			return nil, fmt.Errorf("catalog: duplicate plan %q", plan.ID)
		}
		if plan.Price < 0 {
			return nil, fmt.Errorf("catalog: plan %q has negative price", plan.ID)
		}
		if plan.ActionAllowance < 0 {
			return nil, fmt.Errorf("catalog: plan %q has negative action_allowance", plan.ID)
		}
		if plan.DurationDays <= 0 {
			return nil, fmt.Errorf("catalog: plan %q must have positive duration_days", plan.ID)
		}
		c.plans[plan.ID] = plan
	}

	for _, pkg := range cfg.CreditPackages {
		pkg.ID = strings.ToLower(strings.TrimSpace(pkg.ID))
		if pkg.ID == "" {
			return nil, errors.New("catalog: credit package id is required")
		}
		if _, exists := c.packages[pkg.ID]; exists {
			return nil, fmt.Errorf("catalog: duplicate credit package %q", pkg.ID)
		}
		if pkg.Price < 0 {
			return nil, fmt.Errorf("catalog: credit package %q has negative price", pkg.ID)
		}
		if pkg.Credits <= 0 {
			return nil, fmt.Errorf("catalog: credit package %q must grant credits", pkg.ID)
		}
		c.packages[pkg.ID] = pkg
	}

	for from, to := range cfg.Aliases {
		alias := PlanID(from).Normalize()
		target := PlanID(to).Normalize()
		if alias == "" || target == "" {
			return nil, errors.New("catalog: alias entries must name both plans")
		}
		if _, shadowed := c.plans[alias]; shadowed {
			return nil, fmt.Errorf("catalog: alias %q shadows an existing plan", alias)
		}
		// Aliases resolve in a single step, so targets must be canonical plans.
		if _, ok := c.plans[target]; !ok {
			return nil, fmt.Errorf("catalog: alias %q targets unknown plan %q", alias, target)
		}
		c.aliases[alias] = target
	}

	return c, nil
}

// ResolveAlias maps a legacy plan identifier to its canonical replacement.
// Unknown and canonical identifiers are returned normalized and otherwise unchanged.
func (c *Catalog) ResolveAlias(id PlanID) PlanID {
	id = id.Normalize()
	if target, ok := c.aliases[id]; ok {
		return target
	}
	return id
}

// GetPlan returns the plan for id after alias resolution.
func (c *Catalog) GetPlan(id PlanID) (Plan, error) {
	plan, ok := c.plans[c.ResolveAlias(id)]
	if !ok {
		return Plan{}, ErrUnknownPlan
	}
	return plan, nil
}

func (c *Catalog) GetCreditPackage(id string) (CreditPackage, error) {
	pkg, ok := c.packages[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return CreditPackage{}, ErrUnknownCreditPackage
	}
	return pkg, nil
}

// Plans lists canonical plans ordered by price.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, plan := range c.plans {
		out = append(out, plan)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price == out[j].Price {
			return out[i].ID < out[j].ID
		}
		return out[i].Price < out[j].Price
	})
	return out
}

// CreditPackages lists packages ordered by credit amount.
func (c *Catalog) CreditPackages() []CreditPackage {
	out := make([]CreditPackage, 0, len(c.packages))
	for _, pkg := range c.packages {
		out = append(out, pkg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Credits == out[j].Credits {
			return out[i].ID < out[j].ID
		}
		return out[i].Credits < out[j].Credits
	})
	return out
}
