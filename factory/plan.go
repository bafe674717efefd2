/*
Package factory builds plan-rate tables from configuration files.

PURPOSE:
  Converts YAML (or JSON) plan definitions into a generic.PlanRateTable.
  Plans change without code changes; the resulting table is passed into the
  engine explicitly, never stored in a package-level cache.

SCHEMA:
  membership_bonus:
    outright: "100"
    monthly: "50"
  plans:
    - code: PLAN-498
      monthly_due: "498"
      outright_rate: "150"
      monthly_rate: "120"

  Amounts may be quoted or bare; they are parsed as decimals, never floats.
  JSON documents use the same keys (JSON is read through the YAML decoder).

VALIDATION:
  - at least one plan, codes unique and non-empty
  - monthly_due > 0
  - rates and bonuses >= 0

SEE ALSO:
  - generic/plan.go: PlanRate, StaticPlanTable
  - commission/plans.go: Built-in standard table
*/
package factory

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/collections-engine/generic"
)

// =============================================================================
// DOCUMENT TYPES
// =============================================================================

// PlanTableDoc is the file representation of a plan table.
type PlanTableDoc struct {
	MembershipBonus MembershipBonusDoc `yaml:"membership_bonus" json:"membership_bonus"`
	Plans           []PlanDoc          `yaml:"plans" json:"plans"`
}

type MembershipBonusDoc struct {
	Outright string `yaml:"outright" json:"outright"`
	Monthly  string `yaml:"monthly" json:"monthly"`
}

type PlanDoc struct {
	Code         string `yaml:"code" json:"code"`
	MonthlyDue   string `yaml:"monthly_due" json:"monthly_due"`
	OutrightRate string `yaml:"outright_rate" json:"outright_rate"`
	MonthlyRate  string `yaml:"monthly_rate" json:"monthly_rate"`
}

// =============================================================================
// PARSING
// =============================================================================

// LoadPlanTable reads and parses a plan table file.
func LoadPlanTable(path string) (*generic.StaticPlanTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan table: %w", err)
	}
	table, err := ParsePlanTable(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

// ParsePlanTable parses a YAML or JSON plan table document.
func ParsePlanTable(data []byte) (*generic.StaticPlanTable, error) {
	var doc PlanTableDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid plan table: %w", err)
	}
	return doc.Build()
}

// Build validates the document and converts it to a table.
func (doc PlanTableDoc) Build() (*generic.StaticPlanTable, error) {
	if len(doc.Plans) == 0 {
		return nil, fmt.Errorf("plan table has no plans")
	}

	var bonus generic.MembershipBonus
	var err error
	if bonus.Outright, err = amount("membership_bonus.outright", doc.MembershipBonus.Outright, false); err != nil {
		return nil, err
	}
	if bonus.Monthly, err = amount("membership_bonus.monthly", doc.MembershipBonus.Monthly, false); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(doc.Plans))
	rates := make([]generic.PlanRate, 0, len(doc.Plans))
	for i, p := range doc.Plans {
		code := strings.TrimSpace(p.Code)
		if code == "" {
			return nil, fmt.Errorf("plans[%d]: code is required", i)
		}
		if seen[code] {
			return nil, fmt.Errorf("plans[%d]: duplicate code %q", i, code)
		}
		seen[code] = true

		rate := generic.PlanRate{PlanCode: generic.PlanCode(code)}
		field := func(name string) string { return fmt.Sprintf("plans[%s].%s", code, name) }
		if rate.MonthlyDueAmount, err = amount(field("monthly_due"), p.MonthlyDue, true); err != nil {
			return nil, err
		}
		if rate.OutrightCommissionRate, err = amount(field("outright_rate"), p.OutrightRate, false); err != nil {
			return nil, err
		}
		if rate.MonthlyCommissionRate, err = amount(field("monthly_rate"), p.MonthlyRate, false); err != nil {
			return nil, err
		}
		rates = append(rates, rate)
	}
	return generic.NewStaticPlanTable(bonus, rates...), nil
}

// Doc converts a table back to its document form.
func Doc(table *generic.StaticPlanTable) PlanTableDoc {
	m := table.Membership()
	doc := PlanTableDoc{MembershipBonus: MembershipBonusDoc{Outright: m.Outright.String(), Monthly: m.Monthly.String()}}
	for _, r := range table.Rates() {
		doc.Plans = append(doc.Plans, PlanDoc{
			Code:         string(r.PlanCode),
			MonthlyDue:   r.MonthlyDueAmount.String(),
			OutrightRate: r.OutrightCommissionRate.String(),
			MonthlyRate:  r.MonthlyCommissionRate.String(),
		})
	}
	return doc
}

func amount(field, s string, positive bool) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		if positive {
			return decimal.Zero, fmt.Errorf("%s is required", field)
		}
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid amount %q", field, s)
	}
	switch {
	case positive && !d.IsPositive():
		return decimal.Zero, fmt.Errorf("%s must be > 0, got %s", field, d)
	case d.IsNegative():
		return decimal.Zero, fmt.Errorf("%s must be >= 0, got %s", field, d)
	}
	return d, nil
}
