package factory_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/collections-engine/commission"
	"github.com/warp/collections-engine/factory"
	"github.com/warp/collections-engine/generic"
)

const plansYAML = `
membership_bonus:
  outright: 100
  monthly: "50"
plans:
  - code: PLAN-498
    monthly_due: 498
    outright_rate: "150"
    monthly_rate: 120
  - code: PLAN-998
    monthly_due: "998.50"
    outright_rate: 300
    monthly_rate: 240
`

func TestParsePlanTable_YAML(t *testing.T) {
	table, err := factory.ParsePlanTable([]byte(plansYAML))
	require.NoError(t, err)

	rate, ok := table.Lookup("PLAN-998")
	require.True(t, ok)
	assert.Equal(t, "998.5", rate.MonthlyDueAmount.String())
	assert.Equal(t, "300", rate.OutrightCommissionRate.String())
	assert.Equal(t, "150", table.Membership().Total().String())

	_, ok = table.Lookup("PLAN-000")
	assert.False(t, ok)
}

func TestParsePlanTable_JSON(t *testing.T) {
	doc := commission.PlanTableJSON(commission.StandardPlanCode, "498", "150", "120")

	table, err := factory.ParsePlanTable([]byte(doc))
	require.NoError(t, err)

	rate, ok := table.Lookup(commission.StandardPlanCode)
	require.True(t, ok)
	assert.True(t, commission.StandardPlan().MonthlyDueAmount.Equal(rate.MonthlyDueAmount))
}

func TestParsePlanTable_Invalid(t *testing.T) {
	tests := map[string]string{
		"no plans":       `plans: []`,
		"missing code":   `plans: [{monthly_due: "1"}]`,
		"zero due":       `plans: [{code: A, monthly_due: "0"}]`,
		"negative rate":  `plans: [{code: A, monthly_due: "1", outright_rate: "-1"}]`,
		"duplicate code": `plans: [{code: A, monthly_due: "1"}, {code: A, monthly_due: "2"}]`,
		"not a number":   `plans: [{code: A, monthly_due: "lots"}]`,
		"bad document":   `plans: {`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := factory.ParsePlanTable([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadPlanTable_RoundTripsThroughDoc(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(plansYAML), 0o600))

	table, err := factory.LoadPlanTable(path)
	require.NoError(t, err)

	doc := factory.Doc(table)
	require.Len(t, doc.Plans, 2)
	assert.Equal(t, "PLAN-498", doc.Plans[0].Code)

	rebuilt, err := doc.Build()
	require.NoError(t, err)
	assert.Equal(t, table.Rates(), rebuilt.Rates())
	var _ generic.PlanRateTable = rebuilt
}

func TestLoadPlanTable_MissingFile(t *testing.T) {
	_, err := factory.LoadPlanTable(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
