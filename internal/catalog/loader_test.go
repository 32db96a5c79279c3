package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const catalogYAML = `
catalog:
  plans:
    - id: starter
      name: Starter
      price: 500
      currency: USD
      action_allowance: 12
      duration_days: 30
    - id: team
      name: Team
      price: 4000
      currency: USD
      action_allowance: 200
      duration_days: 30
  credit_packages:
    - id: credits_10
      name: 10 credits
      price: 100
      currency: USD
      credits: 10
  aliases:
    solo: starter
`

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestNewHolderReadsFile(t *testing.T) {
	path := writeCatalog(t, catalogYAML)

	holder, err := NewHolder(LoaderOptions{Path: path}, zap.NewNop())
	require.NoError(t, err)

	c := holder.Current()
	plan, err := c.GetPlan("solo")
	require.NoError(t, err)
	assert.Equal(t, PlanID("starter"), plan.ID)
	assert.Equal(t, int64(12), plan.ActionAllowance)

	pkg, err := c.GetCreditPackage("credits_10")
	require.NoError(t, err)
	assert.Equal(t, int64(10), pkg.Credits)

	_, err = c.GetPlan("basic")
	assert.ErrorIs(t, err, ErrUnknownPlan)
}

func TestNewHolderRejectsInvalidFile(t *testing.T) {
	path := writeCatalog(t, `
catalog:
  plans:
    - id: broken
      duration_days: 0
`)

	_, err := NewHolder(LoaderOptions{Path: path}, zap.NewNop())
	assert.Error(t, err)
}

func TestNewHolderMissingExplicitFile(t *testing.T) {
	_, err := NewHolder(LoaderOptions{Path: filepath.Join(t.TempDir(), "missing.yml")}, zap.NewNop())
	assert.Error(t, err)
}

func TestApplyKeepsPreviousCatalogOnInvalidConfig(t *testing.T) {
	base, err := New(DefaultConfig())
	require.NoError(t, err)
	holder := NewStaticHolder(base)

	err = holder.apply(Config{Plans: []Plan{{ID: "bad"}}}, "test")
	assert.Error(t, err)
	assert.Same(t, base, holder.Current())

	updated := DefaultConfig()
	updated.Plans[0].ActionAllowance = 45
	require.NoError(t, holder.apply(updated, "test"))

	plan, err := holder.Current().GetPlan("basic")
	require.NoError(t, err)
	assert.Equal(t, int64(45), plan.ActionAllowance)
}
