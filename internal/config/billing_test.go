package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateBillingConfig(t *testing.T) {
	cfg := DefaultBillingConfig()
	assert.NoError(t, validateBillingConfig(cfg))

	bad := cfg
	bad.Policy = "lenient"
	assert.Error(t, validateBillingConfig(bad))

	bad = cfg
	bad.DefaultUnitSeconds = 0
	assert.Error(t, validateBillingConfig(bad))

	bad = cfg
	bad.DefaultRatePerUnit = -1
	assert.Error(t, validateBillingConfig(bad))

	bad = cfg
	bad.VerifyInterval = 0
	assert.Error(t, validateBillingConfig(bad))
}

func TestStaticHolderStoreAndGet(t *testing.T) {
	holder := NewStaticBillingConfigHolder(DefaultBillingConfig())
	assert.Equal(t, PolicySoft, holder.Get().Policy)
	assert.Equal(t, int64(60), holder.Get().DefaultUnitSeconds)

	updated := holder.Get()
	updated.Policy = PolicyHard
	updated.VerifyInterval = time.Minute
	holder.Store(updated)

	assert.Equal(t, PolicyHard, holder.Get().Policy)
	assert.Equal(t, time.Minute, holder.Get().VerifyInterval)
}
