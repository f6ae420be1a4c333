package common

import (
	"sync"
	"testing"

	"github.com/ruteri/seedguard/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessState(t *testing.T) {
	var zero ProcessState
	assert.Equal(t, interfaces.DefaultFeatureFlags(), zero.Flags())
	assert.False(t, zero.UnderMaintenance())

	flags := interfaces.DefaultFeatureFlags()
	flags.Timelock = true
	s := NewProcessState(flags)
	assert.True(t, s.Flags().Timelock)

	assert.False(t, s.UpdateFlags(flags), "same flags are not a change")
	flags.PasswordAuth = false
	assert.True(t, s.UpdateFlags(flags))
	assert.False(t, s.Flags().PasswordAuth)

	// Returned flags are a copy.
	got := s.Flags()
	got.Timelock = false
	assert.True(t, s.Flags().Timelock)

	assert.True(t, s.SetMaintenance(true))
	assert.False(t, s.SetMaintenance(true))
	assert.True(t, s.UnderMaintenance())

	s.Init(interfaces.DefaultFeatureFlags())
	assert.False(t, s.UnderMaintenance())
	assert.False(t, s.Flags().Timelock)
}

func TestProcessStateConcurrent(t *testing.T) {
	s := NewProcessState(interfaces.DefaultFeatureFlags())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			flags := interfaces.DefaultFeatureFlags()
			flags.MaxExternalApprovers = i
			s.UpdateFlags(flags)
			s.SetMaintenance(i%2 == 0)
			_ = s.Flags()
			_ = s.UnderMaintenance()
		}(i)
	}
	wg.Wait()

	require.GreaterOrEqual(t, s.Flags().MaxExternalApprovers, 0)
}

func TestSetupLogger(t *testing.T) {
	log := SetupLogger(&LoggingOpts{JSON: true, Debug: true, Service: "seedguard", Version: Version})
	require.NotNil(t, log)
	log = SetupLogger(&LoggingOpts{})
	require.NotNil(t, log)
}
