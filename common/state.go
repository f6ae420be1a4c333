package common

import (
	"github.com/ruteri/seedguard/interfaces"
	"go.uber.org/atomic"
)

// ProcessState is the process-wide view of server-controlled toggles: the
// feature flags last reported by the server and whether it is under
// maintenance. It is passed explicitly to the components that read it.
//
// The zero value reports default feature flags and no maintenance.
type ProcessState struct {
	flags       atomic.Pointer[interfaces.FeatureFlags]
	maintenance atomic.Bool
}

// NewProcessState returns a state initialised with flags.
func NewProcessState(flags interfaces.FeatureFlags) *ProcessState {
	s := &ProcessState{}
	s.Init(flags)
	return s
}

// Init sets the initial flags and clears maintenance.
func (s *ProcessState) Init(flags interfaces.FeatureFlags) {
	s.flags.Store(&flags)
	s.maintenance.Store(false)
}

// UpdateFlags replaces the flags and reports whether they changed.
func (s *ProcessState) UpdateFlags(flags interfaces.FeatureFlags) bool {
	previous := s.flags.Swap(&flags)
	return previous == nil || *previous != flags
}

// Flags returns a copy of the current flags.
func (s *ProcessState) Flags() interfaces.FeatureFlags {
	if flags := s.flags.Load(); flags != nil {
		return *flags
	}
	return interfaces.DefaultFeatureFlags()
}

// SetMaintenance records the maintenance mode and reports whether it changed.
func (s *ProcessState) SetMaintenance(on bool) bool {
	return s.maintenance.Swap(on) != on
}

func (s *ProcessState) UnderMaintenance() bool {
	return s.maintenance.Load()
}
