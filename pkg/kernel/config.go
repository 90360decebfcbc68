package kernel

import "time"

// Config tunes the scheduler loop.
type Config struct {
	// TickInterval is the period of the control loop.
	TickInterval time.Duration `json:"tick_interval"`
	// MaxConcurrentGoals bounds how many goals one tick processes.
	MaxConcurrentGoals int `json:"max_concurrent_goals"`
	// MaxInFlightPerGoal bounds outstanding runs per goal.
	MaxInFlightPerGoal int `json:"max_in_flight_per_goal"`
	// RunTimeout aborts a run with reason "timeout". Zero disables it.
	RunTimeout time.Duration `json:"run_timeout"`
	// AbortGrace is how long an aborted engine call may take to return
	// before the run is completed as aborted without it.
	AbortGrace time.Duration `json:"abort_grace"`
	// Dispatch throttles new runs per goal when a limiter is configured.
	Dispatch DispatchPolicy `json:"dispatch"`
}

// DefaultConfig ticks every second and runs up to five goals at once.
func DefaultConfig() Config {
	return Config{
		TickInterval:       time.Second,
		MaxConcurrentGoals: 5,
		MaxInFlightPerGoal: 4,
		AbortGrace:         30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.MaxConcurrentGoals <= 0 {
		c.MaxConcurrentGoals = d.MaxConcurrentGoals
	}
	if c.MaxInFlightPerGoal <= 0 {
		c.MaxInFlightPerGoal = d.MaxInFlightPerGoal
	}
	if c.AbortGrace <= 0 {
		c.AbortGrace = d.AbortGrace
	}
	if c.RunTimeout < 0 {
		c.RunTimeout = 0
	}
	return c
}
