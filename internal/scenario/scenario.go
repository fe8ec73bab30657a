// Package scenario defines the load presets that drive task generation:
// how often tasks appear and how much deadline slack they carry.
package scenario

import (
	"fmt"
	"math/rand"
)

// Scenario is one load preset.
type Scenario struct {
	Name          string
	TaskPeriodSec int
	SlackMinSec   int
	SlackMaxSec   int
}

// SampleDeadlineSlack draws a deadline slack in whole seconds, uniform
// over [SlackMinSec, SlackMaxSec] inclusive.
func (s Scenario) SampleDeadlineSlack(rng *rand.Rand) int {
	return s.SlackMinSec + rng.Intn(s.SlackMaxSec-s.SlackMinSec+1)
}

var presets = map[string]Scenario{
	"low":    {Name: "low", TaskPeriodSec: 15, SlackMinSec: 60, SlackMaxSec: 120},
	"medium": {Name: "medium", TaskPeriodSec: 10, SlackMinSec: 35, SlackMaxSec: 70},
	"high":   {Name: "high", TaskPeriodSec: 6, SlackMinSec: 18, SlackMaxSec: 40},
}

// Lookup resolves a preset by name.
func Lookup(name string) (Scenario, error) {
	s, ok := presets[name]
	if !ok {
		return Scenario{}, fmt.Errorf("scenario: unknown preset %q (want low, medium or high)", name)
	}
	return s, nil
}

// Names lists the available presets.
func Names() []string {
	return []string{"low", "medium", "high"}
}
