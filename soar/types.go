package soar

import (
	"fmt"
	"time"

	"warden/core"
)

// DefaultMaxAttempts is the run attempt budget when a playbook sets none
const DefaultMaxAttempts = 3

// DefaultStepTimeout bounds a provider call when a step sets no timeout
const DefaultStepTimeout = 30 * time.Second

// Playbook is a named ordered sequence of response steps
type Playbook struct {
	Name        string  `yaml:"name" json:"name" validate:"required,max=128,excludesall=/"`
	Description string  `yaml:"description" json:"description,omitempty" validate:"max=2000"`
	MaxAttempts int     `yaml:"max_attempts" json:"max_attempts,omitempty" validate:"gte=0,lte=20"`
	Trigger     Trigger `yaml:"trigger" json:"trigger"`
	Steps       []Step  `yaml:"steps" json:"steps" validate:"required,min=1,dive"`
}

// Trigger selects the incidents a playbook runs against automatically.
// A playbook without on_status only runs on manual trigger.
type Trigger struct {
	OnStatus       []core.IncidentStatus `yaml:"on_status" json:"on_status,omitempty"`
	MinSeverity    string                `yaml:"min_severity" json:"min_severity,omitempty"`
	IndicatorKinds []core.IndicatorKind  `yaml:"indicator_kinds" json:"indicator_kinds,omitempty"`
}

// Step calls one action, or runs a parallel group of steps
type Step struct {
	Name       string            `yaml:"name" json:"name" validate:"required,max=128"`
	Action     string            `yaml:"action" json:"action,omitempty" validate:"required_without=Parallel,excluded_with=Parallel"`
	Params     map[string]string `yaml:"params" json:"params,omitempty"`
	Idempotent bool              `yaml:"idempotent" json:"idempotent"`
	Timeout    time.Duration     `yaml:"timeout" json:"timeout,omitempty" validate:"gte=0"`
	Retry      *RetryPolicy      `yaml:"retry" json:"retry,omitempty"`
	Verify     *Verification     `yaml:"verify" json:"verify,omitempty"`
	Parallel   []Step            `yaml:"parallel" json:"parallel,omitempty" validate:"omitempty,min=2,dive"`
}

// RetryPolicy overrides the executor's default step retry settings
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts,omitempty" validate:"gte=0,lte=10"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay,omitempty" validate:"gte=0"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay,omitempty" validate:"gte=0"`
}

// Verification is the query a non-idempotent step runs before retrying.
// The action must report ResultApplied or ResultAbsent.
type Verification struct {
	Action string            `yaml:"action" json:"action" validate:"required"`
	Params map[string]string `yaml:"params" json:"params,omitempty"`
}

// IsGroup reports whether the step is a parallel group
func (s Step) IsGroup() bool {
	return len(s.Parallel) > 0
}

// leaves flattens a step into the action steps it runs
func (s Step) leaves() []Step {
	if !s.IsGroup() {
		return []Step{s}
	}
	return s.Parallel
}

func (p *Playbook) maxAttempts() int {
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return DefaultMaxAttempts
}

// Matches reports whether the incident should run this playbook automatically
// and returns the indicators the run is keyed on
func (p *Playbook) Matches(inc *core.Incident) (core.IndicatorSet, bool) {
	if len(p.Trigger.OnStatus) == 0 {
		return nil, false
	}

	statusOK := false
	for _, s := range p.Trigger.OnStatus {
		if s == inc.Status {
			statusOK = true
			break
		}
	}
	if !statusOK {
		return nil, false
	}

	if p.Trigger.MinSeverity != "" {
		floor, err := core.ParseSeverity(p.Trigger.MinSeverity)
		if err != nil || !inc.Severity.AtLeast(floor) {
			return nil, false
		}
	}

	selected := inc.Indicators.Filter(p.Trigger.IndicatorKinds...)
	if len(selected) == 0 {
		return nil, false
	}
	return selected, true
}

// check validates what struct tags cannot express
func (p *Playbook) check() error {
	if p.Trigger.MinSeverity != "" {
		if _, err := core.ParseSeverity(p.Trigger.MinSeverity); err != nil {
			return fmt.Errorf("trigger: %w", err)
		}
	}
	for _, s := range p.Trigger.OnStatus {
		if !s.IsValid() || s == core.IncidentClosed {
			return fmt.Errorf("trigger: status %q cannot start a playbook", s)
		}
	}
	for _, k := range p.Trigger.IndicatorKinds {
		if !k.IsValid() {
			return fmt.Errorf("trigger: unknown indicator kind %q", k)
		}
	}

	seen := make(map[string]bool)
	for _, step := range p.Steps {
		if seen[step.Name] {
			return fmt.Errorf("duplicate step name %q", step.Name)
		}
		seen[step.Name] = true

		for _, leaf := range step.Parallel {
			if leaf.IsGroup() {
				return fmt.Errorf("step %q: parallel groups cannot nest", leaf.Name)
			}
			if seen[leaf.Name] {
				return fmt.Errorf("duplicate step name %q", leaf.Name)
			}
			seen[leaf.Name] = true
		}

		for _, leaf := range step.leaves() {
			if err := checkTemplates(leaf.Params); err != nil {
				return fmt.Errorf("step %q: %w", leaf.Name, err)
			}
			if leaf.Verify != nil {
				if err := checkTemplates(leaf.Verify.Params); err != nil {
					return fmt.Errorf("step %q verify: %w", leaf.Name, err)
				}
			}
		}
	}
	return nil
}
