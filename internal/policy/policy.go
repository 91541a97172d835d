package policy

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that round-trips through YAML and JSON as a
// Go duration string ("72h", "30m"). Config documents are stored in the DB
// as JSON, so both codecs matter.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Duration(d).String())), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	parsed, err := time.ParseDuration(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Config models canopy.yml: the criterion weight table, the per-standard
// stage sequences and stage policies, and scheduler tunables. Read-only
// during workflow execution.
type Config struct {
	Criteria struct {
		Weights map[string]float64 `yaml:"weights" json:"weights"`
	} `yaml:"criteria" json:"criteria"`
	Standards       map[string]Standard `yaml:"standards" json:"standards"`
	PriorityFactors map[int]float64     `yaml:"priority_factors" json:"priority_factors"`
	Evaluation      struct {
		CriterionTimeout Duration `yaml:"criterion_timeout" json:"criterion_timeout"`
	} `yaml:"evaluation" json:"evaluation"`
}

// Standard is one compliance standard: its ordered stage sequence plus the
// adjustments applied when computing the final compliance score.
type Standard struct {
	Stages             []string               `yaml:"stages" json:"stages"`
	MinProjectDuration Duration               `yaml:"min_project_duration" json:"min_project_duration"`
	DurationBonus      float64                `yaml:"duration_bonus" json:"duration_bonus"`
	RequiredScore      float64                `yaml:"required_score" json:"required_score"`
	LowScorePenalty    float64                `yaml:"low_score_penalty" json:"low_score_penalty"`
	Policies           map[string]StagePolicy `yaml:"policies" json:"policies"`
}

// StagePolicy configures one stage of one standard.
type StagePolicy struct {
	Tasks                  []TaskTemplate     `yaml:"tasks" json:"tasks"`
	RequiredApprovals      []RoleCount        `yaml:"required_approvals" json:"required_approvals"`
	AutoApprovalThresholds map[string]float64 `yaml:"auto_approval_thresholds" json:"auto_approval_thresholds"`
	SLA                    Duration           `yaml:"sla" json:"sla"`
	EscalationRole         string             `yaml:"escalation_role" json:"escalation_role"`
	EscalationExtension    Duration           `yaml:"escalation_extension" json:"escalation_extension"`
}

// TaskTemplate instantiates one task within a stage. Tasks of the same
// stage run independently of one another.
type TaskTemplate struct {
	Name     string   `yaml:"name" json:"name"`
	Criteria []string `yaml:"criteria" json:"criteria"`
}

// RoleCount requires count distinct approvers holding role.
type RoleCount struct {
	Role  string `yaml:"role" json:"role"`
	Count int    `yaml:"count" json:"count"`
}

// HasRole reports whether role appears in the required approval set.
func (p StagePolicy) HasRole(role string) bool {
	for _, rc := range p.RequiredApprovals {
		if rc.Role == role {
			return true
		}
	}
	return false
}

// PrimaryRole is the role tasks of the stage are initially assigned to.
func (p StagePolicy) PrimaryRole() string {
	if len(p.RequiredApprovals) > 0 {
		return p.RequiredApprovals[0].Role
	}
	return p.EscalationRole
}

// StagePolicy looks up the policy for (standard, stage).
func (c *Config) StagePolicy(standard, stage string) (StagePolicy, bool) {
	std, ok := c.Standards[standard]
	if !ok {
		return StagePolicy{}, false
	}
	p, ok := std.Policies[stage]
	return p, ok
}

// PriorityFactor scales an SLA deadline by declared priority; higher
// priority means a shorter deadline. Unknown priorities get factor 1.
func (c *Config) PriorityFactor(priority int) float64 {
	if f, ok := c.PriorityFactors[priority]; ok && f > 0 {
		return f
	}
	return 1.0
}

// Validate ensures the config is internally consistent: weights sum to 1,
// every stage in a sequence has a policy, and every criterion a policy
// references carries a weight.
func (c *Config) Validate() error {
	if len(c.Criteria.Weights) == 0 {
		return fmt.Errorf("criteria.weights is required")
	}
	var sum float64
	for id, w := range c.Criteria.Weights {
		if id == "" {
			return fmt.Errorf("criteria.weights contains empty criterion id")
		}
		if w < 0 || w > 1 {
			return fmt.Errorf("weight for %s out of [0,1]: %v", id, w)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 0.001 {
		return fmt.Errorf("criteria.weights must sum to 1, got %.4f", sum)
	}
	if len(c.Standards) == 0 {
		return fmt.Errorf("standards is required")
	}
	for name, std := range c.Standards {
		if len(std.Stages) == 0 {
			return fmt.Errorf("standard %s has no stages", name)
		}
		seen := map[string]bool{}
		for _, stage := range std.Stages {
			if stage == "" {
				return fmt.Errorf("standard %s has empty stage name", name)
			}
			if seen[stage] {
				return fmt.Errorf("standard %s repeats stage %s", name, stage)
			}
			seen[stage] = true
			pol, ok := std.Policies[stage]
			if !ok {
				return fmt.Errorf("standard %s stage %s has no policy", name, stage)
			}
			if err := validateStagePolicy(name, stage, pol, c.Criteria.Weights); err != nil {
				return err
			}
		}
		if std.RequiredScore < 0 || std.RequiredScore > 1 {
			return fmt.Errorf("standard %s required_score out of [0,1]", name)
		}
	}
	for prio, f := range c.PriorityFactors {
		if prio < 1 || prio > 5 {
			return fmt.Errorf("priority_factors key %d out of 1..5", prio)
		}
		if f <= 0 {
			return fmt.Errorf("priority factor for %d must be positive", prio)
		}
	}
	return nil
}

func validateStagePolicy(standard, stage string, pol StagePolicy, weights map[string]float64) error {
	if len(pol.Tasks) == 0 {
		return fmt.Errorf("standard %s stage %s defines no tasks", standard, stage)
	}
	names := map[string]bool{}
	for _, tpl := range pol.Tasks {
		if tpl.Name == "" {
			return fmt.Errorf("standard %s stage %s has a task without a name", standard, stage)
		}
		if names[tpl.Name] {
			return fmt.Errorf("standard %s stage %s repeats task name %s", standard, stage, tpl.Name)
		}
		names[tpl.Name] = true
		for _, crit := range tpl.Criteria {
			if _, ok := weights[crit]; !ok {
				return fmt.Errorf("standard %s stage %s task %s references unweighted criterion %s", standard, stage, tpl.Name, crit)
			}
		}
	}
	for crit := range pol.AutoApprovalThresholds {
		if _, ok := weights[crit]; !ok {
			return fmt.Errorf("standard %s stage %s threshold references unweighted criterion %s", standard, stage, crit)
		}
	}
	if len(pol.RequiredApprovals) == 0 {
		return fmt.Errorf("standard %s stage %s requires at least one approval role", standard, stage)
	}
	for _, rc := range pol.RequiredApprovals {
		if rc.Role == "" {
			return fmt.Errorf("standard %s stage %s has empty approval role", standard, stage)
		}
		if rc.Count < 1 {
			return fmt.Errorf("standard %s stage %s role %s needs count >= 1", standard, stage, rc.Role)
		}
	}
	if pol.SLA <= 0 {
		return fmt.Errorf("standard %s stage %s sla must be positive", standard, stage)
	}
	if pol.EscalationRole == "" {
		return fmt.Errorf("standard %s stage %s escalation_role is required", standard, stage)
	}
	if pol.EscalationExtension <= 0 {
		return fmt.Errorf("standard %s stage %s escalation_extension must be positive", standard, stage)
	}
	return nil
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in standards configuration.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns the default config YAML for export.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `criteria:
  weights:
    location_accuracy: 0.20
    carbon_calculation_validity: 0.20
    survival_rate_threshold: 0.20
    documentation_completeness: 0.15
    species_suitability: 0.15
    field_data_consistency: 0.10

evaluation:
  criterion_timeout: 10s

priority_factors:
  1: 1.5
  2: 1.25
  3: 1.0
  4: 0.75
  5: 0.5

standards:
  verra_vcs:
    stages: [document_review, field_data_validation, satellite_verification, expert_review]
    min_project_duration: 8760h
    duration_bonus: 0.05
    required_score: 0.70
    low_score_penalty: 0.10
    policies:
      document_review:
        tasks:
          - name: document_review
            criteria: [documentation_completeness]
        required_approvals:
          - {role: registry_analyst, count: 1}
        auto_approval_thresholds:
          documentation_completeness: 0.90
        sla: 72h
        escalation_role: senior_registry_analyst
        escalation_extension: 24h
      field_data_validation:
        tasks:
          - name: field_data_validation
            criteria: [survival_rate_threshold, field_data_consistency, species_suitability]
        required_approvals:
          - {role: field_auditor, count: 1}
        auto_approval_thresholds:
          survival_rate_threshold: 0.80
          field_data_consistency: 0.85
        sla: 120h
        escalation_role: lead_auditor
        escalation_extension: 48h
      satellite_verification:
        tasks:
          - name: imagery_correlation
            criteria: [location_accuracy]
          - name: biomass_estimate
            criteria: [carbon_calculation_validity]
        required_approvals:
          - {role: remote_sensing_analyst, count: 1}
        auto_approval_thresholds:
          location_accuracy: 0.90
          carbon_calculation_validity: 0.85
        sla: 96h
        escalation_role: senior_remote_sensing_analyst
        escalation_extension: 48h
      expert_review:
        tasks:
          - name: expert_review
            criteria: []
        required_approvals:
          - {role: verification_expert, count: 2}
        auto_approval_thresholds: {}
        sla: 168h
        escalation_role: technical_committee
        escalation_extension: 72h

  gold_standard:
    stages: [document_review, field_data_validation, expert_review]
    min_project_duration: 4380h
    duration_bonus: 0.03
    required_score: 0.75
    low_score_penalty: 0.10
    policies:
      document_review:
        tasks:
          - name: document_review
            criteria: [documentation_completeness]
        required_approvals:
          - {role: registry_analyst, count: 1}
        auto_approval_thresholds:
          documentation_completeness: 0.95
        sla: 72h
        escalation_role: senior_registry_analyst
        escalation_extension: 24h
      field_data_validation:
        tasks:
          - name: field_data_validation
            criteria: [survival_rate_threshold, field_data_consistency, species_suitability]
        required_approvals:
          - {role: field_auditor, count: 2}
        auto_approval_thresholds:
          survival_rate_threshold: 0.85
        sla: 120h
        escalation_role: lead_auditor
        escalation_extension: 48h
      expert_review:
        tasks:
          - name: expert_review
            criteria: []
        required_approvals:
          - {role: verification_expert, count: 2}
        auto_approval_thresholds: {}
        sla: 168h
        escalation_role: technical_committee
        escalation_extension: 72h

  community_forest:
    stages: [basic_review]
    min_project_duration: 2190h
    duration_bonus: 0.02
    required_score: 0.60
    low_score_penalty: 0.05
    policies:
      basic_review:
        tasks:
          - name: basic_review
            criteria: [documentation_completeness, location_accuracy]
        required_approvals:
          - {role: registry_analyst, count: 1}
        auto_approval_thresholds:
          documentation_completeness: 0.75
          location_accuracy: 0.75
        sla: 96h
        escalation_role: senior_registry_analyst
        escalation_extension: 48h
`
