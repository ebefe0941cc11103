package config

// DefaultConfigYAML is the starter configuration written by `maestro init`.
const DefaultConfigYAML = `# Maestro configuration
# Values not specified here use sensible defaults.

# Execution mode: interactive (escalations suspend for a human) or
# autonomous (deterministic escalation policy, never blocks).
workflow:
  execution_mode: interactive
  # Phases that require approval before starting (1=planning .. 5=completion).
  approval_phases: []
  parallel_tasks:
    enabled: false
    max_width: 3

# Reviewer score thresholds (0-10).
validation:
  validation_threshold: 6.0
  verification_threshold: 7.0

# Dual-reviewer fallback when one reviewer times out or crashes.
review:
  reviewer_timeout_seconds: 300
  allow_single_agent_approval: false
  single_agent_score_penalty: 1.0
  single_agent_minimum_score: 7.0
  single_agent_preference: any # any | cursor | gemini

agents:
  default: claude
  claude:
    enabled: true
    path: claude
    model: claude-sonnet-4-20250514
    fallback_model: claude-3-5-haiku-20241022
    max_turns: 30
    timeout_seconds: 600
  cursor:
    enabled: true
    path: cursor-agent
    timeout_seconds: 300
  gemini:
    enabled: true
    path: gemini
    model: gemini-2.5-flash
    timeout_seconds: 300

# Cost limits in USD.
budget:
  max_per_workflow: 50.0
  max_per_task: 5.0
  hard_limit: 100.0
  fallback_ratio: 0.5
  warn_threshold: 0.8

# Fresh-context implementation loop.
loop:
  max_iterations: 10
  iteration_timeout: 15m
  test_command: ""
  test_timeout: 60s
  budget_per_iteration: 1.0

# Quality and security gates.
quality:
  coverage_threshold: 70.0
  coverage_blocking: false
security:
  enabled: true
  blocking_severities: [critical, high]

# Self-healing fixer subgraph.
fixer:
  enabled: true
  agent: claude
  max_consecutive_failures: 3

# Lifecycle hook scripts (.workflow/hooks/<name>).
hooks:
  enabled: true
  dir: .workflow/hooks
  timeout_seconds: 30

storage:
  path: .maestro/maestro.db
`
