package config

// DefaultConfigYAML is written by `prefect init` as a starting point.
const DefaultConfigYAML = `# Prefect runner agent configuration
#
# Values not specified here use sensible defaults. Every key can also be
# set through the environment with the PREFECT_ prefix, dots replaced by
# underscores (e.g. PREFECT_RUNNER_PROCESS_LIMIT=4).

log:
  level: info     # debug, info, warn, error
  format: auto    # auto, text, json

api:
  url: http://127.0.0.1:4200/api
  # key: ""
  timeout: 30s

runner:
  name: runner
  # Maximum concurrent flow run processes. -1 means unlimited, 0 rejects
  # all work.
  process_limit: -1
  poll_interval: 10s
  cancellation_interval: 5s
  grace_period: 30s
  journal_path: .prefect/runs.db

server:
  host: 127.0.0.1
  port: 8787
  # health_threshold: 5m

preflight:
  enabled: true
  min_free_memory_mb: 256
  max_load_per_cpu: 4.0
`
