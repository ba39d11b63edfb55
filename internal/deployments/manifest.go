package deployments

import (
	"fmt"
	"os"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/cswartzvi/prefect/internal/core"
	"github.com/cswartzvi/prefect/internal/storage"
)

// Manifest is the on-disk deployment definition file loaded by
// `prefect deploy -f`.
type Manifest struct {
	Deployments []ManifestEntry `yaml:"deployments"`
}

// ManifestEntry is one deployment definition in a manifest.
type ManifestEntry struct {
	Name        string            `yaml:"name"`
	FlowName    string            `yaml:"flow_name"`
	Entrypoint  string            `yaml:"entrypoint"`
	Version     string            `yaml:"version,omitempty"`
	Description string            `yaml:"description,omitempty"`
	Tags        []string          `yaml:"tags,omitempty"`
	Parameters  map[string]any    `yaml:"parameters,omitempty"`
	WorkQueue   string            `yaml:"work_queue,omitempty"`
	Paused      bool              `yaml:"paused,omitempty"`
	Schedule    *ManifestSchedule `yaml:"schedule,omitempty"`
	Storage     *ManifestStorage  `yaml:"storage,omitempty"`
	Path        string            `yaml:"path,omitempty"`
}

// ManifestSchedule carries one schedule form; mutual exclusion is
// enforced when the definition is validated.
type ManifestSchedule struct {
	Interval time.Duration `yaml:"interval,omitempty"`
	Cron     string        `yaml:"cron,omitempty"`
	RRule    string        `yaml:"rrule,omitempty"`
	Timezone string        `yaml:"timezone,omitempty"`
}

// ManifestStorage describes where a deployment's code is pulled from.
type ManifestStorage struct {
	Source       string        `yaml:"source"`
	Destination  string        `yaml:"destination"`
	PullInterval time.Duration `yaml:"pull_interval,omitempty"`
}

// LoadManifest reads a manifest file and builds the definitions it holds.
func LoadManifest(path string) ([]*RunnerDeployment, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the CLI flag
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, core.ErrValidation(core.CodeInvalidConfig,
			"parsing manifest "+path).WithCause(err)
	}
	if len(m.Deployments) == 0 {
		return nil, core.ErrValidation(core.CodeInvalidConfig,
			"manifest "+path+" defines no deployments")
	}

	deps := make([]*RunnerDeployment, 0, len(m.Deployments))
	for i := range m.Deployments {
		deps = append(deps, m.Deployments[i].definition())
	}
	return deps, nil
}

// definition converts a manifest entry into a deployment definition.
func (e *ManifestEntry) definition() *RunnerDeployment {
	d := FromEntrypoint(e.FlowName, e.Name, e.Entrypoint)
	d.Version = e.Version
	d.Description = e.Description
	d.Tags = e.Tags
	d.Parameters = e.Parameters
	d.WorkQueueName = e.WorkQueue
	d.Paused = e.Paused
	d.Path = e.Path

	if e.Schedule != nil {
		d.Interval = e.Schedule.Interval
		d.Cron = e.Schedule.Cron
		d.RRule = e.Schedule.RRule
		d.Timezone = e.Schedule.Timezone
	}
	if e.Storage != nil && e.Storage.Source != "" {
		st := storage.NewRemoteStorage(e.Storage.Source, e.Storage.Destination, e.Storage.PullInterval)
		d.Storage = st
		d.Path = st.Destination()
	}
	return d
}

// scaffoldManifest is written by `prefect init` as a starting point.
const scaffoldManifest = `# Prefect deployment manifest
# Apply with: prefect deploy -f prefect.deploy.yaml
deployments:
  - name: nightly
    flow_name: my-flow
    entrypoint: flows/my_flow.py:main
    schedule:
      cron: "0 2 * * *"
    tags: [example]
    # storage:
    #   source: file:///srv/flows/my-flow
    #   destination: /opt/prefect/code/my-flow
    #   pull_interval: 60s
`

// WriteScaffold atomically writes a starter manifest at path.
func WriteScaffold(path string) error {
	return renameio.WriteFile(path, []byte(scaffoldManifest), 0o644)
}
