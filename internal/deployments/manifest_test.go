package deployments

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefect.deploy.yaml")
	content := `deployments:
  - name: nightly
    flow_name: etl
    entrypoint: flows/etl.py:main
    schedule:
      cron: "0 2 * * *"
    tags: [prod]
  - name: adhoc
    flow_name: etl
    entrypoint: flows/etl.py:main
    storage:
      source: file:///srv/flows/etl
      destination: /opt/prefect/code/etl
      pull_interval: 60s
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	deps, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest() error: %v", err)
	}
	if len(deps) != 2 {
		t.Fatalf("got %d deployments, want 2", len(deps))
	}

	if deps[0].Cron != "0 2 * * *" || deps[0].FullName() != "etl/nightly" {
		t.Fatalf("first deployment = %+v", deps[0])
	}
	if err := deps[0].Validate(); err != nil {
		t.Fatalf("first deployment invalid: %v", err)
	}

	st := deps[1].Storage
	if st == nil {
		t.Fatal("second deployment should carry storage")
	}
	if st.Destination() != "/opt/prefect/code/etl" || st.PullInterval() != 60*time.Second {
		t.Fatalf("storage = dest %q interval %v", st.Destination(), st.PullInterval())
	}
}

func TestLoadManifestEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(path, []byte("deployments: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadManifest(path); err == nil {
		t.Fatal("an empty manifest should be rejected")
	}
}

func TestWriteScaffoldIsLoadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefect.deploy.yaml")
	if err := WriteScaffold(path); err != nil {
		t.Fatalf("WriteScaffold() error: %v", err)
	}

	deps, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("scaffold should load: %v", err)
	}
	for _, d := range deps {
		if err := d.Validate(); err != nil {
			t.Fatalf("scaffold deployment %s invalid: %v", d.FullName(), err)
		}
	}
}
