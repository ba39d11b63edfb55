package runner

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cswartzvi/prefect/internal/core"
	"github.com/cswartzvi/prefect/internal/logging"
)

// registration binds a deployment to its storage backend and the recency
// of the last dispatch-driven pull.
type registration struct {
	deployment *core.Deployment
	storage    core.Storage

	mu       sync.Mutex
	pulled   bool
	lastPull time.Time
}

// DeploymentRegistry maps deployment identity to entrypoint and storage
// metadata for every deployment this runner serves. Registration and
// startup refresh always pull; dispatch-driven pulls are cached by recency
// within the backend's pull interval, so a second run arriving inside the
// window does not trigger a redundant fetch.
type DeploymentRegistry struct {
	logger *logging.Logger

	mu   sync.RWMutex
	byID map[uuid.UUID]*registration
}

// NewDeploymentRegistry creates an empty registry.
func NewDeploymentRegistry(logger *logging.Logger) *DeploymentRegistry {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &DeploymentRegistry{
		logger: logger,
		byID:   make(map[uuid.UUID]*registration),
	}
}

// Register adds a deployment and pulls its code unconditionally. The
// registration pull does not seed the dispatch recency window. storage may
// be nil for deployments whose code is always present locally.
func (r *DeploymentRegistry) Register(ctx context.Context, dep *core.Deployment, st core.Storage) error {
	if st != nil {
		if err := st.Pull(ctx); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.byID[dep.ID] = &registration{deployment: dep, storage: st}
	r.mu.Unlock()

	r.logger.Info("registered deployment",
		"deployment_id", dep.ID.String(),
		"name", dep.FullName(),
		"entrypoint", dep.Entrypoint,
	)
	return nil
}

// RefreshAll pulls code for every registered deployment. Called once at
// scheduler startup; failures propagate so the runner does not serve
// deployments it cannot stage.
func (r *DeploymentRegistry) RefreshAll(ctx context.Context) error {
	r.mu.RLock()
	regs := make([]*registration, 0, len(r.byID))
	for _, reg := range r.byID {
		regs = append(regs, reg)
	}
	r.mu.RUnlock()

	for _, reg := range regs {
		if reg.storage == nil {
			continue
		}
		if err := reg.storage.Pull(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the deployment record for an identity.
func (r *DeploymentRegistry) Get(id uuid.UUID) (*core.Deployment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return reg.deployment, true
}

// IDs returns the identities of all registered deployments.
func (r *DeploymentRegistry) IDs() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of registered deployments.
func (r *DeploymentRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// EnsureCode stages a deployment's code for dispatch and returns the
// working directory the run should execute in, plus whether a pull was
// actually issued. A pull happens only when the recency window has lapsed:
// a zero-or-negative interval pulls exactly once per process lifetime, a
// positive interval pulls at most once per window. Concurrent callers
// serialize on the registration, so a pull the periodic policy just
// satisfied is never repeated for a back-to-back run.
func (r *DeploymentRegistry) EnsureCode(ctx context.Context, id uuid.UUID) (string, bool, error) {
	r.mu.RLock()
	reg, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return "", false, core.ErrNotFound("deployment", id.String())
	}

	if reg.storage == nil {
		return reg.deployment.Path, false, nil
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	interval := reg.storage.PullInterval()
	if reg.pulled && (interval <= 0 || time.Since(reg.lastPull) < interval) {
		return reg.storage.Destination(), false, nil
	}

	if err := reg.storage.Pull(ctx); err != nil {
		return "", false, err
	}
	reg.pulled = true
	reg.lastPull = time.Now()

	r.logger.Debug("pulled deployment code",
		"deployment_id", id.String(),
		"destination", reg.storage.Destination(),
	)
	return reg.storage.Destination(), true, nil
}
