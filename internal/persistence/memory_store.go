package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/meridianpay/saga/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of DefinitionStore and
// InstanceStore backed by maps. It is non-durable and intended for tests
// and local development.
type InMemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]map[string]api.WorkflowDefinition
	templates   map[string]api.WorkflowTemplate
	instances   map[string]*api.WorkflowInstance
	leases      map[string]memLease
}

type memLease struct {
	owner     string
	expiresAt time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		definitions: make(map[string]map[string]api.WorkflowDefinition),
		templates:   make(map[string]api.WorkflowTemplate),
		instances:   make(map[string]*api.WorkflowInstance),
		leases:      make(map[string]memLease),
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ DefinitionStore = (*InMemoryStore)(nil)

var _ InstanceStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveDefinition(def api.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.definitions[def.Name]
	if versions == nil {
		versions = make(map[string]api.WorkflowDefinition)
		s.definitions[def.Name] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return api.ErrDefinitionConflict
	}
	versions[def.Version] = def
	return nil
}

func (s *InMemoryStore) GetDefinition(name, version string) (api.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.definitions[name][version]
	if !ok {
		return api.WorkflowDefinition{}, ErrDefinitionNotFound
	}
	return def, nil
}

func (s *InMemoryStore) ListDefinitionVersions(name string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.definitions[name]
	out := make([]string, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	return out, nil
}

func (s *InMemoryStore) SaveTemplate(tpl api.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.templates[tpl.ID]; exists {
		return api.ErrDefinitionConflict
	}
	s.templates[tpl.ID] = tpl
	return nil
}

func (s *InMemoryStore) GetTemplate(id string) (api.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tpl, ok := s.templates[id]
	if !ok {
		return api.WorkflowTemplate{}, ErrTemplateNotFound
	}
	return tpl, nil
}

func (s *InMemoryStore) SaveInstance(inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (s *InMemoryStore) UpdateInstance(inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.instances[inst.ID]
	if !ok {
		return ErrInstanceNotFound
	}
	clone := cloneInstance(inst)
	// The marker may have been set concurrently via RequestCancel; an
	// engine-side update must not clear it.
	clone.CancelRequested = clone.CancelRequested || stored.CancelRequested
	s.instances[inst.ID] = clone
	return nil
}

func (s *InMemoryStore) GetInstance(id string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return cloneInstance(inst), nil
}

func (s *InMemoryStore) ListInstances(filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.WorkflowInstance
	for _, inst := range s.instances {
		if filter.DefinitionName != "" && inst.DefinitionName != filter.DefinitionName {
			continue
		}
		if filter.TenantID != "" && inst.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		result = append(result, cloneInstance(inst))
	}
	return result, nil
}

func (s *InMemoryStore) RequestCancel(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	inst.CancelRequested = true
	inst.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cur, ok := s.leases[instanceID]
	if ok && cur.owner != owner && cur.expiresAt.After(now) {
		return false, nil
	}
	s.leases[instanceID] = memLease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cur, ok := s.leases[instanceID]
	if !ok || cur.owner != owner || !cur.expiresAt.After(now) {
		return api.ErrConcurrentExecution
	}
	s.leases[instanceID] = memLease{owner: owner, expiresAt: now.Add(ttl)}
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[instanceID]
	if !ok {
		return nil
	}
	if cur.owner != owner && cur.expiresAt.After(time.Now()) {
		return api.ErrConcurrentExecution
	}
	delete(s.leases, instanceID)
	return nil
}

func cloneInstance(inst *api.WorkflowInstance) *api.WorkflowInstance {
	out := *inst
	out.Steps = make([]api.SagaStep, len(inst.Steps))
	copy(out.Steps, inst.Steps)
	if inst.Context != nil {
		out.Context = make(map[string]any, len(inst.Context))
		for k, v := range inst.Context {
			out.Context[k] = v
		}
	}
	if inst.CompletedAt != nil {
		t := *inst.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
