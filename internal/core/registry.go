package core

import (
	"sort"
	"sync"
)

// Summary is the registry view of one account.
type Summary struct {
	ID            string       `json:"id"`
	Status        HealthStatus `json:"status"`
	HealthMessage string       `json:"health_message,omitempty"`
}

// Registry provides account discovery to the HTTP and gRPC surfaces.
type Registry[A Account] struct {
	mu       sync.RWMutex
	accounts map[string]A
	order    []string
}

func NewRegistry[A Account](accounts []A) *Registry[A] {
	r := &Registry[A]{accounts: make(map[string]A, len(accounts))}
	for _, a := range accounts {
		r.accounts[a.ID()] = a
		r.order = append(r.order, a.ID())
	}
	sort.Strings(r.order)
	return r
}

func (r *Registry[A]) Get(id string) (A, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	return a, ok
}

// All returns the accounts ordered by id.
func (r *Registry[A]) All() []A {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]A, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.accounts[id])
	}
	return out
}

func (r *Registry[A]) List() []Summary {
	accounts := r.All()
	out := make([]Summary, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, Summary{
			ID:            a.ID(),
			Status:        a.Health(),
			HealthMessage: a.HealthMessage(),
		})
	}
	return out
}

// Health reports the worst status across all accounts.
func (r *Registry[A]) Health() HealthStatus {
	status := HealthHealthy
	for _, a := range r.All() {
		switch a.Health() {
		case HealthError:
			return HealthError
		case HealthDegraded:
			status = HealthDegraded
		}
	}
	return status
}
