// Package services hosts small bus clients that run inside a node: the ping
// echo and the timer group broadcaster.
package services

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	ErrServiceNotFound = errors.New("services: service not found")
	ErrActionNotFound  = errors.New("services: action not found")
)

// Service is a bus client hosted by a node.
type Service interface {
	Name() string
	Status() (any, error)
	Actions() map[string]Action
	// Run attaches the service to its registry and blocks until ctx ends.
	Run(ctx context.Context) error
}

// Action executes a service command.
type Action func() (string, error)

// ServiceRegistry stores services by name.
type ServiceRegistry struct {
	repo map[string]Service
	mu   sync.RWMutex
}

func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{repo: make(map[string]Service)}
}

// Register adds a service to the registry by name.
func (sr *ServiceRegistry) Register(p Service) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.repo[p.Name()] = p
}

// All returns the registered services sorted by name.
func (sr *ServiceRegistry) All() []Service {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	out := make([]Service, 0, len(sr.repo))
	for _, svc := range sr.repo {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (sr *ServiceRegistry) Get(name string) (Service, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	p, ok := sr.repo[name]
	return p, ok
}

// Execute runs one named action of one named service.
func (sr *ServiceRegistry) Execute(service, action string) (string, error) {
	svc, ok := sr.Get(service)
	if !ok {
		return "", ErrServiceNotFound
	}
	fn, ok := svc.Actions()[action]
	if !ok {
		return "", ErrActionNotFound
	}
	return fn()
}

// Info is the admin listing entry of one service.
type Info struct {
	Name    string   `json:"name"`
	Actions []string `json:"actions"`
	Status  any      `json:"status,omitempty"`
	Error   string   `json:"error,omitempty"`
}

func (sr *ServiceRegistry) List() []Info {
	all := sr.All()
	list := make([]Info, 0, len(all))
	for _, svc := range all {
		actions := make([]string, 0, len(svc.Actions()))
		for action := range svc.Actions() {
			actions = append(actions, action)
		}
		sort.Strings(actions)
		info := Info{Name: svc.Name(), Actions: actions}
		if status, err := svc.Status(); err != nil {
			info.Error = err.Error()
		} else {
			info.Status = status
		}
		list = append(list, info)
	}
	return list
}
