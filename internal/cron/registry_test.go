package cron

import (
	"context"
	"strings"
	"testing"
)

type namedJob struct {
	name string
}

func (s *namedJob) Name() string              { return s.name }
func (s *namedJob) Run(context.Context) error { return nil }

func mustRegistry(t *testing.T, jobs ...Job) *Registry {
	t.Helper()
	registry, err := NewRegistry(jobs...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return registry
}

func TestRegistryKeepsRunOrder(t *testing.T) {
	stale := &namedJob{name: "stale-uploaded-requeue"}
	audit := &namedJob{name: "orphan-audit"}
	registry := mustRegistry(t, stale, nil)
	if err := registry.Register(audit); err != nil {
		t.Fatalf("Register: %v", err)
	}

	jobs := registry.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0] != stale || jobs[1] != audit {
		t.Fatalf("jobs returned out of order")
	}
	jobs[0] = nil
	if registry.Jobs()[0] == nil {
		t.Fatalf("internal slice leaked")
	}
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	_, err := NewRegistry(&namedJob{name: "stale-uploaded-requeue"}, &namedJob{name: "stale-uploaded-requeue"})
	if err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Fatalf("expected duplicate name error, got %v", err)
	}
}

func TestRegistryRejectsBlankNames(t *testing.T) {
	registry := &Registry{}
	if err := registry.Register(&namedJob{name: "  "}); err == nil {
		t.Fatal("expected blank name error")
	}
	if err := registry.Register(nil); err == nil {
		t.Fatal("expected nil job error")
	}
	if len(registry.Jobs()) != 0 {
		t.Fatalf("rejected jobs must not be stored")
	}
}
