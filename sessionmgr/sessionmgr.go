// Package sessionmgr owns the sandbox lifecycle for sessions: claim
// creation, readiness, backend probing, and teardown. All Kubernetes
// access goes through the dynamic client against the sandbox CRDs.
package sessionmgr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"amicable-orchestrator/config"
	"amicable-orchestrator/journal"
	"amicable-orchestrator/k8s"
	"amicable-orchestrator/policy"
	"amicable-orchestrator/sandbox"
	"amicable-orchestrator/types"

	"golang.org/x/sync/singleflight"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	v1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/dynamic"
)

// probeAttempts is how many times the runtime is probed with a trivial
// command before the backend is declared unreachable.
const probeAttempts = 5

// probeDelay is the wait before the first retry; it doubles per attempt.
// A var so tests can shorten it.
var probeDelay = 2 * time.Second

// readyPollInterval paces the claim status polling fallback.
const readyPollInterval = 2 * time.Second

// Manager coordinates sandbox claims and backends per session.
type Manager struct {
	dyn     dynamic.Interface
	cfg     *config.Config
	journal *journal.Journal

	ensure singleflight.Group

	mu       sync.Mutex
	backends map[string]sandbox.Backend
	running  map[string]bool

	// baseURLFor is swapped in tests to point at a local fake runtime.
	baseURLFor func(claimName string) string
}

// New creates a Manager over the given dynamic client.
func New(dyn dynamic.Interface, cfg *config.Config, jrnl *journal.Journal) *Manager {
	m := &Manager{
		dyn:      dyn,
		cfg:      cfg,
		journal:  jrnl,
		backends: map[string]sandbox.Backend{},
		running:  map[string]bool{},
	}
	m.baseURLFor = func(claimName string) string {
		return fmt.Sprintf("http://%s.%s.svc.cluster.local:%d",
			claimName, cfg.SandboxNamespace, cfg.SandboxRuntimePort)
	}
	return m
}

// ClaimName derives the deterministic DNS-1123 claim name for a session.
// The session id itself may be any opaque string, so only its hash goes
// into the resource name.
func (m *Manager) ClaimName(sessionID string) string {
	return ClaimName(m.cfg.SandboxClaimPrefix, sessionID)
}

// ClaimName derives prefix-<sha256(sessionID)[:12]>.
func ClaimName(prefix, sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	digest := hex.EncodeToString(sum[:])[:12]
	prefix = strings.Trim(strings.ToLower(prefix), "-")
	if prefix == "" {
		prefix = "sandbox"
	}
	return prefix + "-" + digest
}

// EnsureOptions carries the optional per-session provisioning inputs.
type EnsureOptions struct {
	// TemplateID overrides the configured sandbox template.
	TemplateID string
	// Slug is the preferred preview host label; the claim name is the
	// fallback.
	Slug string
}

// EnsureSession creates the sandbox claim if needed and waits until it
// reports Ready. Concurrent calls for the same session share one flight.
func (m *Manager) EnsureSession(ctx context.Context, sessionID string, opts EnsureOptions) (*types.SessionEnv, error) {
	v, err, _ := m.ensure.Do(sessionID, func() (interface{}, error) {
		return m.ensureSession(ctx, sessionID, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.SessionEnv), nil
}

func (m *Manager) ensureSession(ctx context.Context, sessionID string, opts EnsureOptions) (*types.SessionEnv, error) {
	claimName := m.ClaimName(sessionID)
	existed := true

	template := m.cfg.SandboxTemplateName
	if opts.TemplateID != "" {
		template = opts.TemplateID
	}

	claim := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "extensions.agents.x-k8s.io/v1alpha1",
		"kind":       "SandboxClaim",
		"metadata": map[string]interface{}{
			"name":      claimName,
			"namespace": m.cfg.SandboxNamespace,
			"labels": map[string]interface{}{
				"app.kubernetes.io/managed-by": "amicable-orchestrator",
				"amicable.dev/session-hash":    strings.TrimPrefix(claimName, m.cfg.SandboxClaimPrefix+"-"),
			},
		},
		"spec": map[string]interface{}{
			"sandboxTemplateRef": map[string]interface{}{
				"name": template,
			},
		},
	}}

	gvr := k8s.GetSandboxClaimResource()
	_, err := m.dyn.Resource(gvr).Namespace(m.cfg.SandboxNamespace).Create(ctx, claim, v1.CreateOptions{})
	if err != nil {
		if !k8serrors.IsAlreadyExists(err) {
			return nil, fmt.Errorf("create sandbox claim %s: %w", claimName, err)
		}
	} else {
		existed = false
		log.Printf("ensureSession: created sandbox claim %s for session %s", claimName, sessionID)
	}

	if err := m.waitReady(ctx, claimName); err != nil {
		return nil, err
	}

	previewHost := claimName
	if opts.Slug != "" {
		previewHost = opts.Slug
	}
	return &types.SessionEnv{
		SandboxID:      claimName,
		Exists:         existed,
		RuntimeBaseURL: m.baseURLFor(claimName),
		PreviewURL: fmt.Sprintf("%s://%s.%s",
			m.cfg.PreviewScheme, previewHost, m.cfg.PreviewBaseDomain),
	}, nil
}

// waitReady blocks until the Sandbox bound to the claim reports condition
// Ready=True, using a watch with a polling fallback, bounded by the
// configured timeout. The Sandbox carries the claim's name.
func (m *Manager) waitReady(ctx context.Context, claimName string) error {
	deadline := time.Now().Add(m.cfg.SandboxReadyTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	gvr := k8s.GetSandboxResource()
	ns := m.dyn.Resource(gvr).Namespace(m.cfg.SandboxNamespace)

	watcher, err := ns.Watch(ctx, v1.ListOptions{
		FieldSelector: "metadata.name=" + claimName,
	})
	if err != nil {
		log.Printf("waitReady: watch unavailable for %s, polling: %v", claimName, err)
		return m.pollReady(ctx, claimName)
	}
	defer watcher.Stop()

	// The sandbox may already be ready before the watch delivers anything.
	if obj, err := ns.Get(ctx, claimName, v1.GetOptions{}); err == nil && sandboxReady(obj) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("sandbox_not_ready: claim %s not ready within %s", claimName, m.cfg.SandboxReadyTimeout)
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return m.pollReady(ctx, claimName)
			}
			obj, isObj := event.Object.(*unstructured.Unstructured)
			if isObj && obj.GetName() == claimName && sandboxReady(obj) {
				return nil
			}
		}
	}
}

func (m *Manager) pollReady(ctx context.Context, claimName string) error {
	gvr := k8s.GetSandboxResource()
	ns := m.dyn.Resource(gvr).Namespace(m.cfg.SandboxNamespace)
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		obj, err := ns.Get(ctx, claimName, v1.GetOptions{})
		if err == nil && sandboxReady(obj) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("sandbox_not_ready: claim %s not ready within %s", claimName, m.cfg.SandboxReadyTimeout)
		case <-ticker.C:
		}
	}
}

// sandboxReady checks status.conditions for Ready=True.
func sandboxReady(obj *unstructured.Unstructured) bool {
	conditions, found, _ := unstructured.NestedSlice(obj.Object, "status", "conditions")
	if !found {
		return false
	}
	for _, c := range conditions {
		cond, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		if cond["type"] == "Ready" && cond["status"] == "True" {
			return true
		}
	}
	return false
}

// GetBackend returns the policy-wrapped sandbox backend for the session,
// probing the runtime first. The probe fails closed: no tool traffic is
// sent to a runtime that cannot answer a trivial command.
func (m *Manager) GetBackend(ctx context.Context, sessionID string) (sandbox.Backend, error) {
	claimName := m.ClaimName(sessionID)

	m.mu.Lock()
	if b, ok := m.backends[claimName]; ok {
		m.mu.Unlock()
		return b, nil
	}
	m.mu.Unlock()

	client := sandbox.NewClient(claimName, m.baseURLFor(claimName),
		m.cfg.ExecTimeout+30*time.Second, m.cfg.ExecTimeout)

	var lastErr error
	var waited time.Duration
	wait := probeDelay
	for attempt := 0; attempt < probeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			waited += wait
			wait *= 2
		}
		res, err := client.Execute(ctx, "true")
		if err == nil && res.ExitCode == 0 {
			lastErr = nil
			break
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("probe exited %d", res.ExitCode)
		}
		log.Printf("GetBackend: probe %d/%d failed for %s: %v", attempt+1, probeAttempts, claimName, lastErr)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("sandbox backend unreachable for %s (timeout_s=%d): %w",
			claimName, int(waited.Seconds()), lastErr)
	}

	wrapped := policy.NewWrapper(client, policy.DefaultRules(),
		func(operation, target string, metadata map[string]interface{}) {
			m.journal.Record(sessionID, operation, target, metadata)
		})

	m.mu.Lock()
	m.backends[claimName] = wrapped
	m.mu.Unlock()
	return wrapped, nil
}

// DeleteSession removes the sandbox claim with foreground propagation.
// A missing claim counts as success.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	claimName := m.ClaimName(sessionID)
	propagation := v1.DeletePropagationForeground
	err := m.dyn.Resource(k8s.GetSandboxClaimResource()).
		Namespace(m.cfg.SandboxNamespace).
		Delete(ctx, claimName, v1.DeleteOptions{PropagationPolicy: &propagation})
	if err != nil && !k8serrors.IsNotFound(err) {
		return fmt.Errorf("delete sandbox claim %s: %w", claimName, err)
	}

	m.mu.Lock()
	delete(m.backends, claimName)
	m.mu.Unlock()
	m.journal.Clear(sessionID)
	return nil
}

// TryLockRun acquires the session's single-run slot. It returns false if
// a run is already in flight; the release func frees the slot.
func (m *Manager) TryLockRun(sessionID string) (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running[sessionID] {
		return nil, false
	}
	m.running[sessionID] = true
	return func() {
		m.mu.Lock()
		delete(m.running, sessionID)
		m.mu.Unlock()
	}, true
}

// SetBaseURLResolver overrides runtime URL resolution; used by tests and
// local development against a port-forwarded runtime.
func (m *Manager) SetBaseURLResolver(fn func(claimName string) string) {
	m.baseURLFor = fn
}
