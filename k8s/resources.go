// Package k8s provides Kubernetes resource identifiers for the sandbox CRDs.
package k8s

import "k8s.io/apimachinery/pkg/runtime/schema"

// GetSandboxClaimResource returns the GroupVersionResource for SandboxClaim.
func GetSandboxClaimResource() schema.GroupVersionResource {
	return schema.GroupVersionResource{
		Group:    "extensions.agents.x-k8s.io",
		Version:  "v1alpha1",
		Resource: "sandboxclaims",
	}
}

// GetSandboxResource returns the GroupVersionResource for Sandbox.
func GetSandboxResource() schema.GroupVersionResource {
	return schema.GroupVersionResource{
		Group:    "agents.x-k8s.io",
		Version:  "v1alpha1",
		Resource: "sandboxes",
	}
}
