package sandbox

import "amicable-orchestrator/pathutil"

// toInternal maps a public path to the internal rootDir-prefixed form.
func toInternal(rootDir, public string) (string, error) {
	return pathutil.ToInternal(rootDir, public)
}

// toRelative maps a public path to the rootDir-relative form the runtime
// HTTP API expects.
func toRelative(rootDir, public string) (string, error) {
	return pathutil.ToRelative(rootDir, public)
}
