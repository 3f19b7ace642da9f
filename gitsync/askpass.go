package gitsync

import (
	"fmt"
	"os"
	"path/filepath"
)

// usernameEnv and passwordEnv carry the credentials to the askpass helper
// so they never show up in URLs, argv, or the repository config.
const (
	usernameEnv = "AMICABLE_GIT_USERNAME"
	passwordEnv = "AMICABLE_GIT_PASSWORD"
)

// writeAskpass creates a throwaway GIT_ASKPASS helper that answers
// username prompts with the configured username and everything else with
// the token from the environment. The caller must invoke cleanup when
// done.
func writeAskpass() (script string, cleanup func(), err error) {
	dir, err := os.MkdirTemp("", "amicable-askpass-")
	if err != nil {
		return "", nil, fmt.Errorf("create askpass dir: %w", err)
	}
	script = filepath.Join(dir, "askpass.sh")
	content := "#!/bin/sh\ncase \"$1\" in\n" +
		"Username*) printf '%s' \"$" + usernameEnv + "\" ;;\n" +
		"*) printf '%s' \"$" + passwordEnv + "\" ;;\n" +
		"esac\n"
	if err := os.WriteFile(script, []byte(content), 0o700); err != nil {
		os.RemoveAll(dir)
		return "", nil, fmt.Errorf("write askpass script: %w", err)
	}
	return script, func() { os.RemoveAll(dir) }, nil
}
