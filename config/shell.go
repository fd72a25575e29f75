package config

import (
	"fmt"

	"github.com/kballard/go-shellquote"
)

// splitShell 允许 $SHELL 带参数，例如 "/bin/bash -l"
func splitShell(shell string) ([]string, error) {
	argv, err := shellquote.Split(shell)
	if err != nil {
		return nil, fmt.Errorf("invalid shell %q: %w", shell, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("please specify a command")
	}
	return argv, nil
}
