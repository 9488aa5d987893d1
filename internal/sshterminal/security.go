package sshterminal

import "fmt"

// DefaultShell is started when neither the profile nor the driver names one.
const DefaultShell = "/bin/bash"

// AllowedShells is the set of shells permitted for interactive sessions.
var AllowedShells = map[string]bool{
	"/bin/bash": true,
	"/bin/sh":   true,
	"/bin/zsh":  true,
}

const (
	// MaxInputMessageSize is the maximum size in bytes for a single terminal
	// input frame.
	MaxInputMessageSize = 64 * 1024

	MaxTermCols uint16 = 500
	MaxTermRows uint16 = 200

	DefaultCols uint16 = 80
	DefaultRows uint16 = 24
)

// ValidateShell checks the shell against AllowedShells. An empty shell is
// accepted and becomes DefaultShell. "su" and "su - <user>" are allowed as
// long as they carry no shell metacharacters.
func ValidateShell(shell string) error {
	if shell == "" {
		return nil
	}
	if AllowedShells[shell] {
		return nil
	}

	if len(shell) >= 2 && shell[:2] == "su" {
		if len(shell) == 2 || shell[2] == ' ' || shell[2] == '\t' {
			for _, c := range shell {
				switch c {
				case ';', '&', '|', '$', '`', '(', ')', '{', '}', '<', '>', '\n', '\\', '"', '\'', '!', 0:
					return fmt.Errorf("shell command %q contains forbidden character %q", shell, string(c))
				}
			}
			return nil
		}
	}

	return fmt.Errorf("shell %q is not in the allowed list", shell)
}

// ClampSize bounds terminal dimensions to [1, Max]. Zero falls back to the
// default size.
func ClampSize(cols, rows uint16) (uint16, uint16) {
	if cols == 0 {
		cols = DefaultCols
	}
	if rows == 0 {
		rows = DefaultRows
	}
	return min(cols, MaxTermCols), min(rows, MaxTermRows)
}
