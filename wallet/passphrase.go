package wallet

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// PassphraseSource resolves the keystore passphrase once and caches it. It
// looks, in order, at the env var itself, at a file named by <env>_FILE, and
// finally prompts on the controlling terminal.
type PassphraseSource struct {
	envVar string
	prompt io.Writer

	once  sync.Once
	value string
	err   error
}

// NewPassphraseSource builds a source keyed on envVar.
func NewPassphraseSource(envVar string) *PassphraseSource {
	return &PassphraseSource{envVar: strings.TrimSpace(envVar), prompt: os.Stderr}
}

// Get returns the cached passphrase or resolves it on first use.
func (s *PassphraseSource) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *PassphraseSource) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			return checkPassphrase(value, s.envVar+" is set but empty")
		}
		if path := strings.TrimSpace(os.Getenv(s.envVar + "_FILE")); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("read %s_FILE: %w", s.envVar, err)
			}
			return checkPassphrase(strings.TrimRight(string(data), "\r\n"), path+" holds an empty passphrase")
		}
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		if s.envVar == "" {
			return "", errors.New("scrumvote keystore is locked and no terminal is available")
		}
		return "", fmt.Errorf("scrumvote keystore is locked; set %s or %s_FILE", s.envVar, s.envVar)
	}
	fmt.Fprint(s.prompt, "Unlock scrumvote keystore: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(s.prompt)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return checkPassphrase(string(raw), "keystore passphrase cannot be empty")
}

func checkPassphrase(value, emptyMsg string) (string, error) {
	if strings.TrimSpace(value) == "" {
		return "", errors.New(emptyMsg)
	}
	return value, nil
}
