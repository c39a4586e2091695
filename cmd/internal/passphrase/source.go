// Package passphrase resolves wallet keystore passphrases for the command
// line tools.
package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves a passphrase once, from an environment variable or by
// prompting on the terminal, and caches the result.
type Source struct {
	envVar string
	label  string
	prompt func(label string) (string, error)

	once  sync.Once
	value string
	err   error
}

// NewSource returns a source checking envVar before prompting for the
// passphrase of the keystore described by label.
func NewSource(envVar, label string) *Source {
	if strings.TrimSpace(label) == "" {
		label = "wallet"
	}
	return &Source{envVar: strings.TrimSpace(envVar), label: label, prompt: promptTerminal}
}

// Get returns the passphrase. Whitespace-only values are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}
		value, err := s.prompt(s.label)
		if err != nil {
			if s.envVar != "" {
				err = fmt.Errorf("%w; set %s", err, s.envVar)
			}
			s.err = err
			return
		}
		if strings.TrimSpace(value) == "" {
			s.err = fmt.Errorf("%s keystore passphrase cannot be empty", s.label)
			return
		}
		s.value = value
	})
	return s.value, s.err
}

func promptTerminal(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New(label + " keystore passphrase required and no terminal available")
	}
	fmt.Fprintf(os.Stderr, "Enter %s keystore passphrase: ", label)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(raw), nil
}
