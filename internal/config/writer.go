package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// Write saves cfg as YAML readable only by the owner, since it may hold
// the archive password.
func Write(afs afero.Fs, path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("could not encode configuration: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := afs.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("could not create %s: %w", dir, err)
		}
	}
	if err := afero.WriteFile(afs, path, data, 0o600); err != nil {
		return fmt.Errorf("could not write %s: %w", path, err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := afs.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("could not restrict %s: %w", path, err)
	}
	return nil
}

// Prompt asks for connection settings interactively.
type Prompt struct {
	In  io.Reader
	Out io.Writer
	// ReadPassword reads a secret without echo. When nil the password is
	// read as a plain line from In.
	ReadPassword func() (string, error)
}

// TerminalPassword returns a reader for Prompt.ReadPassword when stdin is a
// terminal, and nil otherwise.
func TerminalPassword() func() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	return func() (string, error) {
		b, err := term.ReadPassword(fd)
		return string(b), err
	}
}

// Ask fills a Config starting from def. An empty answer keeps the value
// shown in brackets.
func (p Prompt) Ask(def Config) (Config, error) {
	in := bufio.NewReader(p.In)
	cfg := def

	var err error
	if cfg.Scheme, err = p.line(in, "Scheme", def.Scheme); err != nil {
		return def, err
	}
	if cfg.Host, err = p.line(in, "Host", def.Host); err != nil {
		return def, err
	}
	port, err := p.line(in, "Port", strconv.Itoa(def.Port))
	if err != nil {
		return def, err
	}
	if cfg.Port, err = strconv.Atoi(port); err != nil {
		return def, fmt.Errorf("%w: port %q is not a number", ErrInvalid, port)
	}
	if cfg.Username, err = p.line(in, "Username", def.Username); err != nil {
		return def, err
	}

	fmt.Fprint(p.Out, "Password (leave empty to keep): ")
	var password string
	if p.ReadPassword != nil {
		password, err = p.ReadPassword()
		fmt.Fprintln(p.Out)
	} else {
		password, err = readLine(in)
	}
	if err != nil {
		return def, fmt.Errorf("could not read password: %w", err)
	}
	if password != "" {
		cfg.Password = password
	}

	return cfg, cfg.Validate()
}

func (p Prompt) line(in *bufio.Reader, label, current string) (string, error) {
	fmt.Fprintf(p.Out, "%s [%s]: ", label, current)
	answer, err := readLine(in)
	if err != nil {
		return "", fmt.Errorf("could not read %s: %w", strings.ToLower(label), err)
	}
	if answer == "" {
		return current, nil
	}
	return answer, nil
}

// readLine returns one trimmed line. A final line without newline is
// accepted; end of input with nothing read is an empty answer.
func readLine(in *bufio.Reader) (string, error) {
	s, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(s), nil
}
