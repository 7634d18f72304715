package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"golang.org/x/term"

	"github.com/avast/apksigner/secret"
)

var (
	stdin           io.Reader = os.Stdin
	stdinIsTerminal           = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }

	stdinLines *bufio.Reader
)

// readPassword resolves a password spec: pass:<text>, env:<VAR>,
// file:<path> or stdin. An empty spec prompts like stdin.
func readPassword(spec, prompt string) (*secret.Password, error) {
	kind, value, _ := strings.Cut(spec, ":")
	switch kind {
	case "pass":
		return secret.FromString(value), nil
	case "env":
		v, ok := os.LookupEnv(value)
		if !ok {
			return nil, fmt.Errorf("password variable %s is not set", value)
		}
		return secret.FromString(v), nil
	case "file":
		data, err := os.ReadFile(value)
		if err != nil {
			return nil, fmt.Errorf("read password file: %w", err)
		}
		defer memguard.WipeBytes(data)
		return secret.NewPassword(firstLine(data)), nil
	case "stdin", "":
		if value != "" {
			break
		}
		return readPasswordStdin(prompt)
	}
	return nil, fmt.Errorf("invalid password spec %q, expected pass:, env:, file: or stdin", redactSpec(spec))
}

func readPasswordStdin(prompt string) (*secret.Password, error) {
	if stdinIsTerminal() {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("read password: %w", err)
		}
		return secret.NewPassword(b), nil
	}

	if stdinLines == nil {
		stdinLines = bufio.NewReader(stdin)
	}
	line, err := stdinLines.ReadBytes('\n')
	if err != nil && (err != io.EOF || len(line) == 0) {
		return nil, fmt.Errorf("read password from stdin: %w", err)
	}
	pw := firstLine(line)
	b := make([]byte, len(pw))
	copy(b, pw)
	memguard.WipeBytes(line)
	return secret.NewPassword(b), nil
}

func firstLine(data []byte) []byte {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		data = data[:i]
	}
	return bytes.TrimSuffix(data, []byte{'\r'})
}

func redactSpec(spec string) string {
	kind, _, found := strings.Cut(spec, ":")
	if !found {
		return "..."
	}
	return kind + ":..."
}
