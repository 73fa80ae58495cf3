package main

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// password reads a secret without echo when stdin is a terminal and falls back
// to a plain line otherwise.
func (r *runtime) password(label string) (string, error) {
	file, ok := r.stdin.(*os.File)
	if !ok || !term.IsTerminal(int(file.Fd())) {
		return r.prompt(label)
	}
	fmt.Fprint(r.errOut, label)
	raw, err := term.ReadPassword(int(file.Fd()))
	fmt.Fprintln(r.errOut)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
