package clipboard

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	atotto "github.com/atotto/clipboard"
)

var ErrToolNotFound = errors.New("clipboard tool not found")

type Command struct {
	Path string
	Args []string
}

type writer struct {
	name string
	args []string
}

// writers lists the clipboard commands tried per platform, in order.
var writers = map[string][]writer{
	"darwin": {{name: "pbcopy"}},
	"linux": {
		{name: "wl-copy"},
		{name: "xclip", args: []string{"-selection", "clipboard"}},
		{name: "xsel", args: []string{"--input", "--clipboard"}},
	},
}

func init() {
	writers["freebsd"] = writers["linux"]
	writers["openbsd"] = writers["linux"]
}

// SelectCommand picks the clipboard writer for goos. Platforms without a
// known command report ErrToolNotFound and are served by the native writer.
func SelectCommand(goos string, lookPath func(string) (string, error)) (Command, error) {
	for _, w := range writers[goos] {
		if path, err := lookPath(w.name); err == nil {
			return Command{Path: path, Args: w.args}, nil
		}
	}
	return Command{}, ErrToolNotFound
}

// Copy places a conversation transcript on the system clipboard. When the
// platform command is missing or fails, the native writer gets a try.
func Copy(ctx context.Context, text string) error {
	cmdDef, err := SelectCommand(runtime.GOOS, exec.LookPath)
	if err != nil {
		return copyNative(text)
	}
	if err := run(ctx, cmdDef, text); err != nil {
		if nerr := copyNative(text); nerr != nil {
			return err
		}
	}
	return nil
}

func run(ctx context.Context, cmdDef Command, text string) error {
	cmd := exec.CommandContext(ctx, cmdDef.Path, cmdDef.Args...)
	cmd.Stdin = strings.NewReader(text)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("clipboard command %s: %w: %s", cmdDef.Path, err, msg)
		}
		return fmt.Errorf("clipboard command %s: %w", cmdDef.Path, err)
	}
	return nil
}

func copyNative(text string) error {
	if atotto.Unsupported {
		return ErrToolNotFound
	}
	if err := atotto.WriteAll(text); err != nil {
		return fmt.Errorf("write clipboard: %w", err)
	}
	return nil
}
