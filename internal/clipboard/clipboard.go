// Package clipboard bridges the engine's in-memory selection to the OS
// clipboard. No clipboard library appears anywhere in the retrieval
// corpus, so ownership is held by shelling out to the platform's native
// clipboard CLI (xclip, pbcopy, clip), the same os/exec-wrapping style
// the teacher uses for rclone/fusermount (see internal/rclone and
// internal/fuse).
//
// On X11, setting the clipboard only registers the calling process as
// the owner; if that process exits, the selection is lost. xclip works
// around this itself by forking a detached holder process, so Publish
// only needs to re-exec gaze with ServeFlag and hand the text to the
// child's stdin, mirroring the original implementation's Linux-only
// re-exec trick.
package clipboard

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kovaxis/gaze/internal/errorkinds"
)

// ServeFlag is the reserved CLI argument that turns a freshly re-exec'd
// process into a clipboard server instead of opening a file.
const ServeFlag = "--serve-clipboard"

// Owner takes ownership of the OS clipboard for text. Hold returns once
// the platform's publishing step is done; for execOwner that is when
// its command exits.
type Owner interface {
	Hold(ctx context.Context, text string) error
}

// execOwner holds the clipboard by running name with args, writing text
// to its stdin. On Linux this is xclip, which forks its own detached
// holder and returns immediately; on other platforms the OS clipboard
// is durable on its own, so the command completing is itself the
// "published" state.
type execOwner struct {
	name string
	args []string
}

// NewOwner returns the Owner for the current platform.
func NewOwner() Owner {
	switch runtime.GOOS {
	case "darwin":
		return execOwner{name: "pbcopy"}
	case "windows":
		return execOwner{name: "clip"}
	default:
		return execOwner{name: "xclip", args: []string{"-selection", "clipboard"}}
	}
}

func (o execOwner) Hold(ctx context.Context, text string) error {
	cmd := exec.CommandContext(ctx, o.name, o.args...)
	cmd.Stdin = strings.NewReader(text)
	if err := cmd.Run(); err != nil {
		return errorkinds.New(errorkinds.KindClipboardUnavailable, fmt.Sprintf("run %s", o.name), err)
	}
	return nil
}

// Publish makes text the clipboard contents. It re-execs the running
// binary with ServeFlag, pipes text into the child's stdin and detaches
// without waiting: the child outlives this call, since holding the
// selection open is exactly the job Serve exists to do.
func Publish(text string) error {
	exe, err := os.Executable()
	if err != nil {
		return errorkinds.New(errorkinds.KindClipboardUnavailable, "locate executable", err)
	}

	cmd := exec.Command(exe, ServeFlag)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errorkinds.New(errorkinds.KindClipboardUnavailable, "open clipboard server stdin", err)
	}
	if err := cmd.Start(); err != nil {
		return errorkinds.New(errorkinds.KindClipboardUnavailable, "spawn clipboard server", err)
	}

	if _, err := io.WriteString(stdin, text); err != nil {
		stdin.Close()
		return errorkinds.New(errorkinds.KindClipboardUnavailable, "write clipboard text", err)
	}
	return stdin.Close()
}

// Serve reads all of stdin as the text to publish, then runs two loops
// under an errgroup until either finishes: one holds the clipboard via
// owner, the other watches ctx so an external shutdown (e.g. a signal
// cancelling ctx) cuts the hold short instead of leaking it. Callers (cmd/gaze's
// --serve-clipboard entrypoint) exit 0 on a nil return.
func Serve(ctx context.Context, stdin io.Reader, owner Owner) error {
	data, err := io.ReadAll(stdin)
	if err != nil {
		return errorkinds.New(errorkinds.KindClipboardUnavailable, "read clipboard stdin", err)
	}
	text := string(data)

	holdCtx, cancelHold := context.WithCancel(ctx)
	defer cancelHold()
	done := make(chan struct{})

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		return owner.Hold(holdCtx, text)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			cancelHold()
		case <-done:
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return errorkinds.New(errorkinds.KindClipboardUnavailable, "hold clipboard", err)
	}
	return nil
}
