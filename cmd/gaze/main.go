// Command gaze opens a huge text file for read-only viewing.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/kovaxis/gaze/internal/clipboard"
	gazecmd "github.com/kovaxis/gaze/cmd/gaze/cmd"
)

func main() {
	// The clipboard server re-exec must be checked before any other
	// startup work: once serving, this process exists only to hold the
	// OS clipboard selection open, not to open a file.
	if len(os.Args) > 1 && os.Args[1] == clipboard.ServeFlag {
		if err := clipboard.Serve(context.Background(), os.Stdin, clipboard.NewOwner()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	gazecmd.Execute()
}
