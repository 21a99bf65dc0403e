package main

import (
	"fmt"
	"io"
	"os"

	"github.com/hack-pad/hackspawn/internal/spawn"
	"github.com/spf13/cobra"
)

func newFDsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fds",
		Short: "Print the descriptors and signal mask this process was started with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sideband, err := spawn.Inherited(os.Environ())
			if err != nil {
				return err
			}
			return printSideband(cmd.OutOrStdout(), sideband)
		},
	}
}

func printSideband(w io.Writer, sideband *spawn.Sideband) error {
	if sideband == nil {
		_, err := fmt.Fprintln(w, "Not started by an image-creating spawn")
		return err
	}
	fmt.Fprintf(w, "Parent:      %s\n", sideband.ParentPID)
	fmt.Fprintf(w, "Grandparent: %s\n", sideband.GrandparentPID)
	fmt.Fprintf(w, "Signal mask: %s\n", sideband.Mask)
	for fd, d := range sideband.Descriptors {
		if d.Empty() {
			continue
		}
		if _, err := fmt.Fprintf(w, "%4d  %s\n", fd, d); err != nil {
			return err
		}
	}
	return nil
}
