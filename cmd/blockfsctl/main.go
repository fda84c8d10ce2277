// Command blockfsctl drives a blockfs volume from the command line: format
// a fresh image, create/read/write files and directories against it, back
// it up, and inspect it, exercising the facade the way a kernel would
// exercise it through system calls.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	imagePath string
	log       = logrus.New()
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "blockfsctl",
		Short:         "Inspect and manipulate a blockfs volume image",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&imagePath, "image", "i", "", "path to the volume image file")

	root.AddCommand(
		newFormatCmd(),
		newCreateCmd(),
		newCatCmd(),
		newWriteCmd(),
		newMkdirCmd(),
		newLsCmd(),
		newRmCmd(),
		newShellCmd(),
		newInspectCmd(),
		newBackupCmd(),
		newRestoreCmd(),
		newImportCmd(),
	)
	return root
}

func requireImage() error {
	if imagePath == "" {
		return fmt.Errorf("blockfsctl: --image is required")
	}
	return nil
}
