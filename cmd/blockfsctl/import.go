package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blockfs/go-blockfs/filesystem"
	"github.com/blockfs/go-blockfs/importtree"
)

func newImportCmd() *cobra.Command {
	var destPath string
	cmd := &cobra.Command{
		Use:   "import <host-dir>",
		Short: "Import a host directory tree into the volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := os.Stat(args[0])
			if err != nil {
				return fmt.Errorf("blockfsctl: import: %w", err)
			}
			if !info.IsDir() {
				return fmt.Errorf("blockfsctl: import: %s is not a directory", args[0])
			}

			return withVolume(false, func(fsys *filesystem.Filesystem, cwd uint32) error {
				if destPath != "" {
					sector, err := fsys.Chdir(cwd, destPath)
					if err != nil {
						return err
					}
					cwd = sector
				}
				return importtree.Tree(os.DirFS(args[0]), fsys, cwd)
			})
		},
	}
	cmd.Flags().StringVar(&destPath, "into", "", "destination directory inside the volume (default: root)")
	return cmd
}
