package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/blockfs/go-blockfs/filesystem"
)

func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <path>",
		Short: "Create an empty file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVolume(false, func(fsys *filesystem.Filesystem, cwd uint32) error {
				f, err := fsys.Create(cwd, args[0])
				if err != nil {
					return err
				}
				return f.Close()
			})
		},
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>",
		Short: "Print a file's contents to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVolume(true, func(fsys *filesystem.Filesystem, cwd uint32) error {
				desc, err := fsys.Open(cwd, args[0])
				if err != nil {
					return err
				}
				defer desc.Close()
				f, ok := desc.(*filesystem.File)
				if !ok {
					return fmt.Errorf("blockfsctl: %s is a directory", args[0])
				}
				_, err = io.Copy(cmd.OutOrStdout(), f)
				return err
			})
		},
	}
}

func newWriteCmd() *cobra.Command {
	var sourcePath string
	cmd := &cobra.Command{
		Use:   "write <path>",
		Short: "Write stdin (or --from) into a file, creating it if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVolume(false, func(fsys *filesystem.Filesystem, cwd uint32) error {
				var in io.Reader = os.Stdin
				if sourcePath != "" {
					srcFile, err := os.Open(sourcePath)
					if err != nil {
						return err
					}
					defer srcFile.Close()
					in = srcFile
				}

				desc, err := fsys.Open(cwd, args[0])
				if err != nil {
					desc, err = fsys.Create(cwd, args[0])
					if err != nil {
						return err
					}
				}
				f, ok := desc.(*filesystem.File)
				if !ok {
					return fmt.Errorf("blockfsctl: %s is a directory", args[0])
				}
				defer f.Close()
				_, err = io.Copy(f, in)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&sourcePath, "from", "", "host file to read instead of stdin")
	return cmd
}

func newMkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVolume(false, func(fsys *filesystem.Filesystem, cwd uint32) error {
				return fsys.Mkdir(cwd, args[0])
			})
		},
	}
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory's entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/"
			if len(args) == 1 {
				path = args[0]
			}
			return withVolume(true, func(fsys *filesystem.Filesystem, cwd uint32) error {
				desc, err := fsys.Open(cwd, path)
				if err != nil {
					return err
				}
				defer desc.Close()
				d, ok := desc.(*filesystem.Dir)
				if !ok {
					return fmt.Errorf("blockfsctl: %s is not a directory", path)
				}
				for {
					name, ok, err := d.ReadDir()
					if err != nil {
						return err
					}
					if !ok {
						return nil
					}
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
			})
		},
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>",
		Short: "Remove a file or empty directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVolume(false, func(fsys *filesystem.Filesystem, cwd uint32) error {
				return fsys.Remove(cwd, args[0])
			})
		},
	}
}
