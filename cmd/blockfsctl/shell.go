package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	blockfs "github.com/blockfs/go-blockfs"
	"github.com/blockfs/go-blockfs/filesystem"
)

// session is the in-process state a shell holds open for the lifetime of
// one interactive run: the mounted filesystem and the caller's current
// working directory, the same current-directory bookkeeping a real kernel
// would keep per process. Descriptors are opened and closed within each
// command rather than kept across commands.
type session struct {
	fsys *filesystem.Filesystem
	cwd  uint32
}

func newShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive session against a mounted volume",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireImage(); err != nil {
				return err
			}
			fsys, err := blockfs.Open(imagePath, false, log)
			if err != nil {
				return fmt.Errorf("blockfsctl: open %s: %w", imagePath, err)
			}
			defer fsys.Done()

			s := &session{fsys: fsys, cwd: fsys.RootSector()}
			s.fsys.SetCWD(s.cwd)
			return s.run(os.Stdin, cmd.OutOrStdout())
		},
	}
}

func (s *session) run(in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "blockfs> ")
		if !scanner.Scan() {
			break
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "exit" || fields[0] == "quit" {
			break
		}
		if err := s.dispatch(fields, out); err != nil {
			fmt.Fprintf(out, "error: %s\n", err)
		}
	}
	return scanner.Err()
}

func (s *session) dispatch(fields []string, out io.Writer) error {
	switch fields[0] {
	case "pwd":
		fmt.Fprintln(out, s.cwd)
	case "cd":
		if len(fields) != 2 {
			return fmt.Errorf("usage: cd <path>")
		}
		sector, err := s.fsys.Chdir(s.cwd, fields[1])
		if err != nil {
			return err
		}
		s.fsys.ClearCWD(s.cwd)
		s.cwd = sector
		s.fsys.SetCWD(s.cwd)
	case "ls":
		path := "."
		if len(fields) == 2 {
			path = fields[1]
		}
		return s.ls(path, out)
	case "mkdir":
		if len(fields) != 2 {
			return fmt.Errorf("usage: mkdir <path>")
		}
		return s.fsys.Mkdir(s.cwd, fields[1])
	case "create":
		if len(fields) != 2 {
			return fmt.Errorf("usage: create <path>")
		}
		f, err := s.fsys.Create(s.cwd, fields[1])
		if err != nil {
			return err
		}
		return f.Close()
	case "cat":
		if len(fields) != 2 {
			return fmt.Errorf("usage: cat <path>")
		}
		return s.cat(fields[1], out)
	case "rm":
		if len(fields) != 2 {
			return fmt.Errorf("usage: rm <path>")
		}
		return s.fsys.Remove(s.cwd, fields[1])
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
	return nil
}

func (s *session) ls(path string, out io.Writer) error {
	desc, err := s.fsys.Open(s.cwd, path)
	if err != nil {
		return err
	}
	defer desc.Close()
	d, ok := desc.(*filesystem.Dir)
	if !ok {
		return fmt.Errorf("%s is not a directory", path)
	}
	for {
		name, ok, err := d.ReadDir()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		fmt.Fprintln(out, name)
	}
}

func (s *session) cat(path string, out io.Writer) error {
	desc, err := s.fsys.Open(s.cwd, path)
	if err != nil {
		return err
	}
	defer desc.Close()
	f, ok := desc.(*filesystem.File)
	if !ok {
		return fmt.Errorf("%s is a directory", path)
	}
	_, err = io.Copy(out, f)
	return err
}
