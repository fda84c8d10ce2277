package main

import (
	"fmt"

	"github.com/spf13/cobra"
	times "gopkg.in/djherbis/times.v1"

	"github.com/blockfs/go-blockfs/device"
	"github.com/blockfs/go-blockfs/filesystem"
	"github.com/blockfs/go-blockfs/util"
)

func newInspectCmd() *cobra.Command {
	var dumpHeader bool
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print volume metadata: UUID, sector count, image timestamps",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireImage(); err != nil {
				return err
			}
			if err := printImageTimes(); err != nil {
				log.WithError(err).Warn("blockfsctl: could not read image file timestamps")
			}
			return withVolume(true, func(fsys *filesystem.Filesystem, cwd uint32) error {
				fmt.Printf("uuid:           %s\n", fsys.VolumeUUID())
				fmt.Printf("total sectors:  %d\n", fsys.TotalSectors())
				fmt.Printf("root sector:    %d\n", fsys.RootSector())
				if dumpHeader {
					fmt.Println(headerHexdump(fsys))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dumpHeader, "dump-header", false, "also hexdump the free-map header sector")
	return cmd
}

func printImageTimes() error {
	t, err := times.Stat(imagePath)
	if err != nil {
		return err
	}
	fmt.Printf("modified:       %s\n", t.ModTime())
	fmt.Printf("accessed:       %s\n", t.AccessTime())
	if t.HasChangeTime() {
		fmt.Printf("changed:        %s\n", t.ChangeTime())
	}
	if t.HasBirthTime() {
		fmt.Printf("created:        %s\n", t.BirthTime())
	}
	return nil
}

// headerHexdump re-reads the free-map header sector through a throwaway
// descriptor-free path, for operators debugging a corrupted volume.
func headerHexdump(fsys *filesystem.Filesystem) string {
	buf := make([]byte, device.SectorSize)
	if err := fsys.ReadRawSector(0, buf); err != nil {
		return fmt.Sprintf("(could not read header sector: %s)", err)
	}
	return util.DumpByteSlice(buf, 16, true, true, false, nil)
}
