/*
Copyright © 2022 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/apex/log"
	fskit "github.com/blacktop/go-fskit"
	"github.com/blacktop/go-fskit/types"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	flsLong  bool
	flsInode uint64
)

var dirColor = color.New(color.Bold, color.FgHiBlue).SprintFunc()
var linkColor = color.New(color.FgHiCyan).SprintFunc()
var virtColor = color.New(color.FgHiYellow).SprintFunc()

func colorName(e types.DirEntry) string {
	switch e.Type {
	case types.TypeDirectory:
		return dirColor(e.Name)
	case types.TypeSymlink:
		return linkColor(e.Name)
	case types.TypeVirtual:
		return virtColor(e.Name)
	default:
		return e.Name
	}
}

// flsCmd represents the fls command
var flsCmd = &cobra.Command{
	Use:   "fls <IMAGE> [PATH]",
	Short: "List file and directory names",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Verbose {
			log.SetLevel(log.DebugLevel)
		}

		fs, err := fskit.Open(filepath.Clean(args[0]))
		if err != nil {
			return err
		}
		defer fs.Close()

		var dir *types.Directory
		if cmd.Flags().Changed("inode") {
			dir, err = fs.OpenDir(flsInode)
		} else {
			path := "/"
			if len(args) > 1 {
				path = args[1]
			}
			dir, err = fs.List(path)
		}
		if err != nil {
			return err
		}

		for _, e := range dir.Entries {
			alloc := ""
			if e.Flags&types.NameUnalloc != 0 {
				alloc = " * "
			}
			if flsLong {
				in, err := fs.GetInode(e.Inum)
				if err != nil {
					fmt.Printf("%s/%s %s%d:\t%s\n", e.Type, e.Type, alloc, e.Inum, colorName(e))
					continue
				}
				fmt.Printf("%s/%s %s%d:\t%s\t%s\t%s\n",
					e.Type, in.Type, alloc, e.Inum, colorName(e),
					humanize.Bytes(uint64(in.Size)), in.Modified.Format("2006-01-02 15:04:05"))
			} else {
				fmt.Printf("%s/%s %s%d:\t%s\n", e.Type, e.Type, alloc, e.Inum, colorName(e))
			}
		}
		return nil
	},
}

func init() {
	flsCmd.Flags().BoolVarP(&flsLong, "long", "l", false, "long listing with sizes and times")
	flsCmd.Flags().Uint64VarP(&flsInode, "inode", "i", 0, "list the directory at this inode")
	rootCmd.AddCommand(flsCmd)
}
