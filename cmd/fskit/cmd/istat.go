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
	"os"
	"path/filepath"
	"strconv"

	"github.com/apex/log"
	fskit "github.com/blacktop/go-fskit"
	"github.com/spf13/cobra"
)

// istatCmd represents the istat command
var istatCmd = &cobra.Command{
	Use:   "istat <IMAGE> <INUM>",
	Short: "Display details of a meta-data structure (inode)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Verbose {
			log.SetLevel(log.DebugLevel)
		}

		inum, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return err
		}

		fs, err := fskit.Open(filepath.Clean(args[0]))
		if err != nil {
			return err
		}
		defer fs.Close()

		return fs.InodeStat(os.Stdout, inum)
	},
}

func init() {
	rootCmd.AddCommand(istatCmd)
}
