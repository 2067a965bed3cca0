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
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	fskit "github.com/blacktop/go-fskit"
	"github.com/blacktop/go-fskit/types"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"
)

var extractOutput string

// extractCmd represents the extract command
var extractCmd = &cobra.Command{
	Use:   "extract <IMAGE> <PATH>",
	Short: "Extract a file from the image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Verbose {
			log.SetLevel(log.DebugLevel)
		}

		fs, err := fskit.Open(filepath.Clean(args[0]))
		if err != nil {
			return err
		}
		defer fs.Close()

		inum, err := fs.ResolvePath(args[1])
		if err != nil {
			return err
		}
		in, err := fs.GetInode(inum)
		if err != nil {
			return err
		}
		if in.IsDir() {
			return types.Errorf(types.ErrArg, "%q is a directory", args[1])
		}
		data := in.Attrs.Default()
		if data == nil {
			return types.Errorf(types.ErrArg, "%q has no content stream", args[1])
		}

		dest := extractOutput
		if dest == "" {
			dest = filepath.Base(strings.TrimRight(args[1], "/"))
		} else if fi, err := os.Stat(dest); err == nil && fi.IsDir() {
			dest = filepath.Join(dest, filepath.Base(strings.TrimRight(args[1], "/")))
		}
		fo, err := os.Create(dest)
		if err != nil {
			return err
		}
		defer fo.Close()

		// initialize progress bar
		p := mpb.New(mpb.WithWidth(80))
		bar := p.Add(data.Size,
			mpb.NewBarFiller(mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("|")),
			mpb.PrependDecorators(
				decor.Name("     ", decor.WC{W: len("     ") + 1, C: decor.DidentRight}),
				decor.OnComplete(
					decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "✅ ",
				),
			),
			mpb.AppendDecorators(decor.Percentage()),
		)

		buf := make([]byte, 1<<20)
		var off int64
		for off < data.Size {
			n := int64(len(buf))
			if rem := data.Size - off; rem < n {
				n = rem
			}
			read, err := data.ReadAt(buf[:n], off)
			if err != nil && err != io.EOF {
				return types.AppendContext(err, "reading %q at offset %d", args[1], off)
			}
			if read == 0 {
				break
			}
			if _, err := fo.Write(buf[:read]); err != nil {
				return err
			}
			off += int64(read)
			bar.IncrBy(read)
		}
		bar.SetTotal(data.Size, true)
		p.Wait()

		log.WithFields(log.Fields{
			"path": dest,
			"size": humanize.Bytes(uint64(in.Size)),
		}).Info("extracted file")
		return nil
	},
}

func init() {
	extractCmd.Flags().StringVarP(&extractOutput, "output", "o", "", "output file or directory")
	rootCmd.AddCommand(extractCmd)
}
