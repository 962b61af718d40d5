/*
Copyright © 2018-2024 blacktop

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
	"github.com/blacktop/go-dsc/pkg/dyld"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().BoolP("images", "i", false, "List images in the cache")

	viper.BindPFlag("info.images", infoCmd.Flags().Lookup("images"))
}

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:           "info <DSC>",
	Short:         "Display cache header, mappings and images",
	Args:          cobra.ExactArgs(1),
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		color.NoColor = viper.GetBool("no-color")

		f, err := dyld.Open(filepath.Clean(args[0]))
		if err != nil {
			return err
		}
		defer f.Close()

		fmt.Println(f)

		bold := color.New(color.Bold).SprintFunc()
		if len(f.SubCaches) > 0 {
			fmt.Printf("\n%s\n", bold("SubCaches"))
			for _, sc := range f.SubCaches {
				fmt.Printf("  %s  vm_offset=%#x  suffix=%q\n", sc.UUID, sc.CacheVMOffset, sc.Extension)
			}
		}

		for _, m := range f.MappingsWithSlideInfo {
			if m.SlideInfoSize > 0 {
				log.Debugf("mapping %s has %s of slide info", m.Name, humanize.Bytes(m.SlideInfoSize))
			}
		}

		if viper.GetBool("info.images") {
			fmt.Printf("\n%s\n", bold("Images"))
			for _, img := range f.Images {
				fmt.Printf("  %s\n", img)
			}
		}

		return nil
	},
}
