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
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/blacktop/go-dsc/pkg/dyld"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(slideCmd)
	slideCmd.Flags().BoolP("auth", "a", false, "Print only slide info for mappings with auth flags")
	slideCmd.Flags().Bool("json", false, "Output as JSON")
	slideCmd.Flags().IntP("workers", "w", 0, "Number of pages to decode in parallel (0 = GOMAXPROCS)")
	slideCmd.Flags().StringP("output", "o", "", "folder to save JSON output")
	slideCmd.MarkFlagDirname("output")

	viper.BindPFlag("slide.auth", slideCmd.Flags().Lookup("auth"))
	viper.BindPFlag("slide.json", slideCmd.Flags().Lookup("json"))
	viper.BindPFlag("slide.workers", slideCmd.Flags().Lookup("workers"))
	viper.BindPFlag("slide.output", slideCmd.Flags().Lookup("output"))
}

// slideCmd represents the slide command
var slideCmd = &cobra.Command{
	Use:           "slide <DSC>",
	Short:         "Dump slide info",
	Args:          cobra.ExactArgs(1),
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		var enc *json.Encoder

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		color.NoColor = viper.GetBool("no-color")
		// validate flags
		if len(viper.GetString("slide.output")) > 0 && !viper.GetBool("slide.json") {
			return errors.New("must use --json flag when using --output flag")
		}

		if len(viper.GetString("slide.output")) > 0 {
			if err := os.MkdirAll(viper.GetString("slide.output"), 0750); err != nil {
				return errors.Wrapf(err, "failed to create output directory %s", viper.GetString("slide.output"))
			}
			f, err := os.Create(filepath.Join(viper.GetString("slide.output"), "slide_info.json"))
			if err != nil {
				return errors.Wrapf(err, "failed to create output file %s", viper.GetString("slide.output"))
			}
			defer f.Close()
			enc = json.NewEncoder(f)
		} else {
			enc = json.NewEncoder(os.Stdout)
		}

		f, err := dyld.Open(filepath.Clean(args[0]))
		if err != nil {
			return err
		}
		defer f.Close()

		for _, mapping := range f.MappingsWithSlideInfo {
			if viper.GetBool("slide.auth") && !mapping.Flags.IsAuthData() {
				continue
			}
			if mapping.SlideInfoSize == 0 {
				continue
			}
			if viper.GetBool("slide.json") {
				rebases, pageErrs, err := f.GetRebaseInfoForPages(cmd.Context(), mapping, viper.GetInt("slide.workers"))
				if err != nil {
					return err
				}
				for _, perr := range pageErrs {
					log.WithError(perr).Warnf("skipped corrupt page in %s", mapping.Name)
				}
				enc.Encode(rebases)
			} else {
				if err := f.DumpSlideInfo(os.Stdout, mapping); err != nil {
					return err
				}
			}
		}

		return nil
	},
}
