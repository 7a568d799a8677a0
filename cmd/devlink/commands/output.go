package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/devlink/pkg/remotefs"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printFileInfos(w io.Writer, jsonOutput bool, infos ...*remotefs.FileInfo) error {
	if jsonOutput {
		return printJSON(w, infos)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, fi := range infos {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n",
			fi.Mode.String(),
			fi.Size,
			fi.ModTime.Local().Format(time.DateTime),
			displayName(fi),
		)
	}
	return tw.Flush()
}

func displayName(fi *remotefs.FileInfo) string {
	if fi.IsDir() {
		return fi.Name + "/"
	}
	return fi.Name
}

// progressPrinter renders transfer progress on one terminal line.
func progressPrinter(w io.Writer, label string) remotefs.ProgressFunc {
	return func(percent int) {
		fmt.Fprintf(w, "\r%s %3d%%", label, percent)
		if percent == 100 {
			fmt.Fprintln(w)
		}
	}
}
