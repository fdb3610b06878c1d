package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
)

const (
	formatTable = "table"
	formatJSON  = "json"
)

// printResult outputs a single object in the chosen format.
func printResult(w io.Writer, format string, data map[string]any) {
	if format == formatJSON {
		printJSON(w, data)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, k := range sortedKeys(data) {
		switch val := data[k].(type) {
		case map[string]any:
			fmt.Fprintf(tw, "%s\t\n", strings.ToUpper(k))
			for _, kk := range sortedKeys(val) {
				fmt.Fprintf(tw, "  %s\t%v\n", kk, val[kk])
			}
		case time.Time:
			fmt.Fprintf(tw, "%s\t%s\n", k, val.Format(time.RFC3339))
		default:
			fmt.Fprintf(tw, "%s\t%v\n", k, val)
		}
	}
	tw.Flush()
}

// printRows outputs a list. JSON mode encodes raw as is; table mode prints
// the header and rows.
func printRows(w io.Writer, format string, header []string, rows [][]string, raw any) {
	if format == formatJSON {
		printJSON(w, raw)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v) //nolint:errcheck
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
