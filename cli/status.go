package cli

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/yoanbernabeu/codegrep/engine"
)

var (
	statusDetailed bool
	statusJSON     bool
)

var statusCmd = &cobra.Command{
	Use:   "status [path]",
	Short: "Show the index status of a workspace",
	Long: `Show whether a workspace is indexed and how large its index is.

--detailed adds document counts per file extension and the counters
collected by this process.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusDetailed, "detailed", "d", false, "Include per-extension counts and metrics")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output status in JSON format")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	root, err := resolveWorkspace(args)
	if err != nil {
		return err
	}
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	st, err := eng.Status(contextOf(cmd), root, statusDetailed)
	if err != nil {
		return err
	}
	if statusJSON {
		return writeJSON(cmd.OutOrStdout(), st)
	}
	printStatus(cmd.OutOrStdout(), st)
	return nil
}

func printStatus(w io.Writer, st *engine.Status) {
	fmt.Fprintf(w, "Workspace: %s\n", st.WorkspacePath)
	fmt.Fprintf(w, "ID:        %s\n", st.WorkspaceID)
	if !st.Indexed {
		fmt.Fprintln(w, "Status:    not indexed (run 'codegrep index')")
		return
	}
	if st.Stale {
		fmt.Fprintln(w, "Status:    stale, rebuild required (run 'codegrep index --rebuild')")
	} else {
		fmt.Fprintln(w, "Status:    indexed")
	}
	fmt.Fprintf(w, "Index:     %s\n", st.IndexPath)
	fmt.Fprintf(w, "Files:     %s\n", humanize.Comma(int64(st.DocumentCount)))
	fmt.Fprintf(w, "Chunks:    %s\n", humanize.Comma(int64(st.ChunkCount)))
	fmt.Fprintf(w, "Size:      %s\n", humanize.IBytes(uint64(st.SizeOnDisk)))
	fmt.Fprintf(w, "Updated:   %s (%s)\n", st.LastUpdated.Local().Format(time.DateTime), humanize.Time(st.LastUpdated))
	fmt.Fprintf(w, "Tokenizer: v%d, schema v%d\n", st.TokenizerVersion, st.SchemaVersion)
	if st.EmbeddingsPresent {
		fmt.Fprintf(w, "Embedding: %s\n", st.EmbeddingModel)
	} else {
		fmt.Fprintln(w, "Embedding: none (lexical only)")
	}

	if len(st.Extensions) > 0 {
		fmt.Fprintln(w, "\nFiles by extension:")
		exts := make([]string, 0, len(st.Extensions))
		for ext := range st.Extensions {
			exts = append(exts, ext)
		}
		sort.Slice(exts, func(i, j int) bool {
			if st.Extensions[exts[i]] != st.Extensions[exts[j]] {
				return st.Extensions[exts[i]] > st.Extensions[exts[j]]
			}
			return exts[i] < exts[j]
		})
		for _, ext := range exts {
			name := ext
			if name == "" {
				name = "(none)"
			}
			fmt.Fprintf(w, "  %-12s %d\n", name, st.Extensions[ext])
		}
	}

	if len(st.Metrics) > 0 {
		fmt.Fprintln(w, "\nMetrics:")
		names := make([]string, 0, len(st.Metrics))
		for name := range st.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %-40s %g\n", name, st.Metrics[name])
		}
	}
}
