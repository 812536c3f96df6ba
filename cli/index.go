package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/yoanbernabeu/codegrep/engine"
	"github.com/yoanbernabeu/codegrep/indexer"
)

var (
	indexEmbeddings bool
	indexRebuild    bool
	indexJSON       bool
)

var indexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Build or refresh the index of a workspace",
	Long: `Index the text files of a workspace.

Unchanged files are skipped and files deleted since the last run are
removed from the index. The first run creates the index under the data
directory; nothing is written inside the workspace.

With --embeddings, chunks are also embedded for semantic search. When the
embedding provider cannot be reached the index is still built and search
stays lexical.

Interrupting the run keeps every file indexed so far.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().BoolVar(&indexEmbeddings, "embeddings", false, "Also compute embeddings for semantic search")
	indexCmd.Flags().BoolVar(&indexRebuild, "rebuild", false, "Discard the existing index and rebuild it")
	indexCmd.Flags().BoolVar(&indexJSON, "json", false, "Output the report in JSON format")
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	root, err := resolveWorkspace(args)
	if err != nil {
		return err
	}
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := engine.IndexOptions{
		IncludeEmbeddings: indexEmbeddings,
		ForceRebuild:      indexRebuild,
	}
	if !indexJSON && isInteractiveTerminal() {
		opts.OnProgress = progressPrinter(cmd.ErrOrStderr())
	}

	report, err := eng.Index(ctx, root, opts)
	if opts.OnProgress != nil {
		fmt.Fprintln(cmd.ErrOrStderr())
	}
	if err != nil {
		if report != nil && !indexJSON {
			fmt.Fprintf(cmd.OutOrStdout(), "Interrupted after %d files\n", report.DocumentsIndexed)
		}
		return fmt.Errorf("failed to index %s: %w", root, err)
	}

	if indexJSON {
		return writeJSON(cmd.OutOrStdout(), report)
	}
	printIndexReport(cmd.OutOrStdout(), report)
	return nil
}

func progressPrinter(w io.Writer) indexer.ProgressCallback {
	return func(info indexer.ProgressInfo) {
		fmt.Fprintf(w, "\rIndexing: %d files", info.Current)
	}
}

func printIndexReport(w io.Writer, r *engine.IndexReport) {
	fmt.Fprintf(w, "Workspace: %s\n", r.WorkspacePath)
	if r.Rebuilt {
		fmt.Fprintln(w, "Index rebuilt from scratch")
	}
	fmt.Fprintf(w, "Indexed:   %s files (%s chunks)\n", humanize.Comma(int64(r.DocumentsIndexed)), humanize.Comma(int64(r.ChunksIndexed)))
	fmt.Fprintf(w, "Unchanged: %s files\n", humanize.Comma(int64(r.DocumentsUnchanged)))
	if r.DocumentsRemoved > 0 {
		fmt.Fprintf(w, "Removed:   %s files\n", humanize.Comma(int64(r.DocumentsRemoved)))
	}
	if r.Embedded > 0 {
		fmt.Fprintf(w, "Embedded:  %s chunks\n", humanize.Comma(int64(r.Embedded)))
	}
	if r.EmbeddingError != "" {
		fmt.Fprintf(w, "Embeddings unavailable, search stays lexical: %s\n", r.EmbeddingError)
	}
	if r.Skipped > 0 {
		fmt.Fprintf(w, "Skipped:   %d files\n", r.Skipped)
		for i, warn := range r.Warnings {
			if i == 10 {
				fmt.Fprintf(w, "  ... and %d more\n", len(r.Warnings)-i)
				break
			}
			fmt.Fprintf(w, "  %s (%s)\n", warn.Path, warn.Kind)
		}
	}
	fmt.Fprintf(w, "Duration:  %dms\n", r.DurationMs)
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
