package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/yoanbernabeu/codegrep/workspace"
)

var indexesJSON bool

var indexesCmd = &cobra.Command{
	Use:   "indexes",
	Short: "Manage the indexes stored under the data directory",
}

var indexesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every workspace index",
	Args:  cobra.NoArgs,
	RunE:  runIndexesList,
}

var indexesRemoveCmd = &cobra.Command{
	Use:   "remove <workspace-id|path>",
	Short: "Delete the index of a workspace",
	Long: `Delete the index of a workspace. The workspace itself is not touched.

The argument is either the workspace id shown by 'codegrep indexes list'
or the workspace directory.`,
	Args: cobra.ExactArgs(1),
	RunE: runIndexesRemove,
}

var indexesCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete indexes whose workspace no longer exists",
	Args:  cobra.NoArgs,
	RunE:  runIndexesClean,
}

func init() {
	indexesCmd.PersistentFlags().BoolVar(&indexesJSON, "json", false, "Output in JSON format")
	indexesCmd.AddCommand(indexesListCmd, indexesRemoveCmd, indexesCleanCmd)
	rootCmd.AddCommand(indexesCmd)
}

func runIndexesList(cmd *cobra.Command, args []string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	entries, err := eng.IndexesList(contextOf(cmd))
	if err != nil {
		return fmt.Errorf("failed to list indexes: %w", err)
	}
	if indexesJSON {
		if entries == nil {
			entries = []workspace.Entry{}
		}
		return writeJSON(cmd.OutOrStdout(), entries)
	}
	printEntries(cmd.OutOrStdout(), entries)
	return nil
}

func printEntries(w io.Writer, entries []workspace.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No indexes")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILES\tSIZE\tUPDATED\tPATH")
	var total int64
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.ID,
			humanize.Comma(int64(e.Documents)),
			humanize.IBytes(uint64(e.SizeOnDisk)),
			humanize.Time(e.UpdatedAt),
			e.Path,
		)
		total += e.SizeOnDisk
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d indexes, %s\n", len(entries), humanize.IBytes(uint64(total)))
}

func runIndexesRemove(cmd *cobra.Command, args []string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	entry, err := eng.IndexesRemove(contextOf(cmd), args[0])
	if err != nil {
		return fmt.Errorf("failed to remove index: %w", err)
	}
	if indexesJSON {
		return writeJSON(cmd.OutOrStdout(), entry)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed index of %s (%s)\n", entry.Path, humanize.IBytes(uint64(entry.SizeOnDisk)))
	return nil
}

func runIndexesClean(cmd *cobra.Command, args []string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	report, err := eng.IndexesCleanOrphans(contextOf(cmd))
	if err != nil {
		return fmt.Errorf("failed to clean indexes: %w", err)
	}
	if indexesJSON {
		if report.Removed == nil {
			report.Removed = []workspace.Entry{}
		}
		return writeJSON(cmd.OutOrStdout(), report)
	}
	out := cmd.OutOrStdout()
	for _, e := range report.Removed {
		fmt.Fprintf(out, "Removed %s (%s)\n", e.Path, humanize.IBytes(uint64(e.SizeOnDisk)))
	}
	fmt.Fprintf(out, "%d orphaned indexes removed, %s reclaimed\n", len(report.Removed), humanize.IBytes(uint64(report.BytesReclaimed)))
	return nil
}
