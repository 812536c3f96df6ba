package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/alpkeskin/gotoon"
	"github.com/spf13/cobra"

	"github.com/yoanbernabeu/codegrep/engine"
	"github.com/yoanbernabeu/codegrep/search"
)

var (
	searchLimit    int
	searchJSON     bool
	searchTOON     bool
	searchCompact  bool
	searchExts     []string
	searchPrefix   string
	searchTextOnly bool
	searchPath     string
)

// SearchResultJSON is a lightweight struct for JSON output
type SearchResultJSON struct {
	FilePath  string  `json:"file_path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Score     float64 `json:"score"`
	MatchType string  `json:"match_type"`
	Content   string  `json:"content"`
}

// SearchResultCompactJSON is a minimal struct for compact JSON output (no content field)
type SearchResultCompactJSON struct {
	FilePath  string  `json:"file_path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Score     float64 `json:"score"`
}

var searchCmd = &cobra.Command{
	Use:   "search [flags] [--] <query>",
	Short: "Search the index of a workspace",
	Long: `Search the index of a workspace for a code fragment.

The query is tokenized the same way files are: '$', '@', '#', '-' and '_'
stay inside terms, and punctuation in the query is matched literally.
When the index was built with --embeddings, semantic matches are blended
in; use --text-only to disable them.

Output format:
  default    readable text on a terminal, one line per hit otherwise
  --json     JSON array (for AI agents and scripts)
  --toon     TOON (token-efficient for AI agents)
  --compact  omit snippets (requires --json or --toon)

A query that starts with '-' must follow '--' so it is not read as a flag.`,
	Example: `  codegrep search "fn login"
  codegrep search --json --ext php -- '->get('
  codegrep search --text-only -n 5 'user_id'`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "Maximum number of results to return (default from config)")
	searchCmd.Flags().BoolVarP(&searchJSON, "json", "j", false, "Output results in JSON format (for AI agents)")
	searchCmd.Flags().BoolVarP(&searchTOON, "toon", "t", false, "Output results in TOON format (token-efficient for AI agents)")
	searchCmd.Flags().BoolVarP(&searchCompact, "compact", "c", false, "Output minimal format without content (requires --json or --toon)")
	searchCmd.Flags().StringSliceVarP(&searchExts, "ext", "e", nil, "Only search files with these extensions (repeatable, comma-separated)")
	searchCmd.Flags().StringVar(&searchPrefix, "prefix", "", "Only search under this workspace-relative directory")
	searchCmd.Flags().BoolVar(&searchTextOnly, "text-only", false, "Disable semantic matching")
	searchCmd.Flags().StringVarP(&searchPath, "path", "p", "", "Workspace directory (default: git root or current directory)")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := args[0]
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if searchCompact && !searchJSON && !searchTOON {
		return fmt.Errorf("--compact flag requires --json or --toon flag")
	}
	if searchJSON && searchTOON {
		return fmt.Errorf("--json and --toon are mutually exclusive")
	}

	root, err := resolveWorkspace([]string{searchPath})
	if err != nil {
		return err
	}
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	hits, err := eng.Search(ctx, root, query, engine.SearchOptions{
		Limit:      searchLimit,
		Extensions: searchExts,
		PathPrefix: searchPrefix,
		TextOnly:   searchTextOnly,
	})
	out := cmd.OutOrStdout()
	if err != nil {
		if errors.Is(err, engine.ErrInput) {
			switch {
			case searchJSON:
				return outputSearchErrorJSON(out, err)
			case searchTOON:
				return outputSearchErrorTOON(out, err)
			}
		}
		return err
	}

	switch {
	case searchJSON && searchCompact:
		return outputSearchCompactJSON(out, hits)
	case searchJSON:
		return outputSearchJSON(out, hits)
	case searchTOON && searchCompact:
		return outputSearchCompactTOON(out, hits)
	case searchTOON:
		return outputSearchTOON(out, hits)
	case isInteractiveTerminal():
		return outputSearchPretty(out, query, hits)
	default:
		return outputSearchPlain(out, hits)
	}
}

func toSearchJSON(hits []search.Hit) []SearchResultJSON {
	out := make([]SearchResultJSON, len(hits))
	for i, h := range hits {
		out[i] = SearchResultJSON{
			FilePath:  h.Path,
			StartLine: h.StartLine,
			EndLine:   h.EndLine,
			Score:     h.Score,
			MatchType: h.MatchType,
			Content:   h.Snippet,
		}
	}
	return out
}

func toSearchCompactJSON(hits []search.Hit) []SearchResultCompactJSON {
	out := make([]SearchResultCompactJSON, len(hits))
	for i, h := range hits {
		out[i] = SearchResultCompactJSON{
			FilePath:  h.Path,
			StartLine: h.StartLine,
			EndLine:   h.EndLine,
			Score:     h.Score,
		}
	}
	return out
}

// outputSearchJSON outputs results in JSON format for AI agents
func outputSearchJSON(w io.Writer, hits []search.Hit) error {
	return writeJSON(w, toSearchJSON(hits))
}

// outputSearchCompactJSON outputs results in minimal JSON format (without content)
func outputSearchCompactJSON(w io.Writer, hits []search.Hit) error {
	return writeJSON(w, toSearchCompactJSON(hits))
}

// outputSearchErrorJSON outputs an error in JSON format
func outputSearchErrorJSON(w io.Writer, err error) error {
	_ = writeJSON(w, map[string]string{"error": err.Error()})
	return err
}

// outputSearchTOON outputs results in TOON format for AI agents
func outputSearchTOON(w io.Writer, hits []search.Hit) error {
	return writeTOON(w, toSearchJSON(hits))
}

// outputSearchCompactTOON outputs results in minimal TOON format (without content)
func outputSearchCompactTOON(w io.Writer, hits []search.Hit) error {
	return writeTOON(w, toSearchCompactJSON(hits))
}

// outputSearchErrorTOON outputs an error in TOON format
func outputSearchErrorTOON(w io.Writer, err error) error {
	if encErr := writeTOON(w, map[string]string{"error": err.Error()}); encErr != nil {
		return encErr
	}
	return err
}

// outputSearchPlain prints one "path:start-end" header per hit followed by
// its snippet, the format used when stdout is not a terminal.
func outputSearchPlain(w io.Writer, hits []search.Hit) error {
	for _, h := range hits {
		fmt.Fprintf(w, "%s:%d-%d\n", h.Path, h.StartLine, h.EndLine)
		if h.Snippet != "" {
			fmt.Fprintln(w, strings.TrimRight(h.Snippet, "\n"))
		}
		fmt.Fprintln(w)
	}
	return nil
}

func outputSearchPretty(w io.Writer, query string, hits []search.Hit) error {
	if len(hits) == 0 {
		fmt.Fprintf(w, "No results for %q\n", query)
		return nil
	}
	fmt.Fprintf(w, "Found %d results for: %q\n\n", len(hits), query)
	for i, h := range hits {
		fmt.Fprintf(w, "─── Result %d (score: %.4f, %s) ───\n", i+1, h.Score, h.MatchType)
		fmt.Fprintf(w, "File: %s:%d-%d\n\n", h.Path, h.StartLine, h.EndLine)
		for _, line := range strings.Split(strings.TrimRight(h.Snippet, "\n"), "\n") {
			fmt.Fprintf(w, "  │ %s\n", line)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func writeTOON(w io.Writer, v any) error {
	output, err := gotoon.Encode(v)
	if err != nil {
		return fmt.Errorf("failed to encode TOON: %w", err)
	}
	_, err = fmt.Fprintln(w, output)
	return err
}
