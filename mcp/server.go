// Package mcp provides an MCP (Model Context Protocol) server for codegrep.
// This allows AI agents to use codegrep as a native tool.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alpkeskin/gotoon"
	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/yoanbernabeu/codegrep/engine"
	"github.com/yoanbernabeu/codegrep/search"
)

const (
	serverName     = "codegrep"
	defaultLimit   = 10
	timeLayout     = "2006-01-02 15:04:05"
	formatJSON     = "json"
	formatTOON     = "toon"
	formatParamDoc = "Output format: 'json' (default) or 'toon' (token-efficient)"
)

// Server wraps the MCP server with codegrep functionality.
type Server struct {
	mcpServer   *server.MCPServer
	engine      *engine.Engine
	projectRoot string
}

// SearchResult is a lightweight struct for MCP output.
type SearchResult struct {
	FilePath  string  `json:"file_path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Score     float64 `json:"score"`
	MatchType string  `json:"match_type"`
	Content   string  `json:"content"`
}

// SearchResultCompact is a minimal struct for compact output (no content field).
type SearchResultCompact struct {
	FilePath  string  `json:"file_path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Score     float64 `json:"score"`
}

// IndexStatus represents the current state of a workspace index.
type IndexStatus struct {
	WorkspaceID      string             `json:"workspace_id"`
	WorkspacePath    string             `json:"workspace_path"`
	Indexed          bool               `json:"indexed"`
	Stale            bool               `json:"stale,omitempty"`
	TotalFiles       int                `json:"total_files"`
	TotalChunks      int                `json:"total_chunks"`
	IndexSize        string             `json:"index_size"`
	LastUpdated      string             `json:"last_updated"`
	TokenizerVersion int                `json:"tokenizer_version"`
	Embeddings       bool               `json:"embeddings"`
	EmbeddingModel   string             `json:"embedding_model,omitempty"`
	Extensions       map[string]int     `json:"extensions,omitempty"`
	Metrics          map[string]float64 `json:"metrics,omitempty"`
}

// IndexEntry is one workspace index in the registry.
type IndexEntry struct {
	WorkspaceID   string `json:"workspace_id"`
	WorkspacePath string `json:"workspace_path"`
	TotalFiles    int    `json:"total_files"`
	IndexSize     string `json:"index_size"`
	LastUpdated   string `json:"last_updated"`
}

// encodeOutput encodes data in the specified format (json or toon).
func encodeOutput(data any, format string) (string, error) {
	switch format {
	case formatTOON:
		return gotoon.Encode(data)
	default: // "json"
		jsonBytes, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return "", err
		}
		return string(jsonBytes), nil
	}
}

// NewServer creates a new MCP server over eng. projectRoot is the workspace
// used by tools called without an explicit path.
func NewServer(eng *engine.Engine, projectRoot, version string) (*Server, error) {
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	s := &Server{
		engine:      eng,
		projectRoot: projectRoot,
	}

	s.mcpServer = server.NewMCPServer(
		serverName,
		version,
		server.WithToolCapabilities(false),
	)

	s.registerTools()

	return s, nil
}

// registerTools registers all codegrep tools with the MCP server.
func (s *Server) registerTools() {
	searchTool := mcp.NewTool("codegrep_search",
		mcp.WithDescription("Code search optimized for exact literals. Finds code fragments such as '$user_id', '->get(' or '@Override' and, when the index has embeddings, blends in semantic matches. Returns file paths, line ranges and scores."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Literal code fragment or natural language query"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results to return (default: 10)"),
		),
		mcp.WithString("extensions",
			mcp.Description("Comma-separated file extensions to search, e.g. 'go,rs' (optional)"),
		),
		mcp.WithString("path_prefix",
			mcp.Description("Only return files under this workspace-relative directory (optional)"),
		),
		mcp.WithBoolean("text_only",
			mcp.Description("Disable semantic matching (default: false)"),
		),
		mcp.WithBoolean("compact",
			mcp.Description("Return minimal output without content (default: false)"),
		),
		mcp.WithString("path",
			mcp.Description("Workspace directory (default: the server's project)"),
		),
		mcp.WithString("format",
			mcp.Description(formatParamDoc),
		),
	)
	s.mcpServer.AddTool(searchTool, s.handleSearch)

	indexStatusTool := mcp.NewTool("codegrep_index_status",
		mcp.WithDescription("Check the health and status of the codegrep index. Returns statistics about indexed files, chunks, and embeddings."),
		mcp.WithBoolean("verbose", mcp.Description("Include per-extension counts and metrics (optional).")),
		mcp.WithString("path",
			mcp.Description("Workspace directory (default: the server's project)"),
		),
		mcp.WithString("format",
			mcp.Description(formatParamDoc),
		),
	)
	s.mcpServer.AddTool(indexStatusTool, s.handleIndexStatus)

	indexTool := mcp.NewTool("codegrep_index",
		mcp.WithDescription("Index or refresh a workspace. Unchanged files are skipped."),
		mcp.WithBoolean("embeddings",
			mcp.Description("Also compute embeddings for semantic search (default: false)"),
		),
		mcp.WithBoolean("rebuild",
			mcp.Description("Discard the existing index and rebuild it (default: false)"),
		),
		mcp.WithString("path",
			mcp.Description("Workspace directory (default: the server's project)"),
		),
		mcp.WithString("format",
			mcp.Description(formatParamDoc),
		),
	)
	s.mcpServer.AddTool(indexTool, s.handleIndex)

	listTool := mcp.NewTool("codegrep_indexes_list",
		mcp.WithDescription("List every workspace index stored on this machine."),
		mcp.WithString("format",
			mcp.Description(formatParamDoc),
		),
	)
	s.mcpServer.AddTool(listTool, s.handleIndexesList)
}

func (s *Server) workspacePath(request mcp.CallToolRequest) string {
	if p := request.GetString("path", ""); p != "" {
		return p
	}
	return s.projectRoot
}

func requestFormat(request mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	format := request.GetString("format", formatJSON)
	if format != formatJSON && format != formatTOON {
		return "", mcp.NewToolResultError("format must be 'json' or 'toon'")
	}
	return format, nil
}

func toolError(action string, err error) *mcp.CallToolResult {
	if errors.Is(err, engine.ErrInput) {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", action, err))
}

func (s *Server) handleSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query parameter is required"), nil
	}
	format, bad := requestFormat(request)
	if bad != nil {
		return bad, nil
	}

	limit := request.GetInt("limit", defaultLimit)
	if limit <= 0 {
		limit = defaultLimit
	}
	opts := engine.SearchOptions{
		Limit:      limit,
		Extensions: splitList(request.GetString("extensions", "")),
		PathPrefix: request.GetString("path_prefix", ""),
		TextOnly:   request.GetBool("text_only", false),
	}

	hits, err := s.engine.Search(ctx, s.workspacePath(request), query, opts)
	if err != nil {
		return toolError("search", err), nil
	}

	output, err := encodeOutput(searchOutput(hits, request.GetBool("compact", false)), format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode results: %v", err)), nil
	}
	return mcp.NewToolResultText(output), nil
}

func searchOutput(hits []search.Hit, compact bool) any {
	if compact {
		out := make([]SearchResultCompact, len(hits))
		for i, h := range hits {
			out[i] = SearchResultCompact{
				FilePath:  h.Path,
				StartLine: h.StartLine,
				EndLine:   h.EndLine,
				Score:     h.Score,
			}
		}
		return out
	}
	out := make([]SearchResult, len(hits))
	for i, h := range hits {
		out[i] = SearchResult{
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

func (s *Server) handleIndexStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, bad := requestFormat(request)
	if bad != nil {
		return bad, nil
	}

	st, err := s.engine.Status(ctx, s.workspacePath(request), request.GetBool("verbose", false))
	if err != nil {
		return toolError("status", err), nil
	}

	status := IndexStatus{
		WorkspaceID:      st.WorkspaceID,
		WorkspacePath:    st.WorkspacePath,
		Indexed:          st.Indexed,
		Stale:            st.Stale,
		TotalFiles:       st.DocumentCount,
		TotalChunks:      st.ChunkCount,
		IndexSize:        formatBytes(st.SizeOnDisk),
		LastUpdated:      formatTime(st.LastUpdated),
		TokenizerVersion: st.TokenizerVersion,
		Embeddings:       st.EmbeddingsPresent,
		EmbeddingModel:   st.EmbeddingModel,
		Extensions:       st.Extensions,
		Metrics:          st.Metrics,
	}

	output, err := encodeOutput(status, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode status: %v", err)), nil
	}
	return mcp.NewToolResultText(output), nil
}

func (s *Server) handleIndex(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, bad := requestFormat(request)
	if bad != nil {
		return bad, nil
	}

	report, err := s.engine.Index(ctx, s.workspacePath(request), engine.IndexOptions{
		IncludeEmbeddings: request.GetBool("embeddings", false),
		ForceRebuild:      request.GetBool("rebuild", false),
	})
	if err != nil {
		return toolError("index", err), nil
	}

	output, err := encodeOutput(report, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode report: %v", err)), nil
	}
	return mcp.NewToolResultText(output), nil
}

func (s *Server) handleIndexesList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, bad := requestFormat(request)
	if bad != nil {
		return bad, nil
	}

	entries, err := s.engine.IndexesList(ctx)
	if err != nil {
		return toolError("list", err), nil
	}
	out := make([]IndexEntry, len(entries))
	for i, e := range entries {
		out[i] = IndexEntry{
			WorkspaceID:   e.ID,
			WorkspacePath: e.Path,
			TotalFiles:    e.Documents,
			IndexSize:     formatBytes(e.SizeOnDisk),
			LastUpdated:   formatTime(e.UpdatedAt),
		}
	}

	output, err := encodeOutput(out, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode indexes: %v", err)), nil
	}
	return mcp.NewToolResultText(output), nil
}

// Serve starts the MCP server using stdio transport.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func formatBytes(b int64) string {
	if b <= 0 {
		return "N/A"
	}
	return humanize.IBytes(uint64(b))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(timeLayout)
}
