// Package mcpserver provides an MCP (Model Context Protocol) server that
// exposes the MKB query surface for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/mkb/internal/docservice"
	"github.com/starford/mkb/internal/query"
)

// Server wraps the MCP server with MKB tools.
type Server struct {
	mcp *server.MCPServer
	svc *docservice.Service
}

// New creates a new MCP server with all MKB tools registered.
func New(svc *docservice.Service) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"MKB",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("query",
		mcp.WithDescription("Run an MKQL query against the knowledge base. "+
			"Example: SELECT title, status FROM project WHERE CURRENT() LIMIT 10"),
		mcp.WithString("mkql", mcp.Required(), mcp.Description("The MKQL query string")),
	), s.runQuery)

	s.mcp.AddTool(mcp.NewTool("read_document",
		mcp.WithDescription("Read the full content of a document by id."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Document id, e.g. proj-alpha-001")),
	), s.readDocument)

	s.mcp.AddTool(mcp.NewTool("assemble_context",
		mcp.WithDescription("Run an MKQL query and pack the results into a "+
			"token-budgeted context block for LLM consumption."),
		mcp.WithString("mkql", mcp.Required(), mcp.Description("The MKQL query string")),
		mcp.WithNumber("window", mcp.Description("Token budget; defaults to the query's CONTEXT WINDOW, else 4000")),
	), s.assembleContext)

	s.mcp.AddTool(mcp.NewTool("list_types",
		mcp.WithDescription("List the document types the knowledge base accepts."),
	), s.listTypes)

	s.mcp.AddTool(mcp.NewTool("get_document_contract",
		mcp.WithDescription("Returns the canonical MKB document format contract. "+
			"Call this before authoring documents: the temporal gate rejects "+
			"files without observed_at."),
	), s.getDocumentContract)

	s.mcp.AddResource(
		mcp.NewResource("mkb://document-format", "Document Format Contract",
			mcp.WithResourceDescription("Canonical markdown document format the temporal gate admits."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readDocumentFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) runQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	mkqlStr, err := req.RequireString("mkql")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := s.svc.Executor().Query(ctx, mkqlStr)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) readDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path, err := s.svc.Store().PathByID(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	}
	data, err := s.svc.Vault().FS().ReadFile(path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) assembleContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	mkqlStr, err := req.RequireString("mkql")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := s.svc.Executor().Query(ctx, mkqlStr)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	window := result.Formatting.Window
	if w := req.GetFloat("window", 0); w > 0 {
		window = int(w)
	}
	if window == 0 {
		window = 4000
	}
	assembled := query.Assemble(result.Docs, query.AssembleOpts{Window: window, Format: result.Formatting.Format})
	if assembled.Diagnostic != "" {
		return mcp.NewToolResultText(fmt.Sprintf("(empty context: %s)", assembled.Diagnostic)), nil
	}
	return mcp.NewToolResultText(assembled.Text), nil
}

func (s *Server) listTypes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(strings.Join(s.svc.Vault().Registry().Types(), "\n")), nil
}

func (s *Server) getDocumentContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(DocumentFormatContract), nil
}

func (s *Server) readDocumentFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "mkb://document-format",
			MIMEType: "text/markdown",
			Text:     DocumentFormatContract,
		},
	}, nil
}
