package mcpserver

import (
	"strings"
	"testing"

	"github.com/starford/mkb/internal/testutil"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	svc, _ := testutil.TestService(t)
	return New(svc)
}

func TestNew_RegistersServer(t *testing.T) {
	s := testServer(t)
	if s.MCPServer() == nil {
		t.Fatal("MCP server not constructed")
	}
}

func TestDocumentContract_MentionsTemporalGate(t *testing.T) {
	for _, want := range []string{"observed_at", "temporal_precision", "superseded_by", "frontmatter"} {
		if !strings.Contains(strings.ToLower(DocumentFormatContract), strings.ToLower(want)) {
			t.Errorf("contract does not mention %s", want)
		}
	}
}
