package service

import (
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/satlens/kit"
)

// RegisterMCP adds the satlens_annotate tool to srv.
func RegisterMCP(srv *mcp.Server, svc *Service, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ep := kit.Chain(kit.Recover(), kit.Logging(logger, "satlens_annotate"))(AnnotateEndpoint(svc))

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "satlens_annotate",
		Description: "Annotate fiat prices in an HTML document with their bitcoin value at the given rate (fiat per BTC). Pass html, or url to fetch the page.",
		InputSchema: kit.ObjectSchema(map[string]any{
			"html":     map[string]any{"type": "string", "description": "HTML document or fragment"},
			"url":      map[string]any{"type": "string", "description": "Page URL; fetched when html is empty"},
			"rate":     map[string]any{"type": "number", "description": "Fiat units per BTC"},
			"fragment": map[string]any{"type": "boolean", "description": "Return only the body content"},
			"sanitize": map[string]any{"type": "boolean", "description": "Strip active content before scanning"},
			"render":   map[string]any{"type": "boolean", "description": "Load url in a headless browser"},
		}, "rate"),
	}, ep, kit.DecodeJSON[Request]())
}
