package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/lensdesk/internal/model"
)

const defaultLowStock = 5

// Inventory is the client-side view of the catalog the MCP tools act on.
// Reads are served by the cache; writes go through the sync core and may be
// deferred to the offline queue. Implemented by app.Core.
type Inventory interface {
	Products(ctx context.Context) []model.Product
	LookupBarcode(ctx context.Context, code string) (model.Product, error)
	SetStock(ctx context.Context, id string, stock int, surtido *int) (queued bool, err error)
	RecentSales(ctx context.Context, limit int) []model.Sale
	QueueStatus() (pending, dead int, err error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Inventory Inventory
	LowStock  int // threshold for low_stock filters, default 5
}

// NewMCPServer creates an MCP server with the inventory tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.LowStock <= 0 {
		deps.LowStock = defaultLowStock
	}

	s := server.NewMCPServer(
		"lensdesk",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("lensdesk: lens catalog, stock levels and recent sales of the point of sale."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_products",
			mcp.WithDescription("List catalog products, optionally filtered by a name substring or to low stock only."),
			mcp.WithString("query", mcp.Description("Case-insensitive substring of the product name")),
			mcp.WithBoolean("low_stock", mcp.Description("Only products at or below the low-stock threshold")),
		),
		mcpListProducts(deps),
	)

	s.AddTool(
		mcp.NewTool("lookup_barcode",
			mcp.WithDescription("Find the product carrying a barcode."),
			mcp.WithString("code", mcp.Description("Scanned barcode"), mcp.Required()),
		),
		mcpLookupBarcode(deps),
	)

	s.AddTool(
		mcp.NewTool("set_stock",
			mcp.WithDescription("Set the stock counters of a product. Queued for later if the backend is offline."),
			mcp.WithString("id", mcp.Description("Product id"), mcp.Required()),
			mcp.WithNumber("stock", mcp.Description("New stock on hand"), mcp.Required()),
			mcp.WithNumber("stock_surtido", mcp.Description("New assorted stock (optional)")),
		),
		mcpSetStock(deps),
	)

	s.AddTool(
		mcp.NewTool("recent_sales",
			mcp.WithDescription("Return the most recent sales."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of sales (default 10)")),
		),
		mcpRecentSales(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"inventory://low-stock",
			"Low Stock",
			mcp.WithResourceDescription("Products at or below the low-stock threshold as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceLowStock(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"inventory://offline-queue",
			"Offline Queue",
			mcp.WithResourceDescription("Number of pending and dead-lettered offline writes"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceQueue(deps),
	)

	return s
}

func lowStock(products []model.Product, threshold int) []model.Product {
	out := []model.Product{}
	for _, p := range products {
		if p.Stock <= threshold {
			out = append(out, p)
		}
	}
	return out
}

func mcpListProducts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		products := deps.Inventory.Products(ctx)
		if req.GetBool("low_stock", false) {
			products = lowStock(products, deps.LowStock)
		}
		if q := strings.ToLower(strings.TrimSpace(req.GetString("query", ""))); q != "" {
			filtered := []model.Product{}
			for _, p := range products {
				if strings.Contains(strings.ToLower(p.Name), q) {
					filtered = append(filtered, p)
				}
			}
			products = filtered
		}
		return mcpJSON(products)
	}
}

func mcpLookupBarcode(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		code, err := req.RequireString("code")
		if err != nil || strings.TrimSpace(code) == "" {
			return mcpError("code is required"), nil
		}
		p, err := deps.Inventory.LookupBarcode(ctx, code)
		if err != nil {
			return mcpError(fmt.Sprintf("lookup failed: %v", err)), nil
		}
		return mcpJSON(p)
	}
}

func mcpSetStock(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil || id == "" {
			return mcpError("id is required"), nil
		}
		stock, err := req.RequireInt("stock")
		if err != nil {
			return mcpError("stock is required"), nil
		}
		if stock < 0 {
			return mcpError("stock must not be negative"), nil
		}
		var surtido *int
		if _, ok := req.GetArguments()["stock_surtido"]; ok {
			v := req.GetInt("stock_surtido", 0)
			if v < 0 {
				return mcpError("stock_surtido must not be negative"), nil
			}
			surtido = &v
		}

		queued, err := deps.Inventory.SetStock(ctx, id, stock, surtido)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to set stock: %v", err)), nil
		}
		if queued {
			return mcpText(fmt.Sprintf("Backend offline: stock of %s queued as %d", id, stock)), nil
		}
		return mcpText(fmt.Sprintf("Stock of %s set to %d", id, stock)), nil
	}
}

func mcpRecentSales(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}
		return mcpJSON(deps.Inventory.RecentSales(ctx, limit))
	}
}

func mcpResourceLowStock(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(lowStock(deps.Inventory.Products(ctx), deps.LowStock))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal products: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceQueue(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		pending, dead, err := deps.Inventory.QueueStatus()
		if err != nil {
			return nil, fmt.Errorf("failed to read offline queue: %w", err)
		}
		b, err := json.Marshal(map[string]int{"pending": pending, "dead": dead})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal queue status: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
