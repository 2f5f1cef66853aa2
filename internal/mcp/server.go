package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"claimwatch/internal/config"
	"claimwatch/internal/correlator"
	"claimwatch/internal/mangle"
	"claimwatch/internal/store"
	"claimwatch/internal/views"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Views is the part of the view manager the tools drive.
type Views interface {
	List(tier views.Tier) []views.Context
	Snapshot(tier views.Tier) views.Snapshot
	CreateNested(url, title string, switchTo, closable bool) (int, error)
	Switch(ref views.Ref) bool
	Close(ref views.Ref) bool
	LoadActive(url string) (int, error)
	Zoom(ref views.Ref, factor float64) (float64, bool)
	ClearWebSession() error
	Resize(size views.Size) []views.Placement
	ComputeBounds(size views.Size) []views.Placement
}

// Metrics is the read side of the metrics tracker.
type Metrics interface {
	SessionID() int64
	User() string
	SessionSummary(ctx context.Context, sessionID int64) (store.SessionSummary, error)
	CurrentSummary(ctx context.Context) (store.SessionSummary, error)
	ClaimMetrics(ctx context.Context, f store.ClaimFilter) ([]store.ClaimTypeMetrics, error)
	UserMetrics(ctx context.Context, user string) (store.UserMetrics, error)
}

// Claims feeds the correlator and reads its state. correlator.Queue
// implements it.
type Claims interface {
	Submit(in correlator.Input) error
	State(ctx context.Context) (correlator.State, error)
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the session components exposed over MCP. Nil members leave their
// tools unregistered.
type Deps struct {
	Views    Views
	Metrics  Metrics
	Claims   Claims
	Engine   *mangle.Engine
	UI       *UI
	Store    Pinger
	TraceDir string
}

// Server wires the MCP runtime to the claim session.
type Server struct {
	cfg       config.Config
	deps      Deps
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer constructs the claimwatch MCP server and registers all tools.
func NewServer(cfg config.Config, deps Deps) (*Server, error) {
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	if deps.UI != nil {
		deps.UI.SetPublisher(func(method string, params map[string]any) {
			mcpSrv.SendNotificationToAllClients(method, params)
		})
	}

	server := &Server{
		cfg:       cfg,
		deps:      deps,
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}

	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// Start serves MCP over stdio until ctx is cancelled or stdin closes.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Printf("SSE server shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool executes a tool directly (used by tests).
func (s *Server) ExecuteTool(name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return tool.Execute(context.Background(), args)
}

func (s *Server) registerAllTools() {
	d := s.deps

	// Content contexts
	if d.Views != nil {
		s.registerTool(&ListViewsTool{views: d.Views})
		s.registerTool(&CreateViewTool{views: d.Views})
		s.registerTool(&SwitchViewTool{views: d.Views})
		s.registerTool(&CloseViewTool{views: d.Views})
		s.registerTool(&LoadURLTool{views: d.Views})
		s.registerTool(&ZoomViewTool{views: d.Views})
		s.registerTool(&ClearSessionTool{views: d.Views})
		s.registerTool(&ResizeHostTool{views: d.Views})
	}

	// Claim lifecycle
	if d.Claims != nil {
		s.registerTool(&CurrentClaimTool{claims: d.Claims, ui: d.UI})
		s.registerTool(&EndClaimTool{claims: d.Claims})
	}

	// Metrics reads
	if d.Metrics != nil {
		s.registerTool(&SessionSummaryTool{metrics: d.Metrics})
		s.registerTool(&ClaimMetricsTool{metrics: d.Metrics})
		s.registerTool(&UserMetricsTool{metrics: d.Metrics})
	}
	if d.TraceDir != "" {
		s.registerTool(&ListTracesTool{dir: d.TraceDir})
	}

	// Derived claim state
	if d.Engine != nil {
		s.registerTool(&QueryFactsTool{engine: d.Engine})
		s.registerTool(&EvaluateRuleTool{engine: d.Engine})
		s.registerTool(&SubmitRuleTool{engine: d.Engine})
		s.registerTool(&QueryTemporalTool{engine: d.Engine})
	}
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: false,
		}, nil
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}

	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
