// Package mcp implements the MCP (Model Context Protocol) server for foilnotes.
// Agents see note metadata and plaintext notes only; encrypted notes are
// listed by ID and their content is never decrypted for a tool call.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/foilnotes/internal/config"
	"github.com/forest6511/foilnotes/pkg/audit"
	"github.com/forest6511/foilnotes/pkg/notes"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// Server represents the MCP server for foilnotes.
type Server struct {
	server *mcp.Server
	notes  *notes.Service
	logger *slog.Logger
}

// ServerOptions contains configuration options for the MCP server.
type ServerOptions struct {
	// Dir is the data directory. If empty, config.Dir() is used.
	Dir string

	// Password optionally unlocks the key so the session is audited.
	// If empty, FOILNOTES_PASSWORD is read; if that is unset too the
	// server runs locked.
	Password []byte

	// AutoLock overrides lock.auto_lock from the config when set.
	AutoLock string

	Logger *slog.Logger
}

// NewServer opens the data directory and creates a server over it.
func NewServer(ctx context.Context, opts *ServerOptions) (*Server, error) {
	if opts == nil {
		opts = &ServerOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "mcp")

	dir := opts.Dir
	if dir == "" {
		var err error
		if dir, err = config.Dir(); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	var autoLock time.Duration
	if opts.AutoLock != "" {
		if autoLock, err = config.ParseAutoLock(opts.AutoLock); err != nil {
			return nil, fmt.Errorf("invalid auto-lock: %w", err)
		}
	}
	svc, err := notes.Open(ctx, dir, cfg, audit.SourceMCP, logger, nil)
	if err != nil {
		return nil, err
	}
	if opts.AutoLock != "" {
		svc.Controller().SetAutoLock(autoLock)
	}

	password := opts.Password
	if len(password) == 0 {
		password, err = config.PasswordFromEnv()
		if err != nil && !errors.Is(err, config.ErrNoPassword) {
			svc.Close()
			return nil, err
		}
	}
	if len(password) > 0 {
		if err := svc.Unlock(ctx, password); err != nil {
			svc.Close()
			return nil, fmt.Errorf("failed to unlock: %w", err)
		}
	}

	return newServer(svc, logger), nil
}

func newServer(svc *notes.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		server: mcp.NewServer(
			&mcp.Implementation{
				Name:    "foilnotes",
				Version: Version,
			},
			nil,
		),
		notes:  svc,
		logger: logger,
	}
	s.registerTools()
	return s
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "note_status",
		Description: "Report whether foilnotes is initialized and unlocked, and how many plaintext and encrypted notes exist.",
	}, s.handleStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "note_list",
		Description: "List notes in display order. Plaintext notes include title, color and timestamps; encrypted notes are listed by ID only.",
	}, s.handleList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "note_exists",
		Description: "Check whether a note ID exists and whether it is encrypted. Does NOT return note content.",
	}, s.handleExists)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "note_get",
		Description: "Get the full content of a plaintext note. Encrypted notes are refused.",
	}, s.handleGet)
}

// Run starts the MCP server using stdio transport.
func (s *Server) Run(ctx context.Context) error {
	defer s.notes.Lock()

	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Close locks and closes the underlying store.
func (s *Server) Close() error {
	return s.notes.Close()
}
