package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/foilnotes/pkg/audit"
	"github.com/forest6511/foilnotes/pkg/lock"
	"github.com/forest6511/foilnotes/pkg/note"
	"github.com/forest6511/foilnotes/pkg/store"
)

// previewLength is the preview size in note_list.
const previewLength = 80

// StatusInput represents input for note_status tool.
type StatusInput struct{}

// StatusOutput represents output for note_status tool.
type StatusOutput struct {
	Initialized bool   `json:"initialized"`
	State       string `json:"state"`
	Plaintext   int    `json:"plaintext_notes"`
	Encrypted   int    `json:"encrypted_notes"`
}

// ListInput represents input for note_list tool.
type ListInput struct {
	IncludePreview bool `json:"include_preview,omitempty"`
}

// ListOutput represents output for note_list tool.
type ListOutput struct {
	Notes     []NoteInfo `json:"notes"`
	Encrypted []string   `json:"encrypted"`
}

// NoteInfo represents metadata for a plaintext note.
type NoteInfo struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Color      string `json:"color"`
	Preview    string `json:"preview,omitempty"`
	CreatedAt  string `json:"created_at"`
	ModifiedAt string `json:"modified_at"`
}

// NoteIDInput represents input for note_exists and note_get tools.
type NoteIDInput struct {
	ID string `json:"id"`
}

// ExistsOutput represents output for note_exists tool.
type ExistsOutput struct {
	ID        string `json:"id"`
	Exists    bool   `json:"exists"`
	Encrypted bool   `json:"encrypted"`
}

// GetOutput represents output for note_get tool.
type GetOutput struct {
	NoteInfo
	Body string `json:"body"`
}

// Every handler counts as user activity and restarts the idle timer of an
// unlocked session.

// errEncryptedNote is returned instead of encrypted note content.
var errEncryptedNote = errors.New("note is encrypted; its content is not available to tools")

func (s *Server) handleStatus(ctx context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, StatusOutput, error) {
	s.notes.Touch()
	initialized, err := s.notes.Initialized(ctx)
	if err != nil {
		return nil, StatusOutput{}, fmt.Errorf("failed to read key record: %w", err)
	}
	plain, err := s.notes.IDs(ctx, false)
	if err != nil {
		return nil, StatusOutput{}, fmt.Errorf("failed to count notes: %w", err)
	}
	encrypted, err := s.notes.IDs(ctx, true)
	if err != nil {
		return nil, StatusOutput{}, fmt.Errorf("failed to count notes: %w", err)
	}
	return nil, StatusOutput{
		Initialized: initialized,
		State:       s.notes.State().String(),
		Plaintext:   len(plain),
		Encrypted:   len(encrypted),
	}, nil
}

func (s *Server) handleList(ctx context.Context, _ *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, ListOutput, error) {
	s.notes.Touch()
	listing, err := s.notes.List(ctx)
	if err != nil {
		return nil, ListOutput{}, fmt.Errorf("failed to list notes: %w", err)
	}

	output := ListOutput{
		Notes:     make([]NoteInfo, 0, len(listing.Notes)),
		Encrypted: listing.Encrypted,
	}
	if output.Encrypted == nil {
		output.Encrypted = []string{}
	}
	for _, n := range listing.Notes {
		info := noteInfo(n)
		if input.IncludePreview {
			info.Preview = n.Preview(previewLength)
		}
		output.Notes = append(output.Notes, info)
	}
	return nil, output, nil
}

func (s *Server) handleExists(ctx context.Context, _ *mcp.CallToolRequest, input NoteIDInput) (*mcp.CallToolResult, ExistsOutput, error) {
	s.notes.Touch()
	if input.ID == "" {
		return nil, ExistsOutput{}, errors.New("id is required")
	}
	for _, encrypted := range []bool{false, true} {
		ids, err := s.notes.IDs(ctx, encrypted)
		if err != nil {
			return nil, ExistsOutput{}, fmt.Errorf("failed to list notes: %w", err)
		}
		for _, id := range ids {
			if id == input.ID {
				return nil, ExistsOutput{ID: input.ID, Exists: true, Encrypted: encrypted}, nil
			}
		}
	}
	return nil, ExistsOutput{ID: input.ID}, nil
}

func (s *Server) handleGet(ctx context.Context, _ *mcp.CallToolRequest, input NoteIDInput) (*mcp.CallToolResult, GetOutput, error) {
	s.notes.Touch()
	if input.ID == "" {
		return nil, GetOutput{}, errors.New("id is required")
	}

	// Never route encrypted notes through Get, which would decrypt them.
	encrypted, err := s.notes.IDs(ctx, true)
	if err != nil {
		return nil, GetOutput{}, fmt.Errorf("failed to list notes: %w", err)
	}
	for _, id := range encrypted {
		if id == input.ID {
			return nil, GetOutput{}, errEncryptedNote
		}
	}

	n, err := s.notes.Get(ctx, input.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, GetOutput{}, fmt.Errorf("note %q not found", input.ID)
		}
		return nil, GetOutput{}, fmt.Errorf("failed to get note: %w", err)
	}
	if n.Encrypted {
		return nil, GetOutput{}, errEncryptedNote
	}
	s.auditRead(input.ID)
	return nil, GetOutput{NoteInfo: noteInfo(n), Body: n.Body}, nil
}

// auditRead records a tool read when the session is unlocked.
func (s *Server) auditRead(id string) {
	l := s.notes.Audit()
	if l == nil || s.notes.State() != lock.Unlocked {
		return
	}
	if err := l.LogSuccess(audit.OpNoteRead, id); err != nil {
		s.logger.Warn("audit write failed", "op", audit.OpNoteRead, "error", err)
	}
}

func noteInfo(n *note.Note) NoteInfo {
	return NoteInfo{
		ID:         n.ID,
		Title:      n.Title,
		Color:      n.Color.String(),
		CreatedAt:  n.CreatedAt.Format(time.RFC3339),
		ModifiedAt: n.ModifiedAt.Format(time.RFC3339),
	}
}
