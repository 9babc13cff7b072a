// Package fileguard protects destructive file operations. Before a delete
// or overwrite proceeds, the guard asks the control host whether the file
// is currently in use. Any doubt denies: a host error, timeout, or
// disconnect blocks the mutation rather than risking the active print.
package fileguard

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/homepods/printbridge/errors"
)

// queryPath is the host command for checking whether a file is in use.
const queryPath = "/printer/files/in_use"

// Requester issues a correlated request to the control host.
type Requester interface {
	MakeRequest(ctx context.Context, path, method string, args map[string]any) (json.RawMessage, error)
}

// Guard gates file mutations on live host state.
type Guard struct {
	requester Requester
}

// New creates a guard.
func New(requester Requester) (*Guard, error) {
	if requester == nil {
		return nil, errors.Wrap(errors.ErrMissingConfig, "Guard", "New", "requester")
	}
	return &Guard{requester: requester}, nil
}

// inUseResult is the host's answer to an in-use query.
type inUseResult struct {
	InUse bool `json:"in_use"`
}

// CheckMutationAllowed returns nil when filename may be safely deleted or
// overwritten. It fails closed: when the host cannot confirm the file is
// idle, for any reason, the mutation is denied.
func (g *Guard) CheckMutationAllowed(ctx context.Context, filename string) error {
	raw, err := g.requester.MakeRequest(ctx, queryPath, "GET", map[string]any{"filename": filename})
	if err != nil {
		slog.Warn("File in-use query failed, denying mutation", "filename", filename, "error", err)
		return errors.Wrap(errors.ErrMutationDenied, "Guard", "CheckMutationAllowed", "host state unknown")
	}

	var result inUseResult
	if err := json.Unmarshal(raw, &result); err != nil {
		slog.Warn("File in-use query returned malformed result, denying mutation",
			"filename", filename, "error", err)
		return errors.Wrap(errors.ErrMutationDenied, "Guard", "CheckMutationAllowed", "malformed host answer")
	}

	if result.InUse {
		return errors.Wrap(errors.ErrMutationDenied, "Guard", "CheckMutationAllowed", "file is in use")
	}
	return nil
}
