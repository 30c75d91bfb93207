// Package workspace resolves per-project working directories and prepares the
// one-time instruction handed to a freshly started agent.
package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/remote-agent-terminal/gateway/internal/model"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateID reports whether id can be used as a single path segment.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", model.ErrInvalidID, id)
	}
	return nil
}

// OwnerSegment maps an opaque identity id to a directory name. Ids that are
// already valid segments are used as is; any other id becomes "_" followed
// by the hex SHA-256 of the id, which no valid id can start with.
func OwnerSegment(ownerID string) string {
	if ValidateID(ownerID) == nil {
		return ownerID
	}
	sum := sha256.Sum256([]byte(ownerID))
	return "_" + hex.EncodeToString(sum[:])
}

// Resolver maps (owner, project) pairs to directories under a root.
type Resolver struct {
	root string
}

// NewResolver creates a resolver rooted at root. The root is made absolute so
// the path handed to the agent does not depend on the server's cwd.
func NewResolver(root string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root %s: %w", root, err)
	}
	return &Resolver{root: abs}, nil
}

// Root returns the absolute workspace root.
func (r *Resolver) Root() string {
	return r.root
}

// Resolve returns <root>/<owner segment>/<project> without touching the
// filesystem.
func (r *Resolver) Resolve(ownerID, projectID string) (string, error) {
	if ownerID == "" {
		return "", fmt.Errorf("owner: %w: empty", model.ErrInvalidID)
	}
	if err := ValidateID(projectID); err != nil {
		return "", fmt.Errorf("project: %w", err)
	}
	return filepath.Join(r.root, OwnerSegment(ownerID), projectID), nil
}

// Owns reports whether ownerID already has a working directory for projectID,
// that is, whether a session of that owner has worked on the project.
func (r *Resolver) Owns(ownerID, projectID string) bool {
	dir, err := r.Resolve(ownerID, projectID)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// Ensure creates dir and its parents when missing.
func Ensure(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create working directory %s: %w", dir, err)
	}
	return nil
}

// Info describes the session an instruction is prepared for.
type Info struct {
	SessionID string
	OwnerID   string
	ProjectID string
	Workdir   string
}

// Preparer produces the optional one-time instruction for a new session.
// An empty string means there is nothing to send.
type Preparer interface {
	Prepare(ctx context.Context, info Info) (string, error)
}

// PreparerFunc adapts a function to Preparer.
type PreparerFunc func(ctx context.Context, info Info) (string, error)

// Prepare implements Preparer.
func (f PreparerFunc) Prepare(ctx context.Context, info Info) (string, error) {
	return f(ctx, info)
}

// maxListedEntries caps the directory listing included in the instruction.
const maxListedEntries = 20

// ContextPreparer describes the project's existing files so the agent starts
// oriented. A project without files gets no instruction.
type ContextPreparer struct{}

// Prepare implements Preparer.
func (ContextPreparer) Prepare(ctx context.Context, info Info) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	entries, err := os.ReadDir(info.Workdir)
	if err != nil {
		return "", fmt.Errorf("failed to read working directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)

	more := ""
	if len(names) > maxListedEntries {
		more = fmt.Sprintf(" (and %d more)", len(names)-maxListedEntries)
		names = names[:maxListedEntries]
	}

	return fmt.Sprintf(
		"You are working on project %q in %s. The project already contains: %s%s. "+
			"Review the existing files before making changes and keep edits inside this directory.",
		info.ProjectID, info.Workdir, strings.Join(names, ", "), more,
	), nil
}
