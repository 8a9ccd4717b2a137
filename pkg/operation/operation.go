package operation

import (
	"fmt"
	"strings"
	"time"

	"github.com/jamalex/notion-py/pkg/constants"
	"github.com/jamalex/notion-py/pkg/models"
)

type Command string

const (
	CommandSet        Command = "set"
	CommandUpdate     Command = "update"
	CommandListAfter  Command = "listAfter"
	CommandListBefore Command = "listBefore"
	CommandListRemove Command = "listRemove"
)

// IsList reports whether the command operates on an ordered sequence.
// Missing path segments are created as lists for these commands.
func (c Command) IsList() bool {
	return strings.Contains(string(c), "list")
}

func (c Command) Valid() bool {
	switch c {
	case CommandSet, CommandUpdate, CommandListAfter, CommandListBefore, CommandListRemove:
		return true
	}
	return false
}

// Operation is one addressed mutation, in the shape submitTransaction takes.
type Operation struct {
	Table   models.Table `json:"table"`
	ID      string       `json:"id"`
	Path    Path         `json:"path"`
	Command Command      `json:"command"`
	Args    any          `json:"args"`
}

// Key returns the record the operation targets.
func (op Operation) Key() models.RecordKey {
	return models.RecordKey{Table: op.Table, ID: op.ID}
}

func (op Operation) Validate() error {
	if op.Table == "" || op.ID == "" {
		return fmt.Errorf("%w: operation needs a table and an id", constants.ErrInvalidIdentifier)
	}
	if !op.Command.Valid() {
		return fmt.Errorf("%w: %q", constants.ErrUnknownCommand, op.Command)
	}
	return nil
}

type buildOptions struct {
	command Command
	table   models.Table
}

type BuildOption func(*buildOptions)

func WithCommand(c Command) BuildOption {
	return func(o *buildOptions) {
		o.command = c
	}
}

func WithTable(t models.Table) BuildOption {
	return func(o *buildOptions) {
		o.table = t
	}
}

// Build constructs an operation. The command defaults to set and the table
// to block. path accepts every form ParsePath does.
func Build(id string, path any, args any, opts ...BuildOption) (Operation, error) {
	o := buildOptions{command: CommandSet, table: models.TableBlock}
	for _, opt := range opts {
		opt(&o)
	}

	p, err := ParsePath(path)
	if err != nil {
		return Operation{}, err
	}

	op := Operation{
		Table:   o.table,
		ID:      id,
		Path:    p,
		Command: o.command,
		Args:    args,
	}
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// UpdateLastEdited builds the metadata update the web client sends with
// every batch that touches a block.
func UpdateLastEdited(userID, blockID string, now time.Time) Operation {
	return Operation{
		Table:   models.TableBlock,
		ID:      blockID,
		Path:    Path{},
		Command: CommandUpdate,
		Args: map[string]any{
			"last_edited_by":   userID,
			"last_edited_time": models.Millis(now),
		},
	}
}

// WithLastEdited returns ops followed by one last-edited update per distinct
// block id touched, in first-seen order. An empty userID disables stamping.
func WithLastEdited(ops []Operation, userID string, now time.Time) []Operation {
	out := make([]Operation, 0, len(ops)+1)
	out = append(out, ops...)
	if userID == "" {
		return out
	}

	seen := make(map[string]struct{})
	for _, op := range ops {
		if op.Table != models.TableBlock {
			continue
		}
		if _, ok := seen[op.ID]; ok {
			continue
		}
		seen[op.ID] = struct{}{}
		out = append(out, UpdateLastEdited(userID, op.ID, now))
	}
	return out
}
