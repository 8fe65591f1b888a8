// Package skills provides the immutable namespaced tool catalog the agent
// loop executes against. Skills register at startup behind the Skill
// capability; their tools are exposed to the LLM as "skill.tool".
package skills

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/cortex/pkg/models"
)

// RuntimeAPIVersion is the skill contract version this runtime honors.
const RuntimeAPIVersion = "1"

// skillIDPattern is the required form of a skill identifier.
var skillIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// ErrDBUnavailable is returned by ToolContext.DB on the default processor
// path, where scoped database access for skills is not yet designed.
var ErrDBUnavailable = errors.New("skill database access unavailable")

// Invocation carries one tool call into a skill: the local (unqualified)
// tool name and the raw argument JSON.
type Invocation struct {
	Tool      string
	Arguments json.RawMessage
}

// ToolContext is the per-execution environment handed to a skill.
type ToolContext struct {
	// Config is the per-skill configuration block, injected by the registry.
	Config map[string]any
}

// DB signals unavailable until scoped skill database access exists.
func (c *ToolContext) DB() (*sql.DB, error) {
	return nil, ErrDBUnavailable
}

// Skill is the capability every skill module implements.
type Skill interface {
	// Name is the stable lowercase skill identifier.
	Name() string

	// APIVersion is the runtime contract version the skill was built against.
	APIVersion() string

	// ListTools enumerates the tools this skill provides, with local names.
	ListTools() []models.ToolDefinition

	// Execute runs one tool call. Errors become tool-result errors upstream;
	// they never abort the agent loop.
	Execute(ctx context.Context, call Invocation, tctx *ToolContext) (*models.ToolResult, error)
}

type registeredTool struct {
	skill      Skill
	definition models.ToolDefinition // qualified name
	local      string
	mutating   bool
}

// Registry is the immutable tool catalog. Construction is one-shot at
// startup; lookups afterward need no locking.
type Registry struct {
	skills  map[string]Skill
	configs map[string]map[string]any
	tools   map[string]registeredTool
	ordered []models.ToolDefinition
}

// NewRegistry validates and indexes the given skills. Construction fails on a
// duplicate skill id, a malformed identifier, an api version mismatch, a
// duplicate qualified tool name, or a tool schema that does not compile.
func NewRegistry(list []Skill, configs map[string]map[string]any) (*Registry, error) {
	r := &Registry{
		skills:  make(map[string]Skill),
		configs: configs,
		tools:   make(map[string]registeredTool),
	}

	for _, skill := range list {
		if skill == nil {
			return nil, errors.New("nil skill")
		}
		id := skill.Name()
		if !skillIDPattern.MatchString(id) {
			return nil, fmt.Errorf("invalid skill identifier %q", id)
		}
		if _, exists := r.skills[id]; exists {
			return nil, fmt.Errorf("duplicate skill %q", id)
		}
		if v := skill.APIVersion(); v != RuntimeAPIVersion {
			return nil, fmt.Errorf("skill %q: api version %q does not match runtime version %q", id, v, RuntimeAPIVersion)
		}
		r.skills[id] = skill

		for _, tool := range skill.ListTools() {
			if tool.Name == "" {
				return nil, fmt.Errorf("skill %q: tool with empty name", id)
			}
			qualified := id + "." + tool.Name
			if _, exists := r.tools[qualified]; exists {
				return nil, fmt.Errorf("duplicate tool %q", qualified)
			}

			schema := tool.InputSchema
			if len(schema) == 0 {
				schema = json.RawMessage(`{"type":"object"}`)
			}
			if _, err := jsonschema.CompileString(qualified+".json", string(schema)); err != nil {
				return nil, fmt.Errorf("tool %q: invalid input schema: %w", qualified, err)
			}

			def := tool
			def.Name = qualified
			def.InputSchema = schema
			r.tools[qualified] = registeredTool{
				skill:      skill,
				definition: def,
				local:      tool.Name,
				mutating:   tool.MutatesState,
			}
			r.ordered = append(r.ordered, def)
		}
	}

	return r, nil
}

// Tools returns the full catalog with qualified names. The slice is a copy;
// callers cannot mutate the registry.
func (r *Registry) Tools() []models.ToolDefinition {
	out := make([]models.ToolDefinition, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// IsMutating reports whether a qualified tool declares state mutation.
func (r *Registry) IsMutating(qualifiedName string) bool {
	tool, ok := r.tools[qualifiedName]
	return ok && tool.mutating
}

// Execute locates the skill owning qualifiedName and runs the tool with the
// local name and the skill's config injected. Panics and errors from the
// skill become error results, never program failures.
func (r *Registry) Execute(ctx context.Context, qualifiedName string, arguments json.RawMessage) (result *models.ToolResult, err error) {
	tool, ok := r.tools[qualifiedName]
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", qualifiedName)
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("tool %s panicked: %v", qualifiedName, rec)
		}
	}()

	tctx := &ToolContext{}
	skillID := qualifiedName[:strings.IndexByte(qualifiedName, '.')]
	if cfg, ok := r.configs[skillID]; ok {
		tctx.Config = cfg
	}

	result, err = tool.skill.Execute(ctx, Invocation{Tool: tool.local, Arguments: arguments}, tctx)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("tool %s returned no result", qualifiedName)
	}
	return result, nil
}
