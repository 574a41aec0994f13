package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Skills live under <workspace>/skills, one directory per skill with a
// SKILL.md holding yaml frontmatter and markdown instructions. Drafts
// sit under skills/drafts until registered.
const (
	skillsDir      = "skills"
	skillDraftsDir = "drafts"
	skillFileName  = "SKILL.md"
)

var skillNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

type skillFrontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type draftSkillParams struct {
	Name         string `json:"name" jsonschema:"description=Skill name (lowercase with hyphens)"`
	Description  string `json:"description" jsonschema:"description=What the skill does and when to use it"`
	Instructions string `json:"instructions" jsonschema:"description=Markdown instructions the skill provides"`
}

// DraftSkillTool writes a skill draft into the workspace.
type DraftSkillTool struct {
	resolver resolver
}

// NewDraftSkillTool creates a draft tool rooted at the workspace.
func NewDraftSkillTool(workspace string) *DraftSkillTool {
	return &DraftSkillTool{resolver: resolver{root: workspace}}
}

func (t *DraftSkillTool) Name() string { return "draft_skill" }

func (t *DraftSkillTool) Description() string {
	return "Draft a reusable skill. Drafts must be registered with register_skill before they take effect."
}

func (t *DraftSkillTool) Schema() json.RawMessage {
	return inputSchema(&draftSkillParams{})
}

func (t *DraftSkillTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var input draftSkillParams
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if !skillNameRe.MatchString(input.Name) {
		return errorResult("skill name must be lowercase letters, digits, and hyphens"), nil
	}
	if strings.TrimSpace(input.Instructions) == "" {
		return errorResult("instructions are required"), nil
	}

	draftDir, err := t.resolver.resolve(filepath.Join(skillsDir, skillDraftsDir, input.Name))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if err := os.MkdirAll(draftDir, 0o755); err != nil {
		return errorResult(fmt.Sprintf("create draft directory: %v", err)), nil
	}

	content, err := renderSkill(skillFrontmatter{
		Name:        input.Name,
		Description: input.Description,
	}, input.Instructions)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if err := os.WriteFile(filepath.Join(draftDir, skillFileName), content, 0o644); err != nil {
		return errorResult(fmt.Sprintf("write draft: %v", err)), nil
	}
	return textResult(fmt.Sprintf("drafted skill %q; call register_skill to activate it", input.Name)), nil
}

func renderSkill(fm skillFrontmatter, instructions string) ([]byte, error) {
	meta, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("encode frontmatter: %w", err)
	}
	var b strings.Builder
	b.WriteString("---\n")
	b.Write(meta)
	b.WriteString("---\n\n")
	b.WriteString(strings.TrimSpace(instructions))
	b.WriteString("\n")
	return []byte(b.String()), nil
}

type registerSkillParams struct {
	Name string `json:"name" jsonschema:"description=Name of a previously drafted skill"`
}

// RegisterSkillTool promotes a drafted skill into the active set.
type RegisterSkillTool struct {
	resolver resolver
}

// NewRegisterSkillTool creates a register tool rooted at the workspace.
func NewRegisterSkillTool(workspace string) *RegisterSkillTool {
	return &RegisterSkillTool{resolver: resolver{root: workspace}}
}

func (t *RegisterSkillTool) Name() string { return "register_skill" }

func (t *RegisterSkillTool) Description() string {
	return "Register a previously drafted skill, making it active for future sessions."
}

func (t *RegisterSkillTool) Schema() json.RawMessage {
	return inputSchema(&registerSkillParams{})
}

func (t *RegisterSkillTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var input registerSkillParams
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if !skillNameRe.MatchString(input.Name) {
		return errorResult("skill name must be lowercase letters, digits, and hyphens"), nil
	}

	draftDir, err := t.resolver.resolve(filepath.Join(skillsDir, skillDraftsDir, input.Name))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	draftFile := filepath.Join(draftDir, skillFileName)
	if _, err := os.Stat(draftFile); err != nil {
		return errorResult(fmt.Sprintf("no draft named %q; call draft_skill first", input.Name)), nil
	}

	activeDir, err := t.resolver.resolve(filepath.Join(skillsDir, input.Name))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if err := os.MkdirAll(filepath.Dir(activeDir), 0o755); err != nil {
		return errorResult(fmt.Sprintf("create skills directory: %v", err)), nil
	}
	if err := os.RemoveAll(activeDir); err != nil {
		return errorResult(fmt.Sprintf("replace existing skill: %v", err)), nil
	}
	if err := os.Rename(draftDir, activeDir); err != nil {
		return errorResult(fmt.Sprintf("register skill: %v", err)), nil
	}
	return textResult(fmt.Sprintf("registered skill %q", input.Name)), nil
}
