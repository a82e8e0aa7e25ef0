package models

import (
	"fmt"
	"time"
)

// OperationType is the kind of action a template intends to perform.
type OperationType string

const (
	OpFileRead       OperationType = "file_read"
	OpFileWrite      OperationType = "file_write"
	OpFileDelete     OperationType = "file_delete"
	OpShellExecute   OperationType = "shell_execute"
	OpNetworkAccess  OperationType = "network_access"
	OpEnvAccess      OperationType = "env_access"
	OpTemplateInject OperationType = "template_inject"
	OpCodeExecute    OperationType = "code_execute"
)

var opPermissions = map[OperationType]Permission{
	OpFileRead:       PermFileRead,
	OpFileWrite:      PermFileWrite,
	OpFileDelete:     PermFileDelete,
	OpShellExecute:   PermShellExecute,
	OpNetworkAccess:  PermNetworkAccess,
	OpEnvAccess:      PermEnvAccess,
	OpTemplateInject: PermTemplateInject,
	OpCodeExecute:    PermCodeExecute,
}

// OperationTypes lists all operation types.
var OperationTypes = []OperationType{
	OpFileRead, OpFileWrite, OpFileDelete, OpShellExecute,
	OpNetworkAccess, OpEnvAccess, OpTemplateInject, OpCodeExecute,
}

// Permission returns the permission an operation type requires.
func (t OperationType) Permission() (Permission, bool) {
	p, ok := opPermissions[t]
	return p, ok
}

// Operation is one concrete action from a template's generation plan.
// Target is a path (file ops), a command line (shell/code), a URL (network)
// or a variable name (env). Payload carries file content or script source.
type Operation struct {
	Type      OperationType `json:"type" yaml:"type"`
	Target    string        `json:"target" yaml:"target"`
	Payload   string        `json:"payload,omitempty" yaml:"payload,omitempty"`
	Recursive bool          `json:"recursive,omitempty" yaml:"recursive,omitempty"`
}

// Describe renders the operation for audit context and prompts.
func (o Operation) Describe() string {
	if o.Recursive {
		return fmt.Sprintf("%s -r %s", o.Type, o.Target)
	}
	return fmt.Sprintf("%s %s", o.Type, o.Target)
}

// Validate checks the operation is well formed.
func (o Operation) Validate() error {
	if _, ok := o.Type.Permission(); !ok {
		return fmt.Errorf("%w: unknown operation type %q", ErrValidation, o.Type)
	}
	if o.Target == "" {
		return fmt.Errorf("%w: %s operation without target", ErrValidation, o.Type)
	}
	return nil
}

// Template is what discovery hands us for each candidate template.
type Template struct {
	Source       Source      `json:"source" yaml:"source"`
	Identifier   string      `json:"identifier" yaml:"identifier"`
	Operations   []Operation `json:"operations" yaml:"operations"`
	ForceSandbox bool        `json:"force_sandbox,omitempty" yaml:"force_sandbox,omitempty"`
}

// Creator parses the template's creator identity.
func (t Template) Creator() (Creator, error) {
	return NewCreator(t.Source, t.Identifier)
}

// Verdict is the per-operation authorization consumed by the renderer.
type Verdict string

const (
	VerdictAllow   Verdict = "allow"
	VerdictDeny    Verdict = "deny"
	VerdictSandbox Verdict = "sandbox"
	// VerdictConfirm must be resolved to allow or deny before rendering.
	VerdictConfirm Verdict = "confirm"
)

// ResourceLimits bounds a sandboxed operation.
type ResourceLimits struct {
	MaxExecutionTimeMs int64 `json:"max_execution_time_ms" yaml:"max_execution_time_ms"`
	MaxMemoryBytes     int64 `json:"max_memory_bytes" yaml:"max_memory_bytes"`
	MaxFileSizeBytes   int64 `json:"max_file_size_bytes" yaml:"max_file_size_bytes"`
	MaxFileCount       int   `json:"max_file_count" yaml:"max_file_count"`
}

// DefaultResourceLimits are applied when configuration leaves limits unset.
var DefaultResourceLimits = ResourceLimits{
	MaxExecutionTimeMs: 30_000,
	MaxMemoryBytes:     512 << 20,
	MaxFileSizeBytes:   10 << 20,
	MaxFileCount:       1000,
}

// Timeout returns the execution time limit as a duration.
func (l ResourceLimits) Timeout() time.Duration {
	return time.Duration(l.MaxExecutionTimeMs) * time.Millisecond
}

// WithDefaults fills zero fields from DefaultResourceLimits.
func (l ResourceLimits) WithDefaults() ResourceLimits {
	if l.MaxExecutionTimeMs <= 0 {
		l.MaxExecutionTimeMs = DefaultResourceLimits.MaxExecutionTimeMs
	}
	if l.MaxMemoryBytes <= 0 {
		l.MaxMemoryBytes = DefaultResourceLimits.MaxMemoryBytes
	}
	if l.MaxFileSizeBytes <= 0 {
		l.MaxFileSizeBytes = DefaultResourceLimits.MaxFileSizeBytes
	}
	if l.MaxFileCount <= 0 {
		l.MaxFileCount = DefaultResourceLimits.MaxFileCount
	}
	return l
}
