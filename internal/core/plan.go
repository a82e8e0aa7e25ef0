package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/org/templatetrust/pkg/models"
	"gopkg.in/yaml.v3"
)

// Plan is a generation plan handed over by discovery: the templates to run
// and the directory they generate into.
type Plan struct {
	TargetDir string            `json:"target_dir" yaml:"target_dir"`
	Templates []models.Template `json:"templates" yaml:"templates"`
}

// LoadPlan reads a YAML or JSON plan file. A relative target directory is
// resolved against the plan file's directory.
func LoadPlan(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("reading plan: %w", err)
	}
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Plan{}, fmt.Errorf("%w: parsing plan %s: %v", models.ErrValidation, path, err)
	}
	if p.TargetDir != "" && !filepath.IsAbs(p.TargetDir) {
		p.TargetDir = filepath.Join(filepath.Dir(path), p.TargetDir)
	}
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// Validate checks every template and operation of the plan.
func (p Plan) Validate() error {
	verr := &models.ValidationError{}
	if p.TargetDir == "" {
		verr.Problems = append(verr.Problems, "target_dir is required")
	}
	if len(p.Templates) == 0 {
		verr.Problems = append(verr.Problems, "plan has no templates")
	}
	for i, t := range p.Templates {
		if _, err := t.Creator(); err != nil {
			verr.Problems = append(verr.Problems, fmt.Sprintf("templates[%d]: %v", i, err))
		}
		for j, op := range t.Operations {
			if err := op.Validate(); err != nil {
				verr.Problems = append(verr.Problems, fmt.Sprintf("templates[%d].operations[%d]: %s",
					i, j, strings.TrimPrefix(err.Error(), models.ErrValidation.Error()+": ")))
			}
		}
	}
	if len(verr.Problems) > 0 {
		return verr
	}
	return nil
}
