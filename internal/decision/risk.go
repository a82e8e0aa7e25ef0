package decision

import (
	"fmt"
	"strings"

	"github.com/org/templatetrust/pkg/models"
)

// Risk is the classification shown next to a trust prompt.
type Risk string

const (
	RiskHigh   Risk = "high"
	RiskMedium Risk = "medium"
	RiskLow    Risk = "low"
)

// Classify rates what a template intends to do. Destructive file operations
// and shell or code execution are high; a creator sharing a namespace with a
// trusted creator is low; any other new creator is medium.
func Classify(creator models.Creator, ops []models.Operation, trustedIDs []string) (Risk, []string) {
	var reasons []string
	for _, op := range ops {
		switch {
		case op.Type == models.OpFileDelete:
			reasons = append(reasons, "deletes files: "+op.Target)
		case op.Recursive && op.Type == models.OpFileWrite:
			reasons = append(reasons, "recursive write: "+op.Target)
		case op.Type == models.OpShellExecute:
			reasons = append(reasons, "runs shell command: "+op.Target)
		case op.Type == models.OpCodeExecute:
			reasons = append(reasons, "executes code: "+op.Target)
		}
	}
	if len(reasons) > 0 {
		return RiskHigh, reasons
	}
	if ns := namespace(creator); ns != "" {
		for _, id := range trustedIDs {
			if id != creator.ID() && strings.HasPrefix(id, ns) {
				return RiskLow, []string{fmt.Sprintf("shares %s with trusted %s", strings.TrimSuffix(ns, "/"), id)}
			}
		}
	}
	return RiskMedium, []string{"new creator with no trust history"}
}

// namespace returns the id prefix shared by creators of the same publisher:
// the npm scope, the GitHub owner, or the git host and first path segment.
func namespace(c models.Creator) string {
	switch v := c.(type) {
	case models.NPMCreator:
		if v.Scope == "" {
			return ""
		}
		return fmt.Sprintf("%s:@%s/", models.SourceNPM, v.Scope)
	case models.GitHubCreator:
		return fmt.Sprintf("%s:%s/", models.SourceGitHub, v.Owner)
	case models.GitCreator:
		parts := strings.SplitN(v.URL, "/", 3)
		if len(parts) < 3 {
			return ""
		}
		return fmt.Sprintf("%s:%s/%s/", models.SourceGit, parts[0], parts[1])
	}
	return ""
}
