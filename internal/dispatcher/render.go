package dispatcher

import (
	"fmt"
	"strings"

	"github.com/developer-mesh/capability-server/pkg/models"
)

// renderPrompt substitutes {placeholder} occurrences in the template with
// the supplied arguments. Required arguments were checked at validation;
// unknown placeholders are left intact so the caller can see what is
// missing.
func renderPrompt(cap *models.Capability, args map[string]interface{}) ([]PromptMessage, error) {
	spec := cap.Prompt
	if spec == nil {
		return nil, models.NewError(models.ErrInternal, "prompt %q has no template", cap.Name)
	}

	rendered := spec.Template
	for name, value := range args {
		rendered = strings.ReplaceAll(rendered, "{"+name+"}", fmt.Sprint(value))
	}

	return []PromptMessage{{Role: "user", Content: rendered}}, nil
}
