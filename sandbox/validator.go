package sandbox

import (
	"fmt"
	"strings"
)

// CodeValidator flags suspicious patterns before execution. It only
// produces warnings; the runtime restrictions decide what actually runs.
type CodeValidator struct {
	suspiciousPatterns []string
}

// NewCodeValidator creates a code validator.
func NewCodeValidator() *CodeValidator {
	return &CodeValidator{
		suspiciousPatterns: []string{
			"require('fs')", `require("fs")`,
			"require('child_process')", `require("child_process")`,
			"process.", "eval(", "new Function", "import(",
			"fetch(", "XMLHttpRequest", "WebAssembly",
			"setTimeout(", "setInterval(", ".constructor(",
		},
	}
}

// Validate checks code for suspicious patterns.
func (v *CodeValidator) Validate(code string) []string {
	var warnings []string
	for _, pattern := range v.suspiciousPatterns {
		if strings.Contains(code, pattern) {
			warnings = append(warnings, fmt.Sprintf("potentially dangerous pattern: %s", pattern))
		}
	}
	return warnings
}
