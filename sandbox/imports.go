package sandbox

import (
	"regexp"
	"strings"
)

// The runtime only evaluates scripts, so static module syntax that models
// tend to emit is rewritten into require calls before execution.
var (
	importNamespace    = regexp.MustCompile(`(?m)^[ \t]*import\s+\*\s+as\s+([\w$]+)\s+from\s+['"]([^'"]+)['"]\s*;?`)
	importDefaultNamed = regexp.MustCompile(`(?m)^[ \t]*import\s+([\w$]+)\s*,\s*\{([^}]*)\}\s*from\s+['"]([^'"]+)['"]\s*;?`)
	importNamed        = regexp.MustCompile(`(?m)^[ \t]*import\s+\{([^}]*)\}\s*from\s+['"]([^'"]+)['"]\s*;?`)
	importDefault      = regexp.MustCompile(`(?m)^[ \t]*import\s+([\w$]+)\s+from\s+['"]([^'"]+)['"]\s*;?`)
	importBare         = regexp.MustCompile(`(?m)^[ \t]*import\s+['"]([^'"]+)['"]\s*;?`)
	exportDefault      = regexp.MustCompile(`(?m)^[ \t]*export\s+default\s+`)
	exportDecl         = regexp.MustCompile(`(?m)^([ \t]*)export\s+(const|let|var|function|class|async)\b`)
	namedAlias         = regexp.MustCompile(`\s+as\s+`)
)

// rewriteImports converts import/export statements into plain script form.
func rewriteImports(code string) string {
	if !strings.Contains(code, "import") && !strings.Contains(code, "export") {
		return code
	}
	code = importNamespace.ReplaceAllString(code, `const $1 = require("$2");`)
	code = importDefaultNamed.ReplaceAllStringFunc(code, func(m string) string {
		parts := importDefaultNamed.FindStringSubmatch(m)
		return `const ` + parts[1] + ` = require("` + parts[3] + `").default; ` +
			`const {` + destructure(parts[2]) + `} = require("` + parts[3] + `");`
	})
	code = importNamed.ReplaceAllStringFunc(code, func(m string) string {
		parts := importNamed.FindStringSubmatch(m)
		return `const {` + destructure(parts[1]) + `} = require("` + parts[2] + `");`
	})
	code = importDefault.ReplaceAllString(code, `const $1 = require("$2").default;`)
	code = importBare.ReplaceAllString(code, `require("$1");`)
	code = exportDefault.ReplaceAllString(code, "")
	code = exportDecl.ReplaceAllString(code, "$1$2")
	return code
}

// destructure turns "A, B as C" into "A, B: C".
func destructure(list string) string {
	return strings.TrimSpace(namedAlias.ReplaceAllString(list, ": "))
}
