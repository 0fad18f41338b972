package diff

import (
	"path"
	"strings"
)

// languagesByExtension maps lowercased file extensions (without the dot)
// to viewer highlight languages.
var languagesByExtension = map[string]string{
	"bash":     "shell",
	"c":        "c",
	"cc":       "cpp",
	"cfg":      "ini",
	"cjs":      "javascript",
	"clj":      "clojure",
	"cpp":      "cpp",
	"cs":       "csharp",
	"css":      "css",
	"cxx":      "cpp",
	"dart":     "dart",
	"erl":      "erlang",
	"ex":       "elixir",
	"exs":      "elixir",
	"fish":     "shell",
	"go":       "go",
	"gql":      "graphql",
	"gradle":   "groovy",
	"graphql":  "graphql",
	"groovy":   "groovy",
	"h":        "c",
	"hh":       "cpp",
	"hpp":      "cpp",
	"hs":       "haskell",
	"htm":      "html",
	"html":     "html",
	"ini":      "ini",
	"java":     "java",
	"js":       "javascript",
	"json":     "json",
	"jsx":      "javascript",
	"kt":       "kotlin",
	"kts":      "kotlin",
	"less":     "less",
	"lua":      "lua",
	"markdown": "markdown",
	"md":       "markdown",
	"mjs":      "javascript",
	"ml":       "ocaml",
	"php":      "php",
	"pl":       "perl",
	"proto":    "protobuf",
	"ps1":      "powershell",
	"py":       "python",
	"r":        "r",
	"rb":       "ruby",
	"rs":       "rust",
	"sass":     "scss",
	"scala":    "scala",
	"scss":     "scss",
	"sh":       "shell",
	"sql":      "sql",
	"svelte":   "svelte",
	"svg":      "xml",
	"swift":    "swift",
	"tf":       "hcl",
	"toml":     "toml",
	"ts":       "typescript",
	"tsx":      "typescript",
	"txt":      "text",
	"vue":      "vue",
	"xml":      "xml",
	"yaml":     "yaml",
	"yml":      "yaml",
	"zig":      "zig",
	"zsh":      "shell",
}

// languagesByFilename covers well-known files whose extension says nothing,
// checked on the base name before the extension table.
var languagesByFilename = map[string]string{
	"BUILD":          "starlark",
	"CMakeLists.txt": "cmake",
	"Dockerfile":     "dockerfile",
	"Gemfile":        "ruby",
	"Jenkinsfile":    "groovy",
	"Makefile":       "make",
	"Rakefile":       "ruby",
	"Vagrantfile":    "ruby",
	"WORKSPACE":      "starlark",
	"go.mod":         "gomod",
	"go.sum":         "gosum",
	"makefile":       "make",
}

// DetectLanguage maps a file path to a highlight language. It never fails;
// unknown files come back as "text".
func DetectLanguage(filePath string) string {
	base := path.Base(filePath)
	if lang, ok := languagesByFilename[base]; ok {
		return lang
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(base), "."))
	if lang, ok := languagesByExtension[ext]; ok {
		return lang
	}
	return "text"
}
