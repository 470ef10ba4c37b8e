package analysis

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// InputFile is a file submitted for analysis
type InputFile struct {
	URI          string `json:"uri"`
	Path         string `json:"path"`
	RelativePath string `json:"relativePath,omitempty"`
	Language     string `json:"language,omitempty"`

	// content overrides the file on disk, e.g. an unsaved editor buffer
	content *string
}

var languageByExt = map[string]string{
	".go":   "go",
	".java": "java",
	".kt":   "kotlin",
	".js":   "js",
	".jsx":  "js",
	".ts":   "ts",
	".tsx":  "ts",
	".py":   "py",
	".rb":   "ruby",
	".php":  "php",
	".cs":   "cs",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".rs":   "rust",
	".xml":  "xml",
	".html": "web",
	".css":  "css",
	".md":   "markdown",
	".yaml": "yaml",
	".yml":  "yaml",
	".json": "json",
	".sh":   "shell",
}

// LanguageOf returns the language key for a file path, empty when unknown
func LanguageOf(path string) string {
	return languageByExt[strings.ToLower(filepath.Ext(path))]
}

// NewInputFile resolves path against baseDir and detects its language
func NewInputFile(baseDir, path string) (InputFile, error) {
	if path == "" {
		return InputFile{}, fmt.Errorf("empty file path")
	}
	if strings.HasPrefix(path, "file://") {
		u, err := url.Parse(path)
		if err != nil {
			return InputFile{}, fmt.Errorf("parse file uri %q: %w", path, err)
		}
		path = u.Path
	}
	if !filepath.IsAbs(path) && baseDir != "" {
		path = filepath.Join(baseDir, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return InputFile{}, fmt.Errorf("resolve %q: %w", path, err)
	}

	file := InputFile{
		URI:      (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(),
		Path:     abs,
		Language: LanguageOf(abs),
	}
	if baseDir != "" {
		if rel, err := filepath.Rel(baseDir, abs); err == nil && !strings.HasPrefix(rel, "..") {
			file.RelativePath = filepath.ToSlash(rel)
		}
	}
	return file, nil
}

// WithContent returns a copy of the file that reads from content instead of disk
func (f InputFile) WithContent(content string) InputFile {
	f.content = &content
	return f
}

// Contents returns the file contents
func (f InputFile) Contents() ([]byte, error) {
	if f.content != nil {
		return []byte(*f.content), nil
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Path, err)
	}
	return data, nil
}
