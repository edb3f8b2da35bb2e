package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"github.com/loquilabs/loqui/pkg/types"
)

// Caps on built-in tool output. Tool results land in the LLM context, so
// unbounded file or directory listings would blow the prompt budget.
const (
	maxReadFileBytes = 100_000
	maxDirEntries    = 100
	maxSearchResults = 50
)

// decodeArgs unmarshals a tool's JSON argument object into v. An empty args
// string is treated as the empty object.
func decodeArgs(args string, v any) error {
	if strings.TrimSpace(args) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(args), v); err != nil {
		return fmt.Errorf("invalid arguments: %v", err)
	}
	return nil
}

// expandPath resolves a leading ~ to the user's home directory.
func expandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// formatSize renders a byte count as B, KB, or MB.
func formatSize(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	}
}

// NewDatetime returns the get_datetime tool.
func NewDatetime() Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "get_datetime",
			Description: "Get the current date and time. Optionally pass an IANA timezone such as Asia/Shanghai or America/New_York.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"timezone": map[string]any{
						"type":        "string",
						"description": "IANA timezone name, e.g. Asia/Shanghai. Leave empty for server local time.",
					},
				},
				"required": []string{},
			},
		},
		Handler: func(_ context.Context, args string) (string, error) {
			var p struct {
				Timezone string `json:"timezone"`
			}
			if err := decodeArgs(args, &p); err != nil {
				return "", err
			}
			loc := time.Local
			if p.Timezone != "" {
				var err error
				loc, err = time.LoadLocation(p.Timezone)
				if err != nil {
					return "", fmt.Errorf("unknown timezone %q", p.Timezone)
				}
			}
			now := time.Now().In(loc)
			return now.Format("2006-01-02 15:04:05 MST") + " (" + now.Weekday().String() + ")", nil
		},
	}
}

// calcEnv is the restricted namespace exposed to calculate expressions.
// abs, ceil, floor, round, min and max are expr builtins and need no entry.
var calcEnv = map[string]any{
	"pi":    math.Pi,
	"e":     math.E,
	"sqrt":  math.Sqrt,
	"log":   math.Log,
	"log10": math.Log10,
	"log2":  math.Log2,
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
	"asin":  math.Asin,
	"acos":  math.Acos,
	"atan":  math.Atan,
	"pow":   math.Pow,
	"factorial": func(n int) (int, error) {
		if n < 0 {
			return 0, errors.New("factorial of a negative number")
		}
		if n > 20 {
			return 0, errors.New("factorial argument too large, max 20")
		}
		f := 1
		for i := 2; i <= n; i++ {
			f *= i
		}
		return f, nil
	},
	"gcd": func(a, b int) int {
		for b != 0 {
			a, b = b, a%b
		}
		if a < 0 {
			return -a
		}
		return a
	},
}

// NewCalculate returns the calculate tool. Expressions are compiled against
// a math-only environment, so they cannot touch anything else in-process.
func NewCalculate() Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "calculate",
			Description: "Evaluate a math expression. Supports basic operators (+, -, *, /, **), math functions (sqrt, sin, cos, log, ...) and the constants pi and e.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"expression": map[string]any{
						"type":        "string",
						"description": "The expression to evaluate, e.g. 'sqrt(144.0) + 3**2' or '2*pi*6.371e6'.",
					},
				},
				"required": []string{"expression"},
			},
		},
		Handler: func(_ context.Context, args string) (string, error) {
			var p struct {
				Expression string `json:"expression"`
			}
			if err := decodeArgs(args, &p); err != nil {
				return "", err
			}
			if p.Expression == "" {
				return "", errors.New("no expression provided")
			}
			program, err := expr.Compile(p.Expression, expr.Env(calcEnv))
			if err != nil {
				return "", fmt.Errorf("calculation error: %v", err)
			}
			out, err := expr.Run(program, calcEnv)
			if err != nil {
				return "", fmt.Errorf("calculation error: %v", err)
			}
			return fmt.Sprintf("%s = %v", p.Expression, out), nil
		},
	}
}

// NewReadFile returns the read_file tool.
func NewReadFile() Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "read_file",
			Description: "Read the contents of a file (max 100KB).",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "File path.",
					},
				},
				"required": []string{"path"},
			},
		},
		Handler: func(_ context.Context, args string) (string, error) {
			var p struct {
				Path string `json:"path"`
			}
			if err := decodeArgs(args, &p); err != nil {
				return "", err
			}
			if p.Path == "" {
				return "", errors.New("no path provided")
			}
			path := expandPath(p.Path)
			info, err := os.Stat(path)
			if errors.Is(err, fs.ErrNotExist) {
				return "", fmt.Errorf("file not found: %s", path)
			}
			if err != nil {
				return "", fmt.Errorf("read error: %v", err)
			}
			if !info.Mode().IsRegular() {
				return "", fmt.Errorf("not a file: %s", path)
			}
			if info.Size() > maxReadFileBytes {
				return "", fmt.Errorf("file too large (%d bytes), max 100KB", info.Size())
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("read error: %v", err)
			}
			return strings.ToValidUTF8(string(data), "\uFFFD"), nil
		},
	}
}

// NewWriteFile returns the write_file tool.
func NewWriteFile() Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "write_file",
			Description: "Write content to a file, creating parent directories as needed.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "File path.",
					},
					"content": map[string]any{
						"type":        "string",
						"description": "The content to write.",
					},
				},
				"required": []string{"path", "content"},
			},
		},
		Handler: func(_ context.Context, args string) (string, error) {
			var p struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := decodeArgs(args, &p); err != nil {
				return "", err
			}
			if p.Path == "" {
				return "", errors.New("no path provided")
			}
			path := expandPath(p.Path)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return "", fmt.Errorf("write error: %v", err)
			}
			if err := os.WriteFile(path, []byte(p.Content), 0o644); err != nil {
				return "", fmt.Errorf("write error: %v", err)
			}
			return fmt.Sprintf("Written %d bytes to %s", len(p.Content), path), nil
		},
	}
}

// NewListDirectory returns the list_directory tool.
func NewListDirectory() Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "list_directory",
			Description: "List files and directories with sizes and modification times. Useful for exploring the filesystem.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Directory path. Defaults to the current directory. Supports ~ for the home directory.",
					},
				},
				"required": []string{},
			},
		},
		Handler: func(_ context.Context, args string) (string, error) {
			var p struct {
				Path string `json:"path"`
			}
			if err := decodeArgs(args, &p); err != nil {
				return "", err
			}
			path := p.Path
			if path == "" {
				path = "."
			}
			abs, err := filepath.Abs(expandPath(path))
			if err != nil {
				return "", fmt.Errorf("error listing directory: %v", err)
			}
			info, err := os.Stat(abs)
			if errors.Is(err, fs.ErrNotExist) {
				return "", fmt.Errorf("directory not found: %s", abs)
			}
			if err != nil {
				return "", fmt.Errorf("error listing directory: %v", err)
			}
			if !info.IsDir() {
				return "", fmt.Errorf("not a directory: %s", abs)
			}
			entries, err := os.ReadDir(abs)
			if err != nil {
				return "", fmt.Errorf("error listing directory: %v", err)
			}

			// Directories first, then case-insensitive by name.
			sort.SliceStable(entries, func(i, j int) bool {
				if entries[i].IsDir() != entries[j].IsDir() {
					return entries[i].IsDir()
				}
				return strings.ToLower(entries[i].Name()) < strings.ToLower(entries[j].Name())
			})

			lines := []string{fmt.Sprintf("Directory: %s\n", abs)}
			for i, entry := range entries {
				if i == maxDirEntries {
					break
				}
				if entry.IsDir() {
					lines = append(lines, fmt.Sprintf("  [DIR]  %s/", entry.Name()))
					continue
				}
				fi, err := entry.Info()
				if err != nil {
					lines = append(lines, fmt.Sprintf("  [???]  %s", entry.Name()))
					continue
				}
				lines = append(lines, fmt.Sprintf("  %9s  %s  %s",
					formatSize(fi.Size()), fi.ModTime().Format("2006-01-02 15:04"), entry.Name()))
			}
			if len(entries) > maxDirEntries {
				lines = append(lines, fmt.Sprintf("\n  ... and %d more entries", len(entries)-maxDirEntries))
			}
			lines = append(lines, fmt.Sprintf("\nTotal: %d items", len(entries)))
			return strings.Join(lines, "\n"), nil
		},
	}
}

// NewSearchFiles returns the search_files tool.
func NewSearchFiles() Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "search_files",
			Description: "Search for files by name pattern using glob syntax, e.g. '*.py' or 'report*'. Recurses into subdirectories.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pattern": map[string]any{
						"type":        "string",
						"description": "Filename pattern (glob syntax), e.g. '*.py', '*.csv', 'report*'.",
					},
					"directory": map[string]any{
						"type":        "string",
						"description": "Directory to search from. Defaults to the current directory. Supports ~ for the home directory.",
					},
				},
				"required": []string{"pattern"},
			},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var p struct {
				Pattern   string `json:"pattern"`
				Directory string `json:"directory"`
			}
			if err := decodeArgs(args, &p); err != nil {
				return "", err
			}
			if p.Pattern == "" {
				return "", errors.New("no search pattern provided")
			}
			dir := p.Directory
			if dir == "" {
				dir = "."
			}
			root, err := filepath.Abs(expandPath(dir))
			if err != nil {
				return "", fmt.Errorf("search error: %v", err)
			}
			info, err := os.Stat(root)
			if err != nil || !info.IsDir() {
				return "", fmt.Errorf("not a directory: %s", root)
			}

			var matches []string
			total := 0
			walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return nil // skip unreadable subtrees
				}
				if path == root {
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				ok, matchErr := filepath.Match(p.Pattern, d.Name())
				if matchErr != nil {
					return matchErr
				}
				if !ok {
					return nil
				}
				total++
				if total > maxSearchResults {
					return nil
				}
				rel, relErr := filepath.Rel(root, path)
				if relErr != nil {
					rel = path
				}
				var size int64
				if fi, infoErr := d.Info(); infoErr == nil {
					size = fi.Size()
				}
				matches = append(matches, fmt.Sprintf("  %s  (%s)", rel, formatSize(size)))
				return nil
			})
			if walkErr != nil {
				return "", fmt.Errorf("search error: %v", walkErr)
			}
			if total == 0 {
				return fmt.Sprintf("No files matching %q in %s", p.Pattern, root), nil
			}
			lines := []string{fmt.Sprintf("Found %d file(s) matching %q in %s:\n", min(total, maxSearchResults), p.Pattern, root)}
			lines = append(lines, matches...)
			if total > maxSearchResults {
				lines = append(lines, fmt.Sprintf("\n  ... and %d more matches", total-maxSearchResults))
			}
			return strings.Join(lines, "\n"), nil
		},
	}
}
