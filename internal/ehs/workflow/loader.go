package workflow

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed definitions/*.yaml
var builtinFS embed.FS

// ParseDefinitionYAML 解析并校验单个工作流定义
func ParseDefinitionYAML(data []byte) (*Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: 内容为空", ErrInvalidDefinition)
	}
	var f definitionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: 解析 YAML 失败: %v", ErrInvalidDefinition, err)
	}
	return f.build()
}

// LoadDefinitionFile 从磁盘读取工作流定义
func LoadDefinitionFile(path string) (*Definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("读取工作流定义 %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("工作流定义 %s 是目录", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取工作流定义 %s: %w", path, err)
	}
	def, err := ParseDefinitionYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadDefinitionDir 读取目录下全部 *.yaml / *.yml，目录不存在视为没有定义
func LoadDefinitionDir(dir string) ([]*Definition, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取工作流目录 %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isYAMLFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	defs := make([]*Definition, 0, len(names))
	for _, name := range names {
		def, err := LoadDefinitionFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// BuiltinDefinitions 内置的隐患 / 事故工作流
func BuiltinDefinitions() ([]*Definition, error) {
	entries, err := fs.ReadDir(builtinFS, "definitions")
	if err != nil {
		return nil, err
	}
	var defs []*Definition
	for _, e := range entries {
		if e.IsDir() || !isYAMLFile(e.Name()) {
			continue
		}
		data, err := builtinFS.ReadFile("definitions/" + e.Name())
		if err != nil {
			return nil, err
		}
		def, err := ParseDefinitionYAML(data)
		if err != nil {
			return nil, fmt.Errorf("内置定义 %s: %w", e.Name(), err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func isYAMLFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}

// Registry 按工作流类型索引的定义集合，启动后只读
type Registry struct {
	defs map[string]*Definition
}

// NewRegistry 后出现的同类型定义覆盖先出现的
func NewRegistry(defs ...*Definition) *Registry {
	r := &Registry{defs: make(map[string]*Definition, len(defs))}
	for _, d := range defs {
		if d != nil {
			r.defs[d.Type] = d
		}
	}
	return r
}

// LoadRegistry 加载内置定义，再用 dir 中的同类型定义覆盖
func LoadRegistry(dir string) (*Registry, error) {
	builtin, err := BuiltinDefinitions()
	if err != nil {
		return nil, err
	}
	external, err := LoadDefinitionDir(dir)
	if err != nil {
		return nil, err
	}
	return NewRegistry(append(builtin, external...)...), nil
}

// Get 按类型取定义
func (r *Registry) Get(workflowType string) (*Definition, bool) {
	if r == nil {
		return nil, false
	}
	d, ok := r.defs[workflowType]
	return d, ok
}

// Types 已注册的工作流类型
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
