package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取 path（含 include 链）并应用默认值与校验。
func Load(path string) (*Config, error) {
	files, err := includeFiles(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	for _, file := range files {
		if err := mergeConfigFile(v, file); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults(explicitKeys(v.AllSettings()))
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func mergeConfigFile(v *viper.Viper, path string) error {
	tmp := viper.New()
	tmp.SetConfigFile(path)
	if err := tmp.ReadInConfig(); err != nil {
		return err
	}
	return v.MergeConfigMap(tmp.AllSettings())
}

// includeFiles 按深度优先展开 include，被引用的文件排在引用者之前，后合并者覆盖先合并者。
func includeFiles(root string) ([]string, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	w := &includeWalker{done: map[string]bool{}, active: map[string]bool{}}
	if err := w.visit(abs); err != nil {
		return nil, err
	}
	return w.order, nil
}

type includeWalker struct {
	done   map[string]bool // 已展开
	active map[string]bool // 当前递归路径上
	order  []string
}

func (w *includeWalker) visit(path string) error {
	path = filepath.Clean(path)
	switch {
	case w.active[path]:
		return fmt.Errorf("include cycle detected: %s", path)
	case w.done[path]:
		return nil
	}
	w.active[path] = true
	defer delete(w.active, path)

	refs, err := readIncludes(path)
	if err != nil {
		return fmt.Errorf("parsing include failed (%s): %w", path, err)
	}
	for _, ref := range refs {
		if !filepath.IsAbs(ref) {
			ref = filepath.Join(filepath.Dir(path), ref)
		}
		if err := w.visit(ref); err != nil {
			return err
		}
	}
	w.done[path] = true
	w.order = append(w.order, path)
	return nil
}

// readIncludes 读取单个文件顶层的 include 列表，空项忽略。
func readIncludes(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var items []any
	switch raw := v.Get("include").(type) {
	case nil:
		return nil, nil
	case []any:
		items = raw
	case []string:
		for _, s := range raw {
			items = append(items, s)
		}
	default:
		return nil, fmt.Errorf("include must be a string array")
	}
	refs := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("include only supports strings")
		}
		if s = strings.TrimSpace(s); s != "" {
			refs = append(refs, s)
		}
	}
	return refs, nil
}

// explicitKeys 把 viper 合并后的配置树摊平成 "app.log_level" 形式的键集合，
// 只有出现在集合里的键才算用户显式填写，默认值不会覆盖它们。
func explicitKeys(settings map[string]any) keySet {
	keys := make(keySet)
	markLeaves("", settings, keys)
	return keys
}

func markLeaves(prefix string, node any, keys keySet) {
	switch val := node.(type) {
	case map[string]any:
		for k, child := range val {
			if next := joinKey(prefix, k); next != "" {
				markLeaves(next, child, keys)
			}
		}
	case map[any]any:
		for k, child := range val {
			name, _ := k.(string)
			if next := joinKey(prefix, name); next != "" {
				markLeaves(next, child, keys)
			}
		}
	default:
		// 数组整体视为一个键
		keys.mark(prefix)
	}
}

func joinKey(prefix, name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ""
	}
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
