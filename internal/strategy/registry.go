package strategy

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

//go:embed preset_schema.json
var presetSchemaJSON string

// ErrUnknownPreset 表示注册表中不存在指定名称。
var ErrUnknownPreset = errors.New("unknown strategy preset")

// FileConfig 映射 strategies 文件。
type FileConfig struct {
	Strategies map[string]Preset `yaml:"strategies"`
}

// Snapshot 公开的预设快照。
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Presets  map[string]Preset
}

// ChangeListener 在 registry 重载成功后触发。
type ChangeListener func(Snapshot)

// Registry 管理策略预设，内置预设始终可用，文件中的同名预设覆盖内置值。
type Registry struct {
	path   string
	v      *viper.Viper
	schema *jsonschema.Schema

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry 读取预设文件并监听更新；path 为空时只提供内置预设。
func NewRegistry(path string) (*Registry, error) {
	schema, err := compilePresetSchema()
	if err != nil {
		return nil, fmt.Errorf("compile preset schema failed: %w", err)
	}
	r := &Registry{path: strings.TrimSpace(path), schema: schema}
	if r.path == "" {
		r.install(Builtin(), "builtin")
		return r, nil
	}
	v := viper.New()
	v.SetConfigFile(r.path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read strategy config failed: %w", err)
	}
	r.v = v
	if err := r.Reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.Reload(); err != nil {
			logger.Errorf("[strategy] reload failed: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// Snapshot 返回当前预设集。
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Get 返回指定名称的预设。
func (r *Registry) Get(name string) (Preset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.snapshot.Presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Preset{}, fmt.Errorf("%w: %s", ErrUnknownPreset, name)
	}
	return p, nil
}

// Names 按字母序返回全部预设名。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedNames(r.snapshot.Presets)
}

// Subscribe 注册重载回调，回调在独立 goroutine 中执行。
func (r *Registry) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Reload 重新读取文件；校验失败时保留旧快照。
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}
	cfg, err := readPresetFile(r.path, r.schema)
	if err != nil {
		return err
	}
	presets := Builtin()
	for name, p := range cfg.Strategies {
		if strings.TrimSpace(p.Name) == "" {
			p.Name = name
		}
		p.Name = strings.ToLower(strings.TrimSpace(p.Name))
		p = p.Normalize()
		if err := p.Validate(); err != nil {
			return err
		}
		presets[p.Name] = p
	}
	r.install(presets, filepath.Base(r.path))
	return nil
}

func (r *Registry) install(presets map[string]Preset, source string) {
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Presets:  presets,
	}
	r.mu.Unlock()
	logger.Infof("[strategy] registry loaded %d presets from %s", len(presets), source)
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer safeRecover("strategy listener")
			cb(snap)
		}(fn)
	}
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		Presets:  make(map[string]Preset, len(src.Presets)),
	}
	for name, p := range src.Presets {
		dst.Presets[name] = p
	}
	return dst
}

func safeRecover(tag string) {
	if r := recover(); r != nil {
		logger.Errorf("%s panic: %v", tag, r)
	}
}

func compilePresetSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("preset_schema.json", strings.NewReader(presetSchemaJSON)); err != nil {
		return nil, err
	}
	return compiler.Compile("preset_schema.json")
}

func readPresetFile(path string, schema *jsonschema.Schema) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read strategy config failed: %w", err)
	}
	if err := validateDocument(raw, schema); err != nil {
		return FileConfig{}, fmt.Errorf("strategy config %s invalid: %w", filepath.Base(path), err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse strategy config failed: %w", err)
	}
	return cfg, nil
}

// validateDocument 将 YAML 转为 JSON 值后按 schema 校验。
func validateDocument(raw []byte, schema *jsonschema.Schema) error {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	buf, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(buf, &generic); err != nil {
		return err
	}
	return schema.Validate(generic)
}
