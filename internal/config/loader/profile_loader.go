package loader

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"strata/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ProfileDefinition 描述一组币种的策略参数覆盖。
// Overrides 按策略 ID 索引，value 会与策略默认参数合并。
type ProfileDefinition struct {
	Name      string                    `mapstructure:"-"`
	Symbols   []string                  `mapstructure:"symbols"`
	Overrides map[string]map[string]any `mapstructure:"overrides"`
	Default   bool                      `mapstructure:"default"`

	symbolsUpper []string
}

// Matches 判断该 profile 是否覆盖指定币种。
func (d ProfileDefinition) Matches(symbol string) bool {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, s := range d.symbolsUpper {
		if s == symbol {
			return true
		}
	}
	return false
}

// FileConfig 是完整的 profile 配置文件结构。
type FileConfig struct {
	Profiles map[string]ProfileDefinition `mapstructure:"profiles"`
}

// ProfileSnapshot 对外暴露的只读快照。
type ProfileSnapshot struct {
	Version  int64
	LoadedAt time.Time
	Profiles map[string]ProfileDefinition
}

// ParamsFor 返回币种+策略的参数覆盖；优先精确匹配，否则落到 default profile。
func (s ProfileSnapshot) ParamsFor(symbol, strategyID string) map[string]any {
	var fallback map[string]any
	for _, def := range s.Profiles {
		params, ok := def.Overrides[strategyID]
		if !ok {
			continue
		}
		if def.Matches(symbol) {
			return cloneParams(params)
		}
		if def.Default && fallback == nil {
			fallback = params
		}
	}
	return cloneParams(fallback)
}

// ChangeListener 在配置变更时被调用。
type ChangeListener func(ProfileSnapshot)

// ProfileLoader 负责从 YAML/JSON 文件中加载 profile，并监听热更新。
type ProfileLoader struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  ProfileSnapshot
	listeners []ChangeListener
}

// NewProfileLoader 读取配置文件并开始监听 FS 事件。
func NewProfileLoader(path string) (*ProfileLoader, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("profile loader requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read profile config failed: %w", err)
	}
	loader := &ProfileLoader{path: path, v: v}
	if err := loader.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := loader.reload(); err != nil {
			logger.Errorf("profile reload failed (%s): %v", evt.Name, err)
			return
		}
		loader.notify()
	})
	v.WatchConfig()
	return loader, nil
}

// Snapshot 返回当前配置快照（深拷贝）。
func (l *ProfileLoader) Snapshot() ProfileSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneSnapshot(l.snapshot)
}

// Subscribe 注册监听器，并立即收到一次完整快照。
func (l *ProfileLoader) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	snap := cloneSnapshot(l.snapshot)
	l.mu.Unlock()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("profile listener panic: %v", r)
			}
		}()
		fn(snap)
	}()
}

func (l *ProfileLoader) notify() {
	l.mu.RLock()
	snap := cloneSnapshot(l.snapshot)
	listeners := append([]ChangeListener(nil), l.listeners...)
	l.mu.RUnlock()
	for _, fn := range listeners {
		if fn == nil {
			continue
		}
		go func(cb ChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("profile listener panic: %v", r)
				}
			}()
			cb(snap)
		}(fn)
	}
}

func (l *ProfileLoader) reload() error {
	var fileCfg FileConfig
	if err := l.v.Unmarshal(&fileCfg); err != nil {
		return fmt.Errorf("parse profile config failed: %w", err)
	}
	normalized := make(map[string]ProfileDefinition)
	for name, def := range fileCfg.Profiles {
		normalized[name] = normalizeProfileDefinition(name, def)
	}
	l.mu.Lock()
	l.snapshot = ProfileSnapshot{
		Version:  l.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Profiles: normalized,
	}
	l.mu.Unlock()
	logger.Infof("Profile loader reloaded %d profiles from %s", len(normalized), filepath.Base(l.path))
	return nil
}

func normalizeProfileDefinition(name string, def ProfileDefinition) ProfileDefinition {
	def.Name = name
	def.symbolsUpper = normalizeSymbols(def.Symbols)
	return def
}

func normalizeSymbols(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, sym := range in {
		s := strings.ToUpper(strings.TrimSpace(sym))
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

func cloneSnapshot(in ProfileSnapshot) ProfileSnapshot {
	out := ProfileSnapshot{Version: in.Version, LoadedAt: in.LoadedAt}
	if in.Profiles == nil {
		return out
	}
	out.Profiles = make(map[string]ProfileDefinition, len(in.Profiles))
	for name, def := range in.Profiles {
		cloned := def
		cloned.Symbols = append([]string(nil), def.Symbols...)
		cloned.symbolsUpper = append([]string(nil), def.symbolsUpper...)
		if def.Overrides != nil {
			cloned.Overrides = make(map[string]map[string]any, len(def.Overrides))
			for id, params := range def.Overrides {
				cloned.Overrides[id] = cloneParams(params)
			}
		}
		out.Profiles[name] = cloned
	}
	return out
}

func cloneParams(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
