// =============================================================================
// 📦 llmgateway 配置加载器
// =============================================================================
// 默认值 → YAML 文件 → LLMGATEWAY_ 环境变量，依次覆盖。
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithValidator(func(c *config.Config) error { return c.Validate() }).
//	    Load()
//
// =============================================================================
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix 环境变量前缀
const DefaultEnvPrefix = "LLMGATEWAY"

// Loader 配置加载器
type Loader struct {
	configPath string
	envPrefix  string
	lookupEnv  func(string) (string, bool)
	validators []func(*Config) error

	// 最近一次 Load 实际生效的环境变量名
	overrides []string
}

func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
		lookupEnv: os.LookupEnv,
	}
}

// WithConfigPath 设置 YAML 路径；空串表示只用默认值和环境变量
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.TrimSuffix(prefix, "_")
	return l
}

func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Overrides 返回最近一次 Load 中生效的环境变量名（不含值）
func (l *Loader) Overrides() []string {
	return append([]string(nil), l.overrides...)
}

func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if err := l.decodeFile(cfg); err != nil {
		return nil, err
	}

	b := envBinder{lookup: l.lookupEnv}
	if err := b.bind(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	l.overrides = b.applied

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

// decodeFile 严格解码：未知字段视为错误，文件不存在时保留默认值
func (l *Loader) decodeFile(cfg *Config) error {
	if l.configPath == "" {
		return nil
	}
	data, err := os.ReadFile(l.configPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", l.configPath, err)
	}
	return nil
}

// =============================================================================
// 🌱 环境变量绑定
// =============================================================================

var durationType = reflect.TypeOf(time.Duration(0))

// envBinder 按 env tag 递归绑定字段。
// 匿名嵌入的结构体沿用外层前缀，具名结构体字段追加自己的 tag。
type envBinder struct {
	lookup  func(string) (string, bool)
	applied []string
}

func (b *envBinder) bind(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		fv := v.Field(i)
		if !sf.IsExported() {
			continue
		}

		if sf.Anonymous && fv.Kind() == reflect.Struct {
			if err := b.bind(fv, prefix); err != nil {
				return err
			}
			continue
		}

		tag := sf.Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag

		if fv.Kind() == reflect.Struct {
			if err := b.bind(fv, key); err != nil {
				return err
			}
			continue
		}

		raw, ok := b.lookup(key)
		if !ok || raw == "" {
			continue
		}
		if err := parseInto(fv, raw); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		b.applied = append(b.applied, key)
	}
	return nil
}

// parseInto 把字符串解析进字段；字符串切片按逗号拆分并去掉空项
func parseInto(fv reflect.Value, raw string) error {
	if fv.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		fv.SetInt(int64(d))
		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(v)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		v, err := strconv.ParseInt(raw, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetInt(v)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		v, err := strconv.ParseUint(raw, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetUint(v)
	case reflect.Float32, reflect.Float64:
		v, err := strconv.ParseFloat(raw, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetFloat(v)
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", fv.Type())
		}
		var items []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
		fv.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported field type %s", fv.Type())
	}
	return nil
}

// Load 加载 path 并执行 Config.Validate
func Load(path string) (*Config, error) {
	return NewLoader().
		WithConfigPath(path).
		WithValidator(func(c *Config) error { return c.Validate() }).
		Load()
}

// MustLoad 同 Load，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}
