package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

var (
	// regex for arg expansion
	resolveArgRegexp = regexp.MustCompile(`\${[a-zA-Z0-9\-\_\.]+}`)

	globalConf     *AppConfig
	globalConfOnce sync.Once
)

// Property store backed by viper.
//
// Use NewAppConfig() to create a standalone instance, or the package level funcs to use the global one.
type AppConfig struct {
	vp   *viper.Viper
	rwmu *sync.RWMutex
}

func NewAppConfig() *AppConfig {
	return &AppConfig{
		vp:   viper.New(),
		rwmu: &sync.RWMutex{},
	}
}

func globalConfig() *AppConfig {
	globalConfOnce.Do(func() {
		globalConf = NewAppConfig()
	})
	return globalConf
}

func doWithWriteLock(a *AppConfig, f func()) {
	a.rwmu.Lock()
	defer a.rwmu.Unlock()
	f()
}

func returnWithReadLock[T any](a *AppConfig, f func() T) T {
	a.rwmu.RLock()
	defer a.rwmu.RUnlock()
	return f()
}

// Set value for the prop
func (a *AppConfig) SetProp(prop string, val any) {
	doWithWriteLock(a, func() { a.vp.Set(prop, val) })
}

// Set default value for the prop
func (a *AppConfig) SetDefProp(prop string, defVal any) {
	doWithWriteLock(a, func() { a.vp.SetDefault(prop, defVal) })
}

// Check whether the prop exists
func (a *AppConfig) HasProp(prop string) bool {
	return returnWithReadLock(a, func() bool { return a.vp.IsSet(prop) })
}

// Get prop as string slice
func (a *AppConfig) GetPropStrSlice(prop string) []string {
	return returnWithReadLock(a, func() []string {
		v := a.vp.Get(prop)
		if s, ok := v.(string); ok {
			// comma separated values, e.g., from cli args
			return splitTrim(s)
		}
		return cast.ToStringSlice(v)
	})
}

// Get prop as int
func (a *AppConfig) GetPropInt(prop string) int {
	return returnWithReadLock(a, func() int { return cast.ToInt(a.vp.Get(prop)) })
}

// Get prop as bool
func (a *AppConfig) GetPropBool(prop string) bool {
	return returnWithReadLock(a, func() bool { return cast.ToBool(a.vp.Get(prop)) })
}

// Get prop as time.Duration
func (a *AppConfig) GetPropDur(prop string, unit time.Duration) time.Duration {
	return time.Duration(a.GetPropInt(prop)) * unit
}

/*
Get prop as string

If the value is an argument that can be expanded, the actual value will be resolved if possible.

e.g, for "password" : "${RABBITMQ_PASSWORD}".

This func will attempt to resolve the actual value for '${RABBITMQ_PASSWORD}' from environment variables first and then from other props.
*/
func (a *AppConfig) GetPropStr(prop string) string {
	return a.ResolveArg(returnWithReadLock(a, func() string { return cast.ToString(a.vp.Get(prop)) }))
}

// Load config from io Reader (yaml).
//
// It's the caller's responsibility to close the provided reader.
//
// Loaded values are merged with the existing ones.
func (a *AppConfig) LoadConfigFromReader(reader io.Reader) error {
	var eo error
	doWithWriteLock(a, func() {
		a.vp.SetConfigType("yml")
		if err := a.vp.MergeConfig(reader); err != nil {
			eo = fmt.Errorf("failed to load config from reader: %w", err)
		}
	})
	return eo
}

// Load config from yaml string.
func (a *AppConfig) LoadConfigFromStr(s string) error {
	return a.LoadConfigFromReader(bytes.NewReader([]byte(s)))
}

// Load config from yaml file.
func (a *AppConfig) LoadConfigFromFile(configFile string) error {
	if configFile == "" {
		return nil
	}

	f, err := os.Open(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("unable to find config file: '%s'", configFile)
		}
		return fmt.Errorf("failed to open config file: '%s', %w", configFile, err)
	}
	defer f.Close()

	if err := a.LoadConfigFromReader(f); err != nil {
		return fmt.Errorf("failed to load config file: '%s', %w", configFile, err)
	}
	return nil
}

// Overwrite existing conf using cli args in 'KEY=VALUE' form.
func (a *AppConfig) OverwriteConf(args []string) {
	for k, v := range ArgKeyVal(args) {
		if len(v) == 1 {
			a.SetProp(k, v[0])
		} else {
			a.SetProp(k, v)
		}
	}
}

// Resolve argument, e.g., for arg like '${someArg}', it will look for 'someArg' in os.Env and then in props.
func (a *AppConfig) ResolveArg(arg string) string {
	return resolveArgRegexp.ReplaceAllStringFunc(arg, func(s string) string {
		key := s[2 : len(s)-1]
		val := os.Getenv(key)
		if val == "" && key != "" {
			val = returnWithReadLock(a, func() string { return cast.ToString(a.vp.Get(key)) })
		}
		if val == "" {
			val = s
		}
		return val
	})
}

// Parse 'KEY=VALUE' args.
func ArgKeyVal(args []string) map[string][]string {
	m := map[string][]string{}
	for _, s := range args {
		eq := strings.Index(s, "=")
		if eq == -1 {
			continue
		}
		key := strings.TrimSpace(s[:eq])
		val := strings.TrimSpace(s[eq+1:])
		m[key] = append(m[key], val)
	}
	return m
}

// Find the config file path from args ('configFile=...'), or return the default one.
func GuessConfigFilePath(args []string, def string) string {
	kv := ArgKeyVal(args)
	if v, ok := kv["configFile"]; ok && len(v) > 0 && v[0] != "" {
		return v[0]
	}
	return def
}

func splitTrim(s string) []string {
	if strings.TrimSpace(s) == "" {
		return []string{}
	}
	tok := strings.Split(s, ",")
	out := make([]string, 0, len(tok))
	for _, t := range tok {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Set value for the prop
func SetProp(prop string, val any) {
	globalConfig().SetProp(prop, val)
}

// Set default value for the prop
func SetDefProp(prop string, defVal any) {
	globalConfig().SetDefProp(prop, defVal)
}

// Check whether the prop exists
func HasProp(prop string) bool {
	return globalConfig().HasProp(prop)
}

// Get prop as string slice
func GetPropStrSlice(prop string) []string {
	return globalConfig().GetPropStrSlice(prop)
}

// Get prop as int
func GetPropInt(prop string) int {
	return globalConfig().GetPropInt(prop)
}

// Get prop as bool
func GetPropBool(prop string) bool {
	return globalConfig().GetPropBool(prop)
}

// Get prop as time.Duration
func GetPropDur(prop string, unit time.Duration) time.Duration {
	return globalConfig().GetPropDur(prop, unit)
}

// Get prop as string, see (*AppConfig).GetPropStr.
func GetPropStr(prop string) string {
	return globalConfig().GetPropStr(prop)
}

// Load yaml config file into the global config, then overwrite it with cli args.
func LoadConfig(configFile string, args []string) error {
	c := globalConfig()
	if err := c.LoadConfigFromFile(configFile); err != nil {
		return err
	}
	c.OverwriteConf(args)
	return nil
}

// Load yaml string into the global config.
func LoadConfigFromStr(s string) error {
	return globalConfig().LoadConfigFromStr(s)
}
