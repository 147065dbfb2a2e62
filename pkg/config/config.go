package config

import (
	"log"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Load 读取 config/{service}.yaml 并反序列化到 out，不监听变更
func Load(service string, out interface{}) (*viper.Viper, error) {
	v := newViper(service)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}
	log.Printf("[%s] config loaded from %s", service, v.ConfigFileUsed())
	return v, nil
}

// LoadAndWatch 在 Load 的基础上监听文件变更，热更新到 out 后回调 onChange（可为 nil）。
// out 在回调里被整体重写，调用方不要在别的 goroutine 里直接读它。
func LoadAndWatch(service string, out interface{}, onChange func()) (*viper.Viper, error) {
	v, err := Load(service, out)
	if err != nil {
		return nil, err
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("[%s] config file changed: %s", service, e.Name)

		if err := v.Unmarshal(out); err != nil {
			log.Printf("[%s] reload config error: %v", service, err)
			return
		}
		log.Printf("[%s] config reloaded OK", service)
		if onChange != nil {
			onChange()
		}
	})

	return v, nil
}

func newViper(service string) *viper.Viper {
	v := viper.New()
	// 约定：config/{service}.yaml
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	// 环境变量覆盖，例如：
	//   FEED-CLIENT 前缀会被规整成 FEED_CLIENT
	//   FEED_CLIENT_GATEWAY_TOKEN 覆盖 gateway.token
	v.SetEnvPrefix(envPrefix(service))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

func envPrefix(service string) string {
	return strings.ToUpper(strings.ReplaceAll(service, "-", "_"))
}
