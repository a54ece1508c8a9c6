package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lk2023060901/flock/pkg/config"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 FLOCK_WEB_PORT -> web.port
const EnvPrefix = "FLOCK"

var (
	configPath string
	logPath    string
)

// LoadConfig 集成 pkg/config 提供统一加载能力
// 优先级：1. 命令行显式参数 > 2. 环境变量 > 3. 配置文件 > 4. 默认值
func LoadConfig(target any, opts ...config.Option) error {
	execDir, err := GetExecDir()
	if err != nil {
		return fmt.Errorf("failed to get executable directory: %w", err)
	}

	defaultConfig := filepath.Join(execDir, "config.yaml")
	defaultLog := filepath.Join(execDir, "logs", "app.log")

	if pflag.Lookup("config") == nil {
		pflag.StringVarP(&configPath, "config", "c", defaultConfig, "path to config file")
	}
	if pflag.Lookup("log.path") == nil {
		pflag.StringVar(&logPath, "log.path", defaultLog, "output path for logs")
	}
	if !pflag.Parsed() {
		pflag.Parse()
	}

	// Flag 显式指定 > 环境变量 FLOCK_CONFIG > 默认物理路径
	path := configPath
	if !pflag.CommandLine.Changed("config") {
		if envConfig := os.Getenv(EnvPrefix + "_CONFIG"); envConfig != "" {
			path = envConfig
		}
	}

	overrides := map[string]any{}
	if pflag.CommandLine.Changed("log.path") {
		overrides["log.output_path"] = logPath
	}

	v, err := LoadConfigFile(path, target, overrides, opts...)
	if err != nil {
		return err
	}
	configPath = path

	logPath = v.GetString("log.output_path")
	if logPath != "" && v.GetBool("log.enable_file") {
		if dir := filepath.Dir(logPath); dir != "" {
			_ = os.MkdirAll(dir, 0755)
		}
	}
	return nil
}

// LoadConfigFile 从指定文件加载配置，overrides 拥有最高优先级
func LoadConfigFile(path string, target any, overrides map[string]any, opts ...config.Option) (*viper.Viper, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", config.ErrConfigFileNotFound, path)
	}

	v := viper.New()
	all := append([]config.Option{config.WithViper(v), config.WithEnvPrefix(EnvPrefix)}, opts...)
	mgr := config.NewManager(all...)

	if err := mgr.LoadFile(path); err != nil {
		return nil, err
	}
	for k, val := range overrides {
		v.Set(k, val)
	}
	if err := mgr.Unmarshal(target); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return v, nil
}

// GetExecDir 获取可执行文件所在目录（处理符号链接）
func GetExecDir() (string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return "", err
	}
	realPath, err := filepath.EvalSymlinks(execPath)
	if err != nil {
		return filepath.Dir(execPath), nil
	}
	return filepath.Dir(realPath), nil
}

// GetConfigPath 返回最终使用的配置文件路径
func GetConfigPath() string {
	return configPath
}

func GetLogPath() string {
	return logPath
}
