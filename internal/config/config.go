package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/opencode-ai/inlinechat/pkg/types"
)

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// Load merges configuration from these sources, later ones winning:
//  1. Global config (~/.config/inlinechat/inlinechat.json[c])
//  2. Project config (inlinechat.json[c], .inlinechat/inlinechat.json[c])
//  3. Project YAML config (inlinechat.yaml)
//  4. INLINECHAT_CONFIG file
//  5. Environment variables
//
// Missing files are skipped. A file that exists but does not parse is an error.
func Load(directory string) (*types.Config, error) {
	config := &types.Config{Provider: make(map[string]types.ProviderConfig)}

	loaded := make(map[string]bool)
	loadOnce := func(path string) error {
		absPath, err := filepath.Abs(path)
		if err != nil || loaded[absPath] {
			return nil
		}
		if err := loadConfigFile(path, config); err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
		loaded[absPath] = true
		return nil
	}

	var paths []string
	globalPath := GetPaths().Config
	paths = append(paths,
		filepath.Join(globalPath, appName+".json"),
		filepath.Join(globalPath, appName+".jsonc"),
	)
	if directory != "" {
		projectDir := filepath.Join(directory, "."+appName)
		paths = append(paths,
			filepath.Join(directory, appName+".json"),
			filepath.Join(directory, appName+".jsonc"),
			filepath.Join(projectDir, appName+".json"),
			filepath.Join(projectDir, appName+".jsonc"),
			filepath.Join(directory, appName+".yaml"),
		)
	}
	if configPath := os.Getenv("INLINECHAT_CONFIG"); configPath != "" {
		paths = append(paths, configPath)
	}

	for _, p := range paths {
		if err := loadOnce(p); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// loadConfigFile reads one JSON, JSONC or YAML file into config.
func loadConfigFile(path string, config *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	data = interpolate(data, filepath.Dir(path))

	var fileConfig types.Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fileConfig)
	default:
		err = json.Unmarshal(jsonc.ToJSON(data), &fileConfig)
	}
	if err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// interpolate expands {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]
		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}
		content, err := os.ReadFile(filePath)
		if err != nil {
			return match
		}
		escaped, _ := json.Marshal(strings.TrimSpace(string(content)))
		return string(escaped[1 : len(escaped)-1])
	})

	return []byte(str)
}

// mergeConfig copies the fields set in source over target.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}

	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]types.ProviderConfig)
		}
		for k, v := range source.Provider {
			target.Provider[k] = v
		}
	}

	dst, src := &target.InlineChat, source.InlineChat
	if src.FinishOnType != nil {
		dst.FinishOnType = src.FinishOnType
	}
	if src.ProgressiveEdits != nil {
		dst.ProgressiveEdits = src.ProgressiveEdits
	}
	if src.Stash != nil {
		dst.Stash = src.Stash
	}
	if len(src.Exclude) > 0 {
		dst.Exclude = append(dst.Exclude, src.Exclude...)
	}
	if src.CreateRetries != 0 {
		dst.CreateRetries = src.CreateRetries
	}
	if src.Diff.IgnoreTrimWhitespace {
		dst.Diff.IgnoreTrimWhitespace = true
	}
	if src.Diff.MaxComputationTimeMs != 0 {
		dst.Diff.MaxComputationTimeMs = src.Diff.MaxComputationTimeMs
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) {
	providerEnvMap := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	}
	for provider, envVar := range providerEnvMap {
		if apiKey := os.Getenv(envVar); apiKey != "" {
			p := config.Provider[provider]
			if p.APIKey == "" {
				p.APIKey = apiKey
				config.Provider[provider] = p
			}
		}
	}

	if model := os.Getenv("INLINECHAT_MODEL"); model != "" {
		config.Model = model
	}
	if level := os.Getenv("INLINECHAT_LOG_LEVEL"); level != "" {
		config.LogLevel = level
	}
	if v, err := strconv.ParseBool(os.Getenv("INLINECHAT_FINISH_ON_TYPE")); err == nil {
		config.InlineChat.FinishOnType = &v
	}
	if v, err := strconv.ParseBool(os.Getenv("INLINECHAT_STASH")); err == nil {
		config.InlineChat.Stash = &v
	}
}

// Save writes config as indented JSON.
func Save(config *types.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
