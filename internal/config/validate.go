package config

import (
	"fmt"
	"slices"

	"github.com/arcfield/parley/internal/domain"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		issues = append(issues, ValidationIssue{
			Path:    "server.port",
			Message: fmt.Sprintf("port must be 0-65535, got %d", cfg.Server.Port),
		})
	}

	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.level",
			Message: fmt.Sprintf("must be one of %v, got %q", validLogLevels, cfg.Logging.Level),
		})
	}

	validStyles := []string{"pretty", "json"}
	if cfg.Logging.Style != "" && !slices.Contains(validStyles, cfg.Logging.Style) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.style",
			Message: fmt.Sprintf("must be one of %v, got %q", validStyles, cfg.Logging.Style),
		})
	}

	validDrivers := []string{"sqlite", "memory"}
	if cfg.Store.Driver != "" && !slices.Contains(validDrivers, cfg.Store.Driver) {
		issues = append(issues, ValidationIssue{
			Path:    "store.driver",
			Message: fmt.Sprintf("must be one of %v, got %q", validDrivers, cfg.Store.Driver),
		})
	}

	serverIDs := make(map[string]bool, len(cfg.ToolServers))
	for i, ts := range cfg.ToolServers {
		if ts.ID == "" {
			issues = append(issues, ValidationIssue{
				Path:    fmt.Sprintf("toolServers[%d].id", i),
				Message: "id is required",
			})
		}
		if ts.Endpoint == "" {
			issues = append(issues, ValidationIssue{
				Path:    fmt.Sprintf("toolServers[%d].endpoint", i),
				Message: "endpoint is required",
			})
		}
		if serverIDs[ts.ID] {
			issues = append(issues, ValidationIssue{
				Path:    fmt.Sprintf("toolServers[%d].id", i),
				Message: fmt.Sprintf("duplicate tool server id %q", ts.ID),
			})
		}
		serverIDs[ts.ID] = true
	}

	validModes := []string{"", domain.ModeDirect, domain.ModeDify, domain.ModeCoze}
	for i, a := range cfg.Agents {
		path := fmt.Sprintf("agents[%d]", i)
		if a.ID == "" {
			issues = append(issues, ValidationIssue{Path: path + ".id", Message: "id is required"})
		}
		if !slices.Contains(validModes, a.CreateMode) {
			issues = append(issues, ValidationIssue{
				Path:    path + ".createMode",
				Message: fmt.Sprintf("must be one of [direct dify coze], got %q", a.CreateMode),
			})
		}
		if a.Price < 0 {
			issues = append(issues, ValidationIssue{
				Path:    path + ".price",
				Message: fmt.Sprintf("price must not be negative, got %d", a.Price),
			})
		}

		switch a.CreateMode {
		case "", domain.ModeDirect:
			if cfg.Providers.Native == nil || cfg.Providers.Native.APIKey == "" {
				issues = append(issues, ValidationIssue{
					Path:    path + ".createMode",
					Message: "direct agents require providers.native.apiKey",
				})
			}
		case domain.ModeDify:
			if cfg.Providers.Dify == nil || cfg.Providers.Dify.APIKey == "" || cfg.Providers.Dify.BaseURL == "" {
				issues = append(issues, ValidationIssue{
					Path:    path + ".createMode",
					Message: "dify agents require providers.dify.baseUrl and apiKey",
				})
			}
		case domain.ModeCoze:
			if cfg.Providers.Coze == nil || cfg.Providers.Coze.APIKey == "" || cfg.Providers.Coze.BotID == "" {
				issues = append(issues, ValidationIssue{
					Path:    path + ".createMode",
					Message: "coze agents require providers.coze.apiKey and botId",
				})
			}
		}

		for _, ts := range a.ToolServers {
			if !serverIDs[ts] {
				issues = append(issues, ValidationIssue{
					Path:    path + ".toolServers",
					Message: fmt.Sprintf("unknown tool server %q", ts),
				})
			}
		}
	}

	return issues
}
