package rls

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// DECLARATIVE CONFIGURATION
// ============================================================================

// Config is the declarative form of an engine setup: tunables plus
// per-table field rules, relationships, policies and audit selection.
// Predicates and end conditions use the string rule syntax from
// ParseAccessRule and CompileEndConditions.
type Config struct {
	Version int            `json:"version" yaml:"version"`
	Engine  EngineSettings `json:"engine" yaml:"engine"`
	Tables  []TableConfig  `json:"tables" yaml:"tables"`
}

type EngineSettings struct {
	ResolverTimeoutMS   int64         `json:"resolver_timeout_ms" yaml:"resolver_timeout_ms"`
	ResolverCacheTTLMS  int64         `json:"resolver_cache_ttl_ms" yaml:"resolver_cache_ttl_ms"`
	SequentialResolvers bool          `json:"sequential_resolvers" yaml:"sequential_resolvers"`
	Audit               AuditSettings `json:"audit" yaml:"audit"`
}

type AuditSettings struct {
	BufferSize      int      `json:"buffer_size" yaml:"buffer_size"`
	FlushIntervalMS int64    `json:"flush_interval_ms" yaml:"flush_interval_ms"`
	SampleRate      *float64 `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
	Sync            bool     `json:"sync" yaml:"sync"`
}

type TableConfig struct {
	Name          string             `json:"name" yaml:"name"`
	DefaultAccess string             `json:"default_access,omitempty" yaml:"default_access,omitempty"`
	BypassRoles   []string           `json:"bypass_roles,omitempty" yaml:"bypass_roles,omitempty"`
	Fields        []FieldConfig      `json:"fields,omitempty" yaml:"fields,omitempty"`
	Relationships []RelationshipPath `json:"relationships,omitempty" yaml:"relationships,omitempty"`
	Policies      []PolicyConfig     `json:"policies,omitempty" yaml:"policies,omitempty"`
	Audit         *AuditTableConfig  `json:"audit,omitempty" yaml:"audit,omitempty"`
}

type FieldConfig struct {
	Name  string `json:"name" yaml:"name"`
	Read  string `json:"read,omitempty" yaml:"read,omitempty"`
	Write string `json:"write,omitempty" yaml:"write,omitempty"`
	Mask  any    `json:"mask,omitempty" yaml:"mask,omitempty"`
	Omit  bool   `json:"omit,omitempty" yaml:"omit,omitempty"`
}

type PolicyConfig struct {
	Name          string         `json:"name" yaml:"name"`
	Type          string         `json:"type" yaml:"type"`
	Operations    []string       `json:"operations" yaml:"operations"`
	Relationship  string         `json:"relationship,omitempty" yaml:"relationship,omitempty"`
	EndConditions map[string]any `json:"end_conditions,omitempty" yaml:"end_conditions,omitempty"`
	Priority      int            `json:"priority" yaml:"priority"`
}

type AuditTableConfig struct {
	LogAllowed bool  `json:"log_allowed" yaml:"log_allowed"`
	LogDenied  *bool `json:"log_denied,omitempty" yaml:"log_denied,omitempty"`
	LogFilters bool  `json:"log_filters" yaml:"log_filters"`
}

// ============================================================================
// LOADING
// ============================================================================

func LoadConfigYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml config: %w", err)
	}
	return cfg, nil
}

func LoadConfigJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse json config: %w", err)
	}
	return cfg, nil
}

// LoadConfigFile picks the decoder from the file extension.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, ".json") {
		return LoadConfigJSON(data)
	}
	return LoadConfigYAML(data)
}

// ToYAML exports the config.
func (c *Config) ToYAML() ([]byte, error) { return yaml.Marshal(c) }

// ToJSON exports the config with indentation.
func (c *Config) ToJSON() ([]byte, error) { return json.MarshalIndent(c, "", "  ") }

// Validate compiles every table into a throwaway engine, surfacing
// SchemaErrors without touching live registries.
func (c *Config) Validate() error {
	probe, err := New(WithAuditAdapter(NewMemoryAuditAdapter()))
	if err != nil {
		return err
	}
	defer probe.Close()
	return probe.ApplyConfig(c)
}

// ============================================================================
// APPLICATION
// ============================================================================

// WithConfig applies a declarative config during construction: engine
// settings first, table registration once the registries exist.
func WithConfig(cfg *Config) EngineOption {
	return func(e *Engine) error {
		if cfg == nil {
			return fmt.Errorf("nil config")
		}
		if cfg.Engine.ResolverTimeoutMS > 0 {
			e.resolverOpts.Timeout = time.Duration(cfg.Engine.ResolverTimeoutMS) * time.Millisecond
		}
		if cfg.Engine.ResolverCacheTTLMS > 0 {
			e.resolverOpts.DefaultTTL = time.Duration(cfg.Engine.ResolverCacheTTLMS) * time.Millisecond
		}
		if cfg.Engine.SequentialResolvers {
			e.resolverOpts.Sequential = true
		}
		if cfg.Engine.Audit.BufferSize > 0 {
			e.auditOpts.BufferSize = cfg.Engine.Audit.BufferSize
		}
		if cfg.Engine.Audit.FlushIntervalMS != 0 {
			e.auditOpts.FlushInterval = time.Duration(cfg.Engine.Audit.FlushIntervalMS) * time.Millisecond
		}
		if cfg.Engine.Audit.Sync {
			e.auditOpts.Sync = true
		}
		e.pendingConfig = cfg
		return nil
	}
}

// ApplyConfig registers the config's tables on a constructed engine.
func (e *Engine) ApplyConfig(cfg *Config) error {
	if rate := cfg.Engine.Audit.SampleRate; rate != nil {
		e.audit.SetSampleRate(*rate)
	}
	for _, table := range cfg.Tables {
		if table.Name == "" {
			return &SchemaError{Component: "config", Name: "", Detail: "table entry without a name"}
		}
		if err := e.applyTableConfig(table); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyTableConfig(table TableConfig) error {
	if len(table.Fields) > 0 || table.DefaultAccess != "" || len(table.BypassRoles) > 0 {
		fieldCfg := FieldTableConfig{
			Fields:        make(map[string]FieldRule, len(table.Fields)),
			DefaultAccess: AccessDefault(table.DefaultAccess),
			BypassRoles:   table.BypassRoles,
		}
		for _, fc := range table.Fields {
			readPred, err := ParseAccessRule(fc.Read)
			if err != nil {
				return &SchemaError{Component: "field", Name: table.Name + "." + fc.Name, Detail: err.Error()}
			}
			writePred, err := ParseAccessRule(fc.Write)
			if err != nil {
				return &SchemaError{Component: "field", Name: table.Name + "." + fc.Name, Detail: err.Error()}
			}
			fieldCfg.Fields[fc.Name] = FieldRule{
				ReadIf:         readPred,
				WriteIf:        writePred,
				MaskValue:      fc.Mask,
				OmitWhenHidden: fc.Omit,
			}
		}
		if err := e.fields.RegisterTable(table.Name, fieldCfg); err != nil {
			return err
		}
	}

	if len(table.Relationships) > 0 || len(table.Policies) > 0 {
		relCfg := TableRelationshipConfig{Relationships: table.Relationships}
		for _, pc := range table.Policies {
			ops := make([]Operation, 0, len(pc.Operations))
			for _, op := range pc.Operations {
				ops = append(ops, Operation(op))
			}
			relCfg.Policies = append(relCfg.Policies, Policy{
				Name:          pc.Name,
				Type:          PolicyType(pc.Type),
				Operations:    ops,
				Relationship:  pc.Relationship,
				EndConditions: CompileEndConditions(pc.EndConditions),
				Priority:      pc.Priority,
			})
		}
		if err := e.relationships.RegisterTable(table.Name, relCfg); err != nil {
			return err
		}
	}

	if table.Audit != nil {
		e.audit.ConfigureTable(table.Name, TableAuditConfig{
			LogAllowed: table.Audit.LogAllowed,
			SkipDenied: table.Audit.LogDenied != nil && !*table.Audit.LogDenied,
			LogFilters: table.Audit.LogFilters,
		})
	}
	return nil
}
