package rls

import (
	"context"
	"testing"

	"github.com/oarkflow/rls/logger"
)

const sampleConfigYAML = `
version: 1
engine:
  resolver_timeout_ms: 2000
  resolver_cache_ttl_ms: 60000
  audit:
    buffer_size: 1
    flush_interval_ms: -1
    sync: true
tables:
  - name: users
    default_access: deny
    bypass_roles: [admin]
    fields:
      - name: name
        read: everyone
        write: owner:id
      - name: email
        read: owner:id
        write: owner:id
        mask: "***"
      - name: notes
        read: nobody
        omit: true
  - name: documents
    relationships:
      - name: doc_org
        steps:
          - from: documents
            to: projects
          - from: projects
            to: organizations
    policies:
      - name: org_member_read
        type: filter
        operations: [read]
        relationship: doc_org
        end_conditions:
          id: ${resolved.org_id}
      - name: owner_all
        type: allow
        operations: [all]
        priority: 10
    audit:
      log_allowed: true
      log_filters: true
      log_denied: false
`

func TestLoadConfigYAML(t *testing.T) {
	cfg, err := LoadConfigYAML([]byte(sampleConfigYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Version != 1 || len(cfg.Tables) != 2 {
		t.Fatalf("config shape: version=%d tables=%d", cfg.Version, len(cfg.Tables))
	}
	if cfg.Engine.ResolverTimeoutMS != 2000 || !cfg.Engine.Audit.Sync {
		t.Fatalf("engine settings: %+v", cfg.Engine)
	}
	users := cfg.Tables[0]
	if users.Name != "users" || len(users.Fields) != 3 || users.Fields[1].Mask != "***" {
		t.Fatalf("users table: %+v", users)
	}
	docs := cfg.Tables[1]
	if len(docs.Relationships) != 1 || len(docs.Policies) != 2 {
		t.Fatalf("documents table: %+v", docs)
	}
	if docs.Audit == nil || docs.Audit.LogDenied == nil || *docs.Audit.LogDenied {
		t.Fatalf("audit settings: %+v", docs.Audit)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	cfg, err := LoadConfigYAML([]byte(sampleConfigYAML))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	jsonData, err := cfg.ToJSON()
	if err != nil {
		t.Fatalf("to json: %v", err)
	}
	back, err := LoadConfigJSON(jsonData)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if len(back.Tables) != 2 || back.Tables[1].Policies[0].EndConditions["id"] != "${resolved.org_id}" {
		t.Fatalf("round trip lost data: %+v", back.Tables)
	}
	if _, err := back.ToYAML(); err != nil {
		t.Fatalf("to yaml: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg, err := LoadConfigYAML([]byte(sampleConfigYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	broken := &Config{Tables: []TableConfig{{
		Name: "products",
		Relationships: []RelationshipPath{{
			Name: "bad",
			Steps: []RelationshipStep{
				{From: "products", To: "shops"},
				{From: "accounts", To: "organizations"},
			},
		}},
	}}}
	if err := broken.Validate(); err == nil {
		t.Fatal("broken chain must fail validation")
	}

	badRule := &Config{Tables: []TableConfig{{
		Name:   "users",
		Fields: []FieldConfig{{Name: "email", Read: "gibberish"}},
	}}}
	if err := badRule.Validate(); err == nil {
		t.Fatal("bad access rule must fail validation")
	}
}

func TestEngineFromConfig(t *testing.T) {
	cfg, err := LoadConfigYAML([]byte(sampleConfigYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	adapter := NewMemoryAuditAdapter()
	e, err := New(
		WithConfig(cfg),
		WithLogger(logger.NewNullLogger()),
		WithAuditAdapter(adapter),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Close()

	// field rules from config
	row := map[string]any{"id": 42, "name": "Ana", "email": "a@b.c", "notes": "n"}
	other := WithAuthContext(context.Background(), &AuthContext{UserID: "7"})
	res := e.MaskRow(other, "users", row, nil)
	if res.Data["name"] != "Ana" {
		t.Fatalf("everyone-readable field masked: %v", res.Data)
	}
	if res.Data["email"] != "***" {
		t.Fatalf("mask value from config not applied: %v", res.Data["email"])
	}
	if _, present := res.Data["notes"]; present {
		t.Fatal("omit flag from config not applied")
	}

	admin := WithAuthContext(context.Background(), &AuthContext{UserID: "7", Roles: []string{"admin"}})
	if res := e.MaskRow(admin, "users", row, nil); res.Data["email"] != "a@b.c" {
		t.Fatal("bypass role from config not applied")
	}

	// policies from config: allow short-circuits the filter by priority
	ctx := WithAuthContext(context.Background(), &AuthContext{
		UserID:   "42",
		Resolved: map[string]any{"org_id": "org-7"},
	})
	decision, err := e.Authorize(ctx, "documents", OpRead)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !decision.Allowed || decision.MatchedPolicy != "owner_all" {
		t.Fatalf("priority allow from config: %+v", decision)
	}

	// audit selection from config: allowed logged, denied suppressed
	events := adapter.Events()
	if len(events) != 1 || events[0].Decision != DecisionAllow {
		t.Fatalf("config audit selection: %+v", events)
	}
}

func TestEngineFromConfigEndConditions(t *testing.T) {
	cfg, err := LoadConfigYAML([]byte(sampleConfigYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// drop the unconditional allow so the filter policy decides
	cfg.Tables[1].Policies = cfg.Tables[1].Policies[:1]

	e, err := New(
		WithConfig(cfg),
		WithLogger(logger.NewNullLogger()),
		WithAuditAdapter(NewMemoryAuditAdapter()),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Close()

	ctx := WithAuthContext(context.Background(), &AuthContext{
		UserID:   "42",
		Resolved: map[string]any{"org_id": "org-7"},
	})
	decision, err := e.Authorize(ctx, "documents", OpRead)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !decision.Allowed || len(decision.Filters) != 1 {
		t.Fatalf("decision = %+v", decision)
	}
	if decision.Filters[0].Conditions["id"] != "org-7" {
		t.Fatalf("templated end condition = %v", decision.Filters[0].Conditions)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfigYAML([]byte("tables: {not: a list}")); err == nil {
		t.Fatal("malformed yaml must error")
	}
	if _, err := LoadConfigJSON([]byte("{")); err == nil {
		t.Fatal("malformed json must error")
	}
	if _, err := LoadConfigFile("/nonexistent/config.yaml"); err == nil {
		t.Fatal("missing file must error")
	}
}
