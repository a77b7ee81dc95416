package cli

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arcfield/parley/internal/billing"
	"github.com/arcfield/parley/internal/config"
	"github.com/arcfield/parley/internal/domain"
	"github.com/arcfield/parley/internal/metrics"
	"github.com/arcfield/parley/internal/orchestrator"
	"github.com/arcfield/parley/internal/provider"
	"github.com/arcfield/parley/internal/store"
	"github.com/arcfield/parley/internal/tools"
)

// engine is the wired runtime shared by the serve and chat commands.
type engine struct {
	orch      *orchestrator.Orchestrator
	convStore orchestrator.ConversationStore
	metrics   *metrics.Metrics
	registry  *prometheus.Registry
	db        *store.DB // nil for the memory driver
}

// close releases engine resources.
func (e *engine) close() {
	if e.db != nil {
		_ = e.db.Close()
	}
}

// buildEngine wires providers, storage, billing, knowledge and tools from
// a validated config.
func buildEngine(cfg config.Config) (*engine, error) {
	issues := config.Validate(&cfg)
	if len(issues) > 0 {
		for _, issue := range issues {
			log.Error().Str("path", issue.Path).Msg(issue.Message)
		}
		return nil, fmt.Errorf("config validation failed with %d issue(s)", len(issues))
	}

	registry := provider.NewRegistry(log)
	if p := cfg.Providers.Native; p != nil {
		registry.Register(provider.NewNative(provider.NativeConfig{
			BaseURL:      p.BaseURL,
			APIKey:       p.APIKey,
			DefaultModel: p.Model,
		}, log))
	}
	if p := cfg.Providers.Dify; p != nil {
		registry.Register(provider.NewDify(provider.DifyConfig{
			BaseURL: p.BaseURL,
			APIKey:  p.APIKey,
		}, log))
	}
	if p := cfg.Providers.Coze; p != nil {
		registry.Register(provider.NewCoze(provider.CozeConfig{
			BaseURL: p.BaseURL,
			APIKey:  p.APIKey,
			BotID:   p.BotID,
		}, log))
	}

	e := &engine{registry: prometheus.NewRegistry()}
	e.metrics = metrics.New(e.registry)

	var ledger billing.Ledger
	var retriever orchestrator.Retriever

	if cfg.Store.Driver == "memory" {
		e.convStore = orchestrator.NewMemoryConversationStore()
		if cfg.Billing.Enabled {
			ledger = billing.NewMemoryLedger()
		}
	} else {
		db, err := store.Open(cfg.Store.Path, log)
		if err != nil {
			return nil, err
		}
		e.db = db
		e.convStore = store.NewSQLiteConversationStore(db)
		if cfg.Billing.Enabled {
			ledger = store.NewSQLiteLedger(db)
		}
		if cfg.Knowledge.Enabled {
			retriever = store.NewKnowledgeStore(db)
		}
	}

	endpoints := make(map[string]string, len(cfg.ToolServers))
	for _, ts := range cfg.ToolServers {
		endpoints[ts.ID] = ts.Endpoint
	}
	var connector orchestrator.ToolConnector
	if len(endpoints) > 0 {
		connector = tools.NewDirectory(endpoints, log)
	}

	agents := make([]domain.Agent, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		agents = append(agents, a.Agent())
	}

	e.orch = orchestrator.New(orchestrator.Options{
		Providers:      registry,
		Store:          e.convStore,
		Retriever:      retriever,
		Gate:           billing.NewGate(ledger, log),
		Connector:      connector,
		Agents:         agents,
		Metrics:        e.metrics,
		Log:            log,
		KnowledgeLimit: cfg.Knowledge.Limit,
	})
	return e, nil
}
