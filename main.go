package main

import (
	"log"
	"os"

	"amicable-orchestrator/agent"
	"amicable-orchestrator/checkpoint"
	"amicable-orchestrator/config"
	"amicable-orchestrator/handlers"
	"amicable-orchestrator/journal"
	"amicable-orchestrator/server"
	"amicable-orchestrator/sessionmgr"
	"amicable-orchestrator/websocket"

	"github.com/joho/godotenv"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err == nil {
		log.Printf("main: loaded .env")
	}

	cfg := config.Load()
	agent.ConfigureLimits(cfg.CompactionTriggerMessages, cfg.CompactionKeepMessages, cfg.ToolRetryMaxRetries)

	if err := server.InitK8sClients(); err != nil {
		log.Fatalf("Failed to initialize Kubernetes clients: %v", err)
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		log.Fatalf("ANTHROPIC_API_KEY is required")
	}

	ckpt, err := buildCheckpointer(cfg)
	if err != nil {
		log.Fatalf("Failed to open checkpoint store: %v", err)
	}

	store, err := handlers.NewProjectStore(projectDBPath(cfg))
	if err != nil {
		log.Fatalf("Failed to open project store: %v", err)
	}

	jrnl := journal.New(secretValues(apiKey, cfg.GitLabToken))
	mgr := sessionmgr.New(server.DynamicClient, cfg, jrnl)
	hub := websocket.NewHub()
	orch := websocket.NewOrchestrator(cfg, mgr, ckpt, jrnl, hub,
		agent.NewAnthropicModel(apiKey, cfg.Model))

	api := &handlers.API{Store: store, Env: mgr, Sessions: orch}
	wsHandler := websocket.NewHandler(hub, orch, store.Get)

	if err := server.Run(cfg.Port, registerRoutes(api, wsHandler)); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func buildCheckpointer(cfg *config.Config) (checkpoint.Checkpointer, error) {
	if cfg.CheckpointDB == "" {
		log.Printf("main: using in-memory checkpointer; suspended approvals will not survive restarts")
		return checkpoint.NewMemory(), nil
	}
	log.Printf("main: using sqlite checkpointer at %s", cfg.CheckpointDB)
	return checkpoint.NewSQLite(cfg.CheckpointDB)
}

// projectDBPath keeps project rows next to the checkpoint database when
// one is configured, in memory otherwise.
func projectDBPath(cfg *config.Config) string {
	if cfg.CheckpointDB == "" {
		return ":memory:"
	}
	return cfg.CheckpointDB + ".projects"
}

// secretValues collects the credential strings redacted from journal
// entries and trace events.
func secretValues(values ...string) []string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
