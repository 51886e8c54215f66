package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Providers: map[string]ProviderConfig{
			"openai": {
				Enabled:      true,
				APIBase:      "https://api.openai.com/v1",
				DefaultModel: "gpt-4o-mini",
			},
			"ollama": {
				APIBase:      "http://localhost:11434",
				DefaultModel: "llama3.1:8b",
			},
			"claude": {
				APIBase:      "https://api.anthropic.com/v1",
				DefaultModel: "claude-3-5-haiku-latest",
			},
			"gemini": {
				DefaultModel: "gemini-1.5-flash",
			},
		},
		Documents: DocumentsConfig{
			Dir:          "data/karuta_rules_pdfs",
			Extensions:   []string{".pdf"},
			ChunkSize:    850,
			ChunkOverlap: 200,
			PDFToText:    "pdftotext",
		},
		Index: IndexConfig{
			Dir:        "karuta_rules_index",
			Collection: "karuta_rules",
			BatchSize:  32,
			RatePerSec: 5,
		},
		Embedding: EmbeddingConfig{
			Provider: "openai",
			Model:    "text-embedding-3-small",
		},
		Retrieval: RetrievalConfig{
			K: 3,
		},
		Completion: CompletionConfig{
			Provider:       "openai",
			Temperature:    0,
			TimeoutSeconds: 120,
			MaxRetries:     2,
		},
		History: HistoryConfig{
			Backend:        "memory",
			Window:         5,
			MaxStoredTurns: 50,
			RecordFailures: true,
		},
		ChatLog: ChatLogConfig{
			Driver:    "sqlite",
			DBPath:    "rulebot.db",
			QueueSize: 256,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 5000,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Path: "/callback/telegram",
			},
			Webhook: WebhookConfig{
				Path: "/webhook",
			},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
