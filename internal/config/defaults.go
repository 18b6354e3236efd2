package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Catalog:  "~/.batchbot/catalog.yaml",
			LogLevel: "info",
		},
		Driver: DriverConfig{
			Kind:          "desktop",
			RatePerMinute: 30,
			Burst:         5,
			Desktop: DesktopConfig{
				App:           "WeChat",
				ProcessNames:  []string{"WeChat", "微信"},
				SearchDelayMs: 800,
				StepDelayMs:   300,
			},
			Browser: BrowserConfig{
				Headless:       false,
				TimeoutSeconds: 30,
				Selectors:      defaultSelectors(),
			},
			Remote: RemoteConfig{
				TimeoutSeconds: 60,
			},
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialDelayMs: 500,
			Multiplier:     2,
			MaxDelayMs:     5000,
			Jitter:         true,
			ShortCircuit:   true,
		},
		Store: StoreConfig{
			Enabled:       true,
			DBPath:        "~/.batchbot/deliveries.db",
			RetentionDays: 90,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Addr:     "127.0.0.1:9464",
			Endpoint: "/metrics",
		},
		Agent: AgentConfig{
			Addr: "127.0.0.1:7391",
			Path: "/driver",
		},
	}
}

// defaultSelectors target a generic web chat client; override per site.
func defaultSelectors() map[string]string {
	return map[string]string{
		"search":      `input[type="search"]`,
		"firstResult": `[data-testid="search-result"]:first-of-type`,
		"chatTitle":   `[data-testid="conversation-title"]`,
		"input":       `div[contenteditable="true"][role="textbox"]`,
		"send":        `button[aria-label="Send"]`,
		"fileInput":   `input[type="file"]`,
	}
}
