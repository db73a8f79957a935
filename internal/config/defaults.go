package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:  "~/.wabridge",
			LogLevel: "info",
		},
		Browser: BrowserConfig{
			ProfileDir:  "~/.wabridge/chrome-profile",
			Headless:    false,
			WhatsAppURL: "https://web.whatsapp.com/",
		},
		Bridge: BridgeConfig{
			PollIntervalMs:        100,
			PollAttempts:          10,
			SettleDelayMs:         1500,
			AllowAutoSend:         false,
			MaxImageBytes:         16 << 20,
			ImageTimeoutSeconds:   20,
			RequestTimeoutSeconds: 60,
			AttachRetrySeconds:    5,
			RatePerMinute:         30,
			RateBurst:             5,
		},
		Channels: ChannelsConfig{
			HTTP: HTTPConfig{
				Enabled: true,
				Host:    "127.0.0.1",
				Port:    8765,
			},
			WebSocket: WebSocketConfig{
				Enabled: false,
				Host:    "127.0.0.1",
				Port:    8766,
				Path:    "/ws",
			},
			Telegram: TelegramConfig{
				Enabled: false,
			},
		},
		Journal: JournalConfig{
			Enabled:       true,
			DBPath:        "~/.wabridge/journal.db",
			RetentionDays: 90,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}
