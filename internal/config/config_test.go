package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Session.TargetLanguage != "en" || cfg.Session.SourceLanguage != "auto" {
		t.Fatalf("unexpected default session languages: %+v", cfg.Session)
	}
	if cfg.EventStore.RetentionMode != "ephemeral" {
		t.Fatalf("expected ephemeral retention by default, got %q", cfg.EventStore.RetentionMode)
	}
}

func TestMockAppendedToOrders(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, order := range [][]string{
		cfg.Providers.STT.Order,
		cfg.Providers.Translation.Order,
		cfg.Providers.Answer.Order,
	} {
		if len(order) == 0 || order[len(order)-1] != "mock" {
			t.Fatalf("expected mock as last candidate, got %v", order)
		}
	}
}

func TestMockNotAppendedWhenDisallowed(t *testing.T) {
	t.Setenv("KAIWA_PROVIDERS_ALLOW_MOCK", "false")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, name := range cfg.Providers.STT.Order {
		if name == "mock" {
			t.Fatalf("mock should not be appended when disallowed: %v", cfg.Providers.STT.Order)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KAIWA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("KAIWA_BUS_USERNAME", "alice")
	t.Setenv("KAIWA_BUS_PASSWORD", "secret")
	t.Setenv("KAIWA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("KAIWA_SESSION_TARGET_LANGUAGE", "zh")
	t.Setenv("KAIWA_SESSION_ANSWER_STYLE", "casual")
	t.Setenv("KAIWA_SESSION_ANSWER_MAX_LENGTH", "80")
	t.Setenv("KAIWA_STT_ORDER", "openai, mock")
	t.Setenv("KAIWA_PIPELINE_STAGE_TIMEOUT_MS", "2500")
	t.Setenv("KAIWA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("DEEPL_API_KEY", "dl-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Session.TargetLanguage != "zh" {
		t.Fatalf("expected target language override, got %q", cfg.Session.TargetLanguage)
	}
	if cfg.Session.AnswerStyle != "casual" || cfg.Session.AnswerMaxLength != 80 {
		t.Fatalf("expected answer style overrides, got %+v", cfg.Session)
	}
	if got := cfg.Providers.STT.Order; len(got) != 2 || got[0] != "openai" || got[1] != "mock" {
		t.Fatalf("expected stt order override, got %v", got)
	}
	if cfg.Pipeline.StageTimeoutMS != 2500 {
		t.Fatalf("expected stage timeout override, got %d", cfg.Pipeline.StageTimeoutMS)
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected retention mode override")
	}
	if cfg.Providers.STT.OpenAI.APIKey != "sk-test" || cfg.Providers.Answer.OpenAI.APIKey != "sk-test" {
		t.Fatalf("expected openai key from environment")
	}
	if cfg.Providers.Translation.DeepL.APIKey != "dl-test" {
		t.Fatalf("expected deepl key from environment")
	}
}

func TestValidateRejectsBadStyle(t *testing.T) {
	t.Setenv("KAIWA_SESSION_ANSWER_STYLE", "poetic")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown answer style")
	}
}

func TestValidateRejectsEmptyOrderWithoutMock(t *testing.T) {
	t.Setenv("KAIWA_PROVIDERS_ALLOW_MOCK", "false")
	t.Setenv("KAIWA_STT_ORDER", " ")
	cfg, err := Load("")
	if err != nil {
		// The blank override leaves the default order intact, so this
		// only fails when the order really ends up empty.
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Providers.STT.Order) == 0 {
		t.Fatal("blank env override should not clear the order")
	}
}
