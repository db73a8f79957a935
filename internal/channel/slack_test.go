package channel

import "testing"

func TestSlashCommand(t *testing.T) {
	tests := []struct {
		text              string
		wantCmd, wantArgs string
	}{
		{"insert hello world", "insert", "hello world"},
		{"PING", "ping", ""},
		{"/paste hi", "paste", "hi"},
		{"see you at five", "", "see you at five"},
		{"/send now", "send", "now"},
		{"", "", ""},
	}
	for _, tt := range tests {
		cmd, args := slashCommand(tt.text)
		if cmd != tt.wantCmd || args != tt.wantArgs {
			t.Errorf("slashCommand(%q) = %q, %q", tt.text, cmd, args)
		}
	}
}

func TestStripMention(t *testing.T) {
	tests := map[string]string{
		"<@U123ABC> insert hi": "insert hi",
		"  <@U1>  ":            "",
		"no mention":           "no mention",
		"<@broken":             "<@broken",
	}
	for in, want := range tests {
		if got := stripMention(in); got != want {
			t.Errorf("stripMention(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewSlack(t *testing.T) {
	s := NewSlack(SlackConfig{BotToken: "xoxb-1", AppToken: "xapp-1", AllowFrom: []string{"U1"}, Logger: testLogger()})
	if s.Name() != "slack" || s.relay.channel != "slack" {
		t.Errorf("slack: %+v", s.relay)
	}
	if !s.relay.allow.allows("U1") || s.relay.allow.allows("U2") {
		t.Errorf("allow: %q", s.relay.allow)
	}
}
