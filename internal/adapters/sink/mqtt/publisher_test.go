package mqtt

import "testing"

func TestTopic(t *testing.T) {
	tests := []struct {
		prefix, run, name string
		want              string
	}{
		{"nmtboard", "run__a", "train/loss", "nmtboard/run__a/train/loss"},
		{"nmtboard", "run__a", "valid/bleu-detok_stalled", "nmtboard/run__a/valid/bleu-detok_stalled"},
		{"nmtboard", "run#1", "events", "nmtboard/run_1/events"},
		{"nmtboard", "run", "a//+b", "nmtboard/run/a/_b"},
	}
	for _, tt := range tests {
		if got := Topic(tt.prefix, tt.run, tt.name); got != tt.want {
			t.Errorf("Topic(%q, %q, %q) = %q, want %q", tt.prefix, tt.run, tt.name, got, tt.want)
		}
	}
}
