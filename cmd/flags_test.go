package cmd

import (
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func newFlagCommand() *cobra.Command {
	c := &cobra.Command{Use: "test"}
	c.Flags().Int("limit", 0, "")
	c.Flags().Bool("json", false, "")
	return c
}

func TestCountFlag(t *testing.T) {
	tests := []struct {
		args    []string
		want    int
		wantErr bool
	}{
		{nil, 0, false},
		{[]string{"--limit", "25"}, 25, false},
		{[]string{"--limit", "-1"}, 0, true},
	}
	for _, tt := range tests {
		c := newFlagCommand()
		if err := c.ParseFlags(tt.args); err != nil {
			t.Fatalf("ParseFlags(%v): %v", tt.args, err)
		}
		got, err := countFlag(c, "limit")
		if (err != nil) != tt.wantErr {
			t.Errorf("countFlag(%v) error = %v, wantErr %v", tt.args, err, tt.wantErr)
		}
		if err != nil && !strings.Contains(err.Error(), "--limit") {
			t.Errorf("error %q does not name the flag", err)
		}
		if got != tt.want {
			t.Errorf("countFlag(%v) = %d, want %d", tt.args, got, tt.want)
		}
	}
}

func TestMustGetPanicsOnUnknownFlag(t *testing.T) {
	c := newFlagCommand()
	if err := c.ParseFlags([]string{"--json"}); err != nil {
		t.Fatal(err)
	}
	if !mustGetBool(c, "json") {
		t.Error("--json should be true")
	}

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic for an unregistered flag")
		}
		if msg, _ := r.(string); !strings.Contains(msg, "--missing") {
			t.Errorf("panic %v does not name the flag", r)
		}
	}()
	mustGetInt(c, "missing")
}
