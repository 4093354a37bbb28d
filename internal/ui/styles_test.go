package ui

import (
	"strings"
	"testing"
)

func TestRenderPlain(t *testing.T) {
	DisableColor()

	tests := []struct {
		name   string
		render func(string) string
	}{
		{"pass", RenderPass},
		{"warn", RenderWarn},
		{"fail", RenderFail},
		{"accent", RenderAccent},
		{"muted", RenderMuted},
		{"bold", RenderBold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.render("ok"); got != "ok" {
				t.Errorf("%s(ok) = %q without colour", tt.name, got)
			}
		})
	}
}

func TestRenderCodeContainsCode(t *testing.T) {
	DisableColor()
	if got := RenderCode("482913"); !strings.Contains(got, "482913") {
		t.Errorf("RenderCode = %q", got)
	}
}
