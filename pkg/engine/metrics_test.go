package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthLabel(t *testing.T) {
	tests := []struct {
		health string
		want   string
	}{
		{health: "healthy", want: "healthy"},
		{health: "unhealthy", want: "unhealthy"},
		{health: "starting", want: "starting"},
		{health: "none", want: "none"},
		{health: "", want: "other"},
		{health: "degraded", want: "other"},
		{health: strings.Repeat("x", 4096), want: "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, healthLabel(tt.health), tt.health)
	}
}
