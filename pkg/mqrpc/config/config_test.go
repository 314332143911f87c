package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/randalmurphal/mqrpc/pkg/mqrpc/config"
)

func TestNew(t *testing.T) {
	assert.NotNil(t, config.New(nil).Raw())
	assert.Empty(t, config.New(nil).Keys())
}

func TestDottedKeys(t *testing.T) {
	cfg := config.New(map[string]any{
		"transport": map[string]any{
			"url":       "amqp://localhost",
			"heartbeat": "5s",
			"nested":    map[any]any{"depth": 2},
		},
		"flat.key": "literal",
	})

	assert.Equal(t, "amqp://localhost", cfg.String("transport.url", ""))
	assert.Equal(t, 5*time.Second, cfg.Duration("transport.heartbeat", 0))
	assert.Equal(t, 2, cfg.Int("transport.nested.depth", 0))
	assert.Equal(t, "literal", cfg.String("flat.key", ""), "exact keys win over paths")
	assert.Equal(t, "default", cfg.String("transport.url.extra", "default"))
	assert.Equal(t, "default", cfg.String("missing.url", "default"))
	assert.True(t, cfg.Has("transport.url"))
	assert.False(t, cfg.Has("transport.missing"))
}

func TestSub(t *testing.T) {
	cfg := config.New(map[string]any{
		"routes": map[string]any{
			"b": map[string]any{"request": "b"},
			"a": map[string]any{"request": "a"},
		},
		"scalar": 1,
	})

	routes := cfg.Sub("routes")
	assert.Equal(t, []string{"a", "b"}, routes.Keys())
	assert.Equal(t, "a", routes.Sub("a").String("request", ""))
	assert.Empty(t, cfg.Sub("scalar").Keys())
	assert.Empty(t, cfg.Sub("missing").Keys())
}

func TestString(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want string
	}{
		{"key exists", map[string]any{"name": "alice"}, "alice"},
		{"key missing", map[string]any{"other": "value"}, "default"},
		{"empty string", map[string]any{"name": ""}, ""},
		{"wrong type", map[string]any{"name": 123}, "default"},
		{"nil map", nil, "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, config.New(tt.data).String("name", "default"))
		})
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		name string
		val  any
		want time.Duration
	}{
		{"string", "1h30m", 90 * time.Minute},
		{"int seconds", 30, 30 * time.Second},
		{"int64 seconds", int64(2), 2 * time.Second},
		{"float seconds", 1.5, 1500 * time.Millisecond},
		{"duration", 3 * time.Millisecond, 3 * time.Millisecond},
		{"invalid string", "soon", time.Second},
		{"wrong type", true, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New(map[string]any{"timeout": tt.val})
			assert.Equal(t, tt.want, cfg.Duration("timeout", time.Second))
		})
	}
}

func TestNumbersAndBools(t *testing.T) {
	cfg := config.New(map[string]any{
		"int":      7,
		"int64":    int64(8),
		"whole":    9.0,
		"fraction": 9.5,
		"flag":     true,
		"word":     "yes",
	})

	assert.Equal(t, 7, cfg.Int("int", 0))
	assert.Equal(t, 8, cfg.Int("int64", 0))
	assert.Equal(t, 9, cfg.Int("whole", 0))
	assert.Equal(t, -1, cfg.Int("fraction", -1))
	assert.Equal(t, 9.5, cfg.Float("fraction", 0))
	assert.Equal(t, 7.0, cfg.Float("int", 0))
	assert.True(t, cfg.Bool("flag", false))
	assert.True(t, cfg.Bool("word", true), "strings are not bools")
}

func TestStringSlice(t *testing.T) {
	cfg := config.New(map[string]any{
		"typed": []string{"a", "b"},
		"any":   []any{"c", "d"},
		"mixed": []any{"e", 1},
	})
	def := []string{"default"}

	assert.Equal(t, []string{"a", "b"}, cfg.StringSlice("typed", def))
	assert.Equal(t, []string{"c", "d"}, cfg.StringSlice("any", def))
	assert.Equal(t, def, cfg.StringSlice("mixed", def))
	assert.Equal(t, def, cfg.StringSlice("missing", def))
}
