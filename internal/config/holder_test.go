package config

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHolder(t *testing.T) {
	cfg := DefaultConfig()
	h := NewHolder(cfg, "/etc/ctxsync/config.toml")

	require.NotNil(t, h)
	assert.Equal(t, cfg, h.Config())
	assert.Equal(t, "/etc/ctxsync/config.toml", h.Path())
}

func TestHolder_UpdateChangesCategories(t *testing.T) {
	h := NewHolder(DefaultConfig(), "/tmp/config.toml")

	_, ok := h.SectionsFor("research")
	assert.False(t, ok)

	cfg := DefaultConfig()
	cfg.Categories["research"] = Category{Sections: []string{"pricing"}}
	h.Update(cfg)

	sections, ok := h.SectionsFor("research")
	require.True(t, ok)
	assert.Equal(t, []string{"pricing"}, sections)
}

func TestHolder_ConcurrentReadWrite(t *testing.T) {
	h := NewHolder(DefaultConfig(), "/tmp/config.toml")

	var wg sync.WaitGroup

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 100 {
				_ = h.Config()
				_, _ = h.SectionsFor("any")
			}
		}()
	}

	for range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 100 {
				h.Update(DefaultConfig())
			}
		}()
	}

	wg.Wait()
	assert.NotNil(t, h.Config())
}
