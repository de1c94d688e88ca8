package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joatu/internal/domain"
)

func TestExchangeFlagsText(t *testing.T) {
	var f exchangeFlags
	cmd := &cobra.Command{Use: "create"}
	f.register(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--name", "Soup", "--name-i18n", "fr=Soupe"}))

	name := f.text(cmd, "name", f.name, "name-i18n", f.names, "en")
	assert.Equal(t, domain.LocalizedText{"en": "Soup", "fr": "Soupe"}, name)
	assert.Nil(t, f.text(cmd, "description", f.description, "description-i18n", f.descs, "en"))
}

func TestExchangeFlagsLocaleOverride(t *testing.T) {
	var f exchangeFlags
	cmd := &cobra.Command{Use: "create"}
	f.register(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--locale", "es", "--description", "Sopa caliente", "--target-id", "c1"}))

	assert.Equal(t, domain.LocalizedText{"es": "Sopa caliente"}, f.text(cmd, "description", f.description, "description-i18n", f.descs, "en"))
	assert.Equal(t, &domain.Target{ID: "c1"}, f.target(cmd))
	assert.False(t, f.addressChanged(cmd))
}

func TestMergeDropsBlankTranslations(t *testing.T) {
	cur := domain.LocalizedText{"en": "Soup", "fr": "Soupe"}
	got := merge(cur, domain.LocalizedText{"fr": " ", "es": "Sopa"})
	assert.Equal(t, domain.LocalizedText{"en": "Soup", "es": "Sopa"}, got)
	assert.Equal(t, "Soupe", cur["fr"], "current value must not be mutated")
}
