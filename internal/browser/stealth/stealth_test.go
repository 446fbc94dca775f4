package stealth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/rpa-flow/internal/config"
)

var testPersona = Persona{
	UserAgent: "Mozilla/5.0 Test",
	Platform:  "Win32",
	Languages: []string{"ru-RU", "ru", "en-US"},
	Timezone:  "Europe/Moscow",
	Locale:    "ru-RU",
}

func TestAcceptLanguage(t *testing.T) {
	assert.Equal(t, "ru-RU,ru;q=0.9,en-US;q=0.8", testPersona.AcceptLanguage())
	assert.Equal(t, "", Persona{}.AcceptLanguage())
}

func TestScript(t *testing.T) {
	script, err := testPersona.Script()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(script, "window.__rpaPersona = {"))
	assert.Contains(t, script, `"languages":["ru-RU","ru","en-US"]`)
	assert.Contains(t, script, "webdriver", "the embedded evasions must follow the persona")
}

func TestApply(t *testing.T) {
	t.Run("full persona", func(t *testing.T) {
		core, logs := observer.New(zap.DebugLevel)
		tasks := Apply(testPersona, zap.New(core))

		// script, user agent, timezone, locale, headers
		assert.Len(t, tasks, 5)
		require.Equal(t, 1, logs.Len())
		assert.Equal(t, "Applying browser stealth persona", logs.All()[0].Message)
	})

	t.Run("empty persona only injects the script", func(t *testing.T) {
		assert.Len(t, Apply(Persona{}, nil), 1)
	})
}

func TestFromConfig(t *testing.T) {
	p := FromConfig(config.PersonaConfig{UserAgent: "ua", Languages: []string{"ru"}, Timezone: "Europe/Moscow"})
	assert.Equal(t, "ua", p.UserAgent)
	assert.Equal(t, []string{"ru"}, p.Languages)
	assert.Equal(t, "Europe/Moscow", p.Timezone)
}
