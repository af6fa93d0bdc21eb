package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("STORYLOOM_TEST_HOST", "db.internal")
	t.Setenv("STORYLOOM_TEST_PORT", "5432")

	out := ExpandEnv([]byte("host: {{.STORYLOOM_TEST_HOST}}:{{.STORYLOOM_TEST_PORT}}"))
	assert.Equal(t, "host: db.internal:5432", string(out))
}

func TestExpandEnvMissingVariable(t *testing.T) {
	out := ExpandEnv([]byte("key: {{.STORYLOOM_DEFINITELY_UNSET}}"))
	assert.Equal(t, "key: ", string(out))
}

func TestExpandEnvNoTemplates(t *testing.T) {
	in := "pattern: ^secret.*$\npassword: p@ss$word"
	out := ExpandEnv([]byte(in))
	assert.Equal(t, in, string(out))
}

func TestExpandEnvMalformedTemplatePassesThrough(t *testing.T) {
	in := "key: {{.unclosed"
	out := ExpandEnv([]byte(in))
	assert.Equal(t, in, string(out))
}
