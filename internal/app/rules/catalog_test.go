package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	t.Parallel()

	c := Default()
	for _, id := range []string{"xss", "sql_injection", "command_injection", "secrets", "authentication", "cryptography"} {
		assert.True(t, c.Has(id), id)
	}
	assert.False(t, c.Has("nope"))
	assert.Contains(t, c.SupportedLanguages(), "go")
	assert.Len(t, c.Categories(), 11)
}

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{
			name: "valid",
			data: "categories:\n  - id: a\n    name: A\nsupported_languages: [go]\n",
		},
		{name: "empty", data: "categories: []\n", wantErr: true},
		{name: "missing id", data: "categories:\n  - name: A\n", wantErr: true},
		{name: "duplicate id", data: "categories:\n  - id: a\n  - id: a\n", wantErr: true},
		{name: "malformed", data: "categories: {", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.data))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	c, err := Load("")
	require.NoError(t, err)
	assert.True(t, c.Has("secrets"))

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("categories:\n  - id: only\n"), 0o600))

	c, err = Load(path)
	require.NoError(t, err)
	assert.True(t, c.Has("only"))
	assert.False(t, c.Has("secrets"))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
