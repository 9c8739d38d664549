package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskMetadata(t *testing.T) {
	masked := MaskMetadata(map[string]any{
		"pix_key":        "11122233344",
		"customer_email": "joao@example.com",
		"status":         "approved",
		"after": map[string]any{
			"email": "ana@example.com",
		},
		"": "dropped",
	})

	assert.Equal(t, "****3344", masked["pix_key"])
	assert.Equal(t, "j****@example.com", masked["customer_email"])
	assert.Equal(t, "approved", masked["status"])
	assert.Equal(t, "a****@example.com", masked["after"].(map[string]any)["email"])
	assert.NotContains(t, masked, "")
}

func TestMaskSecretShortValues(t *testing.T) {
	assert.Equal(t, "", MaskSecret("  "))
	assert.Equal(t, "****", MaskSecret("abc"))
}
