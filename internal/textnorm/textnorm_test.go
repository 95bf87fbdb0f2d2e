package textnorm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jonesrussell/north-cloud/incidents/internal/textnorm"
)

func TestFold(t *testing.T) {
	assert.Equal(t, "cote d'ivoire", textnorm.Fold("Côte d'Ivoire"))
	assert.Equal(t, "sao paulo", textnorm.Fold("São Paulo"))
	assert.Equal(t, "plain", textnorm.Fold("PLAIN"))
}

func TestWords(t *testing.T) {
	assert.Equal(t, []string{"wildfire", "near", "montreal", "qc", "2024"},
		textnorm.Words("Wildfire near Montréal, QC (2024)!"))
	assert.Empty(t, textnorm.Words(" -- "))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "united states", textnorm.Key("  United-States "))
	assert.Equal(t, "cote d ivoire", textnorm.Key("Côte d'Ivoire"))
}
