package queryintent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse_PureNumeric(t *testing.T) {
	intent := Parse("23")
	assert.Equal(t, ExactItemNumber, intent.Kind)
	assert.Equal(t, 23, intent.ItemNumber)
	assert.Equal(t, 1.0, intent.Confidence)
	assert.Empty(t, intent.TextQuery)
}

func TestParse_KeywordAnchored(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		itemNumber int
		textQuery  string
	}{
		{"item keyword", "item 23 consultation", 23, "consultation"},
		{"mbs keyword", "mbs 104 specialist", 104, "specialist"},
		{"hash prefix", "#36 level c", 36, "level c"},
		{"hash with space", "# 36 level c", 36, "level c"},
		{"keyword mid-query", "consultation item 23", 23, "consultation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent := Parse(tt.query)
			assert.Equal(t, ItemNumberWithText, intent.Kind)
			assert.Equal(t, tt.itemNumber, intent.ItemNumber)
			assert.Equal(t, tt.textQuery, intent.TextQuery)
			assert.Equal(t, 0.9, intent.Confidence)
		})
	}
}

func TestParse_PositionalNumber(t *testing.T) {
	intent := Parse("23 consultation")
	assert.Equal(t, ItemNumberWithText, intent.Kind)
	assert.Equal(t, 23, intent.ItemNumber)
	assert.Equal(t, "consultation", intent.TextQuery)
	assert.Equal(t, 0.7, intent.Confidence)
}

func TestParse_TextSearch(t *testing.T) {
	intent := Parse("general practitioner")
	assert.Equal(t, TextSearch, intent.Kind)
	assert.Equal(t, "general practitioner", intent.TextQuery)
	assert.Equal(t, 0.8, intent.Confidence)
	assert.Zero(t, intent.ItemNumber)
}

func TestParse_Bounds(t *testing.T) {
	// Seven digits is no longer an item number.
	intent := Parse("1234567")
	assert.Equal(t, TextSearch, intent.Kind)

	// Six digits still is.
	intent = Parse("123456")
	assert.Equal(t, ExactItemNumber, intent.Kind)
	assert.Equal(t, 123456, intent.ItemNumber)

	// Zero is not a valid item number.
	intent = Parse("0")
	assert.Equal(t, TextSearch, intent.Kind)
}

func TestParse_Whitespace(t *testing.T) {
	intent := Parse("   ")
	assert.Equal(t, TextSearch, intent.Kind)
	assert.Empty(t, intent.TextQuery)

	intent = Parse("  23  ")
	assert.Equal(t, ExactItemNumber, intent.Kind)
}
