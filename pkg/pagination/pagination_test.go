package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		page       string
		limit      string
		wantPage   int
		wantLimit  int
		wantOffset int
		wantErr    bool
	}{
		{"defaults", "", "", 1, 20, 0, false},
		{"third page", "3", "10", 3, 10, 20, false},
		{"negative page", "-2", "10", 1, 10, 0, false},
		{"limit clamped high", "1", "500", 1, 100, 0, false},
		{"limit clamped low", "1", "0", 1, 1, 0, false},
		{"bad page", "abc", "", 0, 0, 0, true},
		{"bad limit", "", "x", 0, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(tt.page, tt.limit)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPage, p.Page)
			assert.Equal(t, tt.wantLimit, p.Limit)
			assert.Equal(t, tt.wantOffset, p.Offset)
		})
	}
}

func TestNewPage(t *testing.T) {
	p := NewPage[string](New(2, 10), 25, nil)

	assert.Equal(t, 3, p.TotalPages)
	assert.NotNil(t, p.Items)
	assert.Equal(t, int64(25), p.Total)
}
