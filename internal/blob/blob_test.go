package blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentDisposition(t *testing.T) {
	tests := []struct {
		key  string
		d    Disposition
		want string
	}{
		{"P1/file.zip", Attachment, `attachment; filename=file.zip`},
		{"P1/cover art.png", Inline, `inline; filename="cover art.png"`},
		{"P1/file.zip", "", `attachment; filename=file.zip`},
		{"", Attachment, `attachment`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ContentDisposition(tt.key, tt.d), tt.key)
	}
}
