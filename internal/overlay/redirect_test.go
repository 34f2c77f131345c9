package overlay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidRedirect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		v    string
		want bool
	}{
		{"name", true},
		{"/a", true},
		{"/a/b/c", true},
		{"", false},
		{"a/b", false},
		{"/", false},
		{"//a", false},
		{"/a//b", false},
		{"/a/", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, validRedirect(tt.v), "%q", tt.v)
	}
}

func TestRedirectBuf(t *testing.T) {
	t.Parallel()

	buf, err := newRedirectBuf(6)
	require.NoError(t, err)
	require.NoError(t, buf.append("/a"))
	require.NoError(t, buf.append("/bcd"))
	assert.Equal(t, "/a/bcd", buf.String())
	require.ErrorIs(t, buf.append("x"), EIO)
	assert.Equal(t, "/a/bcd", buf.String())

	_, err = newRedirectBuf(maxRedirectLen + 1)
	require.ErrorIs(t, err, ENAMETOOLONG)
}
