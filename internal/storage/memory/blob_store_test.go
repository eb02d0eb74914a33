package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	s := NewBlobStore()
	payload := []byte("content")
	uri, err := s.PutObject(context.Background(), "example.com/page.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://example.com/page.html", uri)

	payload[0] = 'C'
	obj, ok := s.Object("example.com/page.html")
	require.True(t, ok)
	require.Equal(t, "content", string(obj.Data))
	require.Equal(t, "text/html", obj.ContentType)

	obj.Data[0] = 'X'
	again, _ := s.Object("example.com/page.html")
	require.Equal(t, "content", string(again.Data))
}

func TestBlobStorePaths(t *testing.T) {
	t.Parallel()

	s := NewBlobStore()
	for _, p := range []string{"b/2.png", "a/1.html"} {
		_, err := s.PutObject(context.Background(), p, "", bytes.NewReader([]byte(p)))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"a/1.html", "b/2.png"}, s.Paths())

	_, err := s.PutObject(context.Background(), "", "", bytes.NewReader(nil))
	require.Error(t, err)
	_, ok := s.Object("missing")
	require.False(t, ok)
}
