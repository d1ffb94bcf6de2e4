package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileURIRoundTrip(t *testing.T) {
	uri := FileURI("/home/user/project/main.cc")
	require.Equal(t, "file:///home/user/project/main.cc", uri)

	path, err := PathFromFileURI(uri)
	require.NoError(t, err)
	require.Equal(t, "/home/user/project/main.cc", path)
}

func TestPathFromFileURIRejectsNonFileScheme(t *testing.T) {
	_, err := PathFromFileURI("https://example.com/a")
	require.Error(t, err)
}
