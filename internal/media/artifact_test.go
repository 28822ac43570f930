package media

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifactIsImmutable(t *testing.T) {
	data := []byte("abc")
	a := New(data, "video/webm;codecs=vp9", 3*time.Second, "take1")
	data[0] = 'z'

	assert.Equal(t, "abc", string(a.Bytes()))
	b := a.Bytes()
	b[1] = 'z'
	assert.Equal(t, "abc", string(a.Bytes()))
	assert.Equal(t, 3, a.Size())
	assert.Equal(t, SourceRecorded, a.Source())
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", a.Digest())
}

func TestLoadFileDetectsMIME(t *testing.T) {
	dir := t.TempDir()

	webm := filepath.Join(dir, "clip.webm")
	require.NoError(t, os.WriteFile(webm, []byte{0x1a, 0x45, 0xdf, 0xa3}, 0644))
	a, err := LoadFile(webm)
	require.NoError(t, err)
	assert.Equal(t, "video/webm", a.MIMEType())
	assert.Equal(t, "clip.webm", a.Name())
	assert.Equal(t, SourceFile, a.Source())
	assert.True(t, a.IsAudioOrVideo())

	txt := filepath.Join(dir, "notes")
	require.NoError(t, os.WriteFile(txt, []byte("plain words"), 0644))
	b, err := LoadFile(txt)
	require.NoError(t, err)
	assert.False(t, b.IsAudioOrVideo())

	_, err = LoadFile(filepath.Join(dir, "missing.webm"))
	assert.Error(t, err)
}

func TestExtensionFor(t *testing.T) {
	cases := map[string]string{
		"video/webm;codecs=vp9": "webm",
		"video/webm":            "webm",
		"audio/mpeg":            "mp3",
		"video/mp4":             "mp4",
		"application/pdf":       "bin",
	}
	for mimeType, want := range cases {
		assert.Equal(t, want, ExtensionFor(mimeType), mimeType)
	}
}

func TestIsAudioOrVideo(t *testing.T) {
	assert.True(t, IsAudioOrVideo("audio/wav"))
	assert.True(t, IsAudioOrVideo(" VIDEO/WEBM; codecs=vp8"))
	assert.False(t, IsAudioOrVideo("text/plain"))
	assert.False(t, IsAudioOrVideo(""))
}
