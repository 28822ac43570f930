// Package media holds the recorded or selected artifact that flows from the
// recorder to the submission pipeline.
package media

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Source tells where an artifact came from.
type Source string

const (
	SourceRecorded Source = "recorded"
	SourceFile     Source = "file"
)

// Artifact is an immutable blob with its MIME type. It is never mutated
// after construction; accessors hand out copies.
type Artifact struct {
	data     []byte
	mimeType string
	duration time.Duration
	name     string
	source   Source
	digest   string
}

// New wraps a recorded blob. data is copied.
func New(data []byte, mimeType string, duration time.Duration, name string) *Artifact {
	return newArtifact(data, mimeType, duration, name, SourceRecorded)
}

func newArtifact(data []byte, mimeType string, duration time.Duration, name string, src Source) *Artifact {
	buf := make([]byte, len(data))
	copy(buf, data)
	sum := sha256.Sum256(buf)
	return &Artifact{
		data:     buf,
		mimeType: mimeType,
		duration: duration,
		name:     name,
		source:   src,
		digest:   hex.EncodeToString(sum[:]),
	}
}

var mediaExtensions = map[string]string{
	".webm": "video/webm",
	".mp4":  "video/mp4",
	".m4a":  "audio/mp4",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".mov":  "video/quicktime",
}

// LoadFile reads a user-selected file. The MIME type comes from the extension
// and falls back to content sniffing.
func LoadFile(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read media file: %w", err)
	}
	return newArtifact(data, DetectMIME(path, data), 0, filepath.Base(path), SourceFile), nil
}

// DetectMIME guesses the MIME type of a file.
func DetectMIME(path string, data []byte) string {
	ext := strings.ToLower(filepath.Ext(path))
	if t, ok := mediaExtensions[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return http.DetectContentType(data)
}

func (a *Artifact) Bytes() []byte {
	out := make([]byte, len(a.data))
	copy(out, a.data)
	return out
}

func (a *Artifact) Reader() io.Reader       { return bytes.NewReader(a.data) }
func (a *Artifact) Size() int               { return len(a.data) }
func (a *Artifact) MIMEType() string        { return a.mimeType }
func (a *Artifact) Duration() time.Duration { return a.duration }
func (a *Artifact) Name() string            { return a.name }
func (a *Artifact) Source() Source          { return a.source }
func (a *Artifact) Digest() string          { return a.digest }
func (a *Artifact) IsAudioOrVideo() bool    { return IsAudioOrVideo(a.mimeType) }
func (a *Artifact) Extension() string       { return ExtensionFor(a.mimeType) }

// IsAudioOrVideo reports whether the MIME type's top-level type is audio or video.
func IsAudioOrVideo(mimeType string) bool {
	base := baseType(mimeType)
	return strings.HasPrefix(base, "audio/") || strings.HasPrefix(base, "video/")
}

// ExtensionFor maps a MIME type to a file extension without the dot.
func ExtensionFor(mimeType string) string {
	switch baseType(mimeType) {
	case "video/webm", "audio/webm":
		return "webm"
	case "video/mp4":
		return "mp4"
	case "audio/mp4", "audio/x-m4a":
		return "m4a"
	case "audio/mpeg":
		return "mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/ogg", "video/ogg":
		return "ogg"
	case "video/quicktime":
		return "mov"
	default:
		return "bin"
	}
}

func baseType(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}
