package clipboard

import (
	"errors"
	"sync"

	"golang.design/x/clipboard"
)

var ErrUnsupportedFormat = errors.New("unsupported image format")

// Source exposes the raw clipboard payload for one format, if present.
type Source interface {
	Read(format Format) ([]byte, bool)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(format Format) ([]byte, bool)

func (f SourceFunc) Read(format Format) ([]byte, bool) { return f(format) }

var (
	initOnce sync.Once
	initErr  error
	writeMu  sync.Mutex
)

func Init() error {
	initOnce.Do(func() { initErr = clipboard.Init() })
	return initErr
}

// System reads the OS clipboard. The backing library only exposes images as
// PNG, so TIFF is always reported absent here.
type System struct{}

func (System) Read(format Format) ([]byte, bool) {
	if format != FormatPNG {
		return nil, false
	}
	data := clipboard.Read(clipboard.FmtImage)
	return data, len(data) > 0
}

// ReadPreferred tries each format in order and returns the first payload that
// is present and fully decodes as the format it claims to be. Unknown formats
// and malformed payloads count as absent, never as a partial blob.
func ReadPreferred(src Source, prefs ...Format) (Blob, bool) {
	return ReadPreferredWith(src, func(b Blob) bool { return b.Validate() == nil }, prefs...)
}

// ReadPreferredWith is ReadPreferred with the full-decode check replaced by
// valid, so callers that remember earlier verdicts can skip decoding bytes
// they have already seen. valid only sees payloads whose header parsed.
func ReadPreferredWith(src Source, valid func(Blob) bool, prefs ...Format) (Blob, bool) {
	if len(prefs) == 0 {
		prefs = DefaultPreference
	}
	for _, f := range prefs {
		if !f.Known() {
			continue
		}
		data, ok := src.Read(f)
		if !ok || len(data) == 0 {
			continue
		}
		blob := NewBlob(data, f)
		if cfg, err := blob.Config(); err != nil || cfg.Width <= 0 || cfg.Height <= 0 {
			continue
		}
		if !valid(blob) {
			continue
		}
		return blob, true
	}
	return Blob{}, false
}

// WriteText places text on the clipboard.
func WriteText(text string) error {
	if err := Init(); err != nil {
		return err
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	clipboard.Write(clipboard.FmtText, []byte(text))
	return nil
}

// WriteImage places a PNG rendition of blob on the clipboard.
func WriteImage(blob Blob) error {
	if blob.Format() != FormatPNG {
		img, err := blob.Decode()
		if err != nil {
			return err
		}
		if blob, err = Encode(img, FormatPNG); err != nil {
			return err
		}
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	clipboard.Write(clipboard.FmtImage, blob.data)
	return nil
}
