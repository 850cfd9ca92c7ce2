package clipboard

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"image"
	"image/png"
	"io"

	"golang.org/x/image/tiff"
)

// Format is an image encoding the pipeline understands.
type Format string

const (
	FormatPNG  Format = "png"
	FormatTIFF Format = "tiff"
)

// DefaultPreference is the clipboard lookup order: PNG first, then TIFF.
var DefaultPreference = []Format{FormatPNG, FormatTIFF}

// Known reports whether f is an encoding the pipeline can decode and re-emit.
func (f Format) Known() bool {
	return f == FormatPNG || f == FormatTIFF
}

// Ext returns the file extension used for f in the history directory.
func (f Format) Ext() string { return string(f) }

// FormatFromExt maps a file extension (with or without the dot) to a Format.
func FormatFromExt(ext string) (Format, bool) {
	if len(ext) > 0 && ext[0] == '.' {
		ext = ext[1:]
	}
	switch Format(ext) {
	case FormatPNG:
		return FormatPNG, true
	case FormatTIFF, "tif":
		return FormatTIFF, true
	}
	return "", false
}

// Blob is an immutable encoded image. The zero value is an empty blob.
type Blob struct {
	data   []byte
	format Format
}

// NewBlob copies data so later changes to the caller's slice cannot leak in.
func NewBlob(data []byte, format Format) Blob {
	return Blob{data: bytes.Clone(data), format: format}
}

func (b Blob) Format() Format { return b.format }
func (b Blob) Len() int       { return len(b.data) }
func (b Blob) IsEmpty() bool  { return len(b.data) == 0 }

// Bytes returns a copy of the encoded payload.
func (b Blob) Bytes() []byte { return bytes.Clone(b.data) }

// Reader streams the payload without copying it.
func (b Blob) Reader() io.Reader { return bytes.NewReader(b.data) }

// Fingerprint is the SHA-256 of the exact payload bytes.
func (b Blob) Fingerprint() [sha256.Size]byte { return sha256.Sum256(b.data) }

// Equal reports byte equality of payload and format.
func (b Blob) Equal(o Blob) bool {
	return b.format == o.format && bytes.Equal(b.data, o.data)
}

// Decode decodes the payload with the decoder for its declared format.
func (b Blob) Decode() (image.Image, error) {
	switch b.format {
	case FormatPNG:
		return png.Decode(b.Reader())
	case FormatTIFF:
		return tiff.Decode(b.Reader())
	}
	return nil, ErrUnsupportedFormat
}

// Validate decodes the whole payload and reports why it is unusable, if it is.
// A readable header is not enough: truncated pixel data must fail here.
func (b Blob) Validate() error {
	img, err := b.Decode()
	if err != nil {
		return err
	}
	if r := img.Bounds(); r.Dx() <= 0 || r.Dy() <= 0 {
		return fmt.Errorf("empty %s image", b.format)
	}
	return nil
}

// Config reads only the header of the payload.
func (b Blob) Config() (image.Config, error) {
	switch b.format {
	case FormatPNG:
		return png.DecodeConfig(b.Reader())
	case FormatTIFF:
		return tiff.DecodeConfig(b.Reader())
	}
	return image.Config{}, ErrUnsupportedFormat
}

// Encode writes img in the given format. Unknown formats fall back to PNG, the
// canonical encoding; the format actually used is returned.
func Encode(img image.Image, format Format) (Blob, error) {
	var buf bytes.Buffer
	switch format {
	case FormatTIFF:
		if err := tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
			return Blob{}, err
		}
	default:
		format = FormatPNG
		if err := png.Encode(&buf, img); err != nil {
			return Blob{}, err
		}
	}
	return Blob{data: buf.Bytes(), format: format}, nil
}
