package imagesource

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"os"
	"time"

	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/geo"
)

// LocalFile serves a single image from disk for every request. It is used
// by the analyze command for offline runs against a saved scene.
type LocalFile struct {
	Path   string
	Prefix string
	now    func() time.Time
}

// NewLocalFile returns a source reading path on every fetch.
func NewLocalFile(path, prefix string) *LocalFile {
	if prefix == "" {
		prefix = DefaultAreaPrefix
	}
	return &LocalFile{Path: path, Prefix: prefix, now: time.Now}
}

// FetchLatest decodes the file. The capture time is the file modification time.
func (f *LocalFile) FetchLatest(ctx context.Context, bbox geo.BBox, _, _ float64) (*Acquisition, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.New(err).
			Component("imagesource").
			Category(errors.CategoryCancellation).
			Build()
	}

	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, errors.New(fmt.Errorf("open image: %w", err)).
			Component("imagesource").
			Category(errors.CategoryImageFetch).
			Context("path", f.Path).
			Build()
	}
	defer func() { _ = fh.Close() }()

	img, _, err := image.Decode(fh)
	if err != nil {
		return nil, errors.New(fmt.Errorf("decode image: %w", err)).
			Component("imagesource").
			Category(errors.CategoryImageFetch).
			Context("path", f.Path).
			Build()
	}

	capture := f.now()
	if st, err := fh.Stat(); err == nil {
		capture = st.ModTime()
	}

	return &Acquisition{
		Image:         img,
		ImageID:       ImageID(f.Prefix, f.now()),
		CaptureTime:   capture,
		BBox:          bbox,
		CloudCoverage: -1,
	}, nil
}

// FetchForBBox behaves like FetchLatest.
func (f *LocalFile) FetchForBBox(ctx context.Context, bbox geo.BBox, resolution float64) (*Acquisition, error) {
	return f.FetchLatest(ctx, bbox, resolution, DefaultMaxCloudCoverage)
}
