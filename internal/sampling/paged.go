package sampling

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gen2brain/go-fitz"
)

// DefaultPageInterval is how long each still or PDF page is shown
const DefaultPageInterval = time.Second

// pagedStream presents a fixed list of pages as a video where every page is
// shown for interval.
type pagedStream struct {
	pages    int
	interval time.Duration
	render   func(page int) ([]byte, error)
	close    func() error
}

func (p *pagedStream) Duration() time.Duration {
	return time.Duration(p.pages) * p.interval
}

func (p *pagedStream) Seek(ctx context.Context, offsetMs int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page := int(offsetMs / p.interval.Milliseconds())
	if page < 0 || page >= p.pages {
		return nil, fmt.Errorf("offset %dms is past page %d", offsetMs, p.pages)
	}
	return p.render(page)
}

func (p *pagedStream) Close() error {
	if p.close == nil {
		return nil
	}
	return p.close()
}

func pageInterval(d time.Duration) time.Duration {
	if d < time.Millisecond {
		return DefaultPageInterval
	}
	return d
}

// StillsSource treats a directory of photos (JPEG, PNG, GIF, HEIC) as a
// video, ordered by file name
type StillsSource struct {
	Interval time.Duration
}

// Open implements Source
func (s StillsSource) Open(_ context.Context, dir string) (Stream, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading directory: %w", ErrSourceUnreadable, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && isStill(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no images in %s", ErrSourceUnreadable, dir)
	}
	sort.Strings(files)

	return &pagedStream{
		pages:    len(files),
		interval: pageInterval(s.Interval),
		render: func(page int) ([]byte, error) {
			data, err := os.ReadFile(files[page])
			if err != nil {
				return nil, fmt.Errorf("reading file: %w", err)
			}
			return toPNG(data)
		},
	}, nil
}

// PDFSource treats each page of a scanned PDF as a frame
type PDFSource struct {
	Interval time.Duration
}

// Open implements Source
func (s PDFSource) Open(_ context.Context, path string) (Stream, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening PDF: %w", ErrSourceUnreadable, err)
	}
	pages := doc.NumPage()
	if pages == 0 {
		doc.Close()
		return nil, fmt.Errorf("%w: %s has no pages", ErrSourceUnreadable, path)
	}

	return &pagedStream{
		pages:    pages,
		interval: pageInterval(s.Interval),
		render: func(page int) ([]byte, error) {
			img, err := doc.Image(page)
			if err != nil {
				return nil, fmt.Errorf("rendering PDF page: %w", err)
			}
			return encodePNG(img)
		},
		close: doc.Close,
	}, nil
}
