package sampling

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Router picks a Source by the shape of the reference: directories are still
// sequences, .pdf files are paged documents, anything else is video.
type Router struct {
	Video  Source
	Stills Source
	PDF    Source
}

// Open implements Source
func (r Router) Open(ctx context.Context, ref string) (Stream, error) {
	info, err := os.Stat(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnreadable, err)
	}
	var src Source
	switch {
	case info.IsDir():
		src = r.Stills
	case strings.EqualFold(filepath.Ext(ref), ".pdf"):
		src = r.PDF
	default:
		src = r.Video
	}
	if src == nil {
		return nil, fmt.Errorf("%w: no source configured for %s", ErrSourceUnreadable, ref)
	}
	return src.Open(ctx, ref)
}
