package tools

import (
	"context"
	"os"
	"time"

	"github.com/crocodilestick/calibre-web-automated/pkg/errcodes"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

// Converter wraps the ebook-convert binary. Output always goes to a fresh
// temporary path supplied by the caller; the converter never touches the
// source.
type Converter struct {
	Bin     string
	Timeout time.Duration
}

func NewConverter(bin string, timeout time.Duration) *Converter {
	if bin == "" {
		bin = "ebook-convert"
	}
	return &Converter{Bin: bin, Timeout: timeout}
}

// standardArgs enable the heuristics that produce better output but also
// fail on more inputs. The conservative retry drops them.
var standardArgs = []string{
	"--enable-heuristics",
}

// Convert runs src -> dst, retrying once with a conservative argument set
// when the first attempt fails. Both attempts failing is terminal for the
// file.
func (c *Converter) Convert(ctx context.Context, src, dst string) error {
	log := logger.FromContext(ctx)

	args := append([]string{src, dst}, standardArgs...)
	result, err := c.run(ctx, args, dst)
	if err == nil {
		return nil
	}
	log.Warn("conversion failed, retrying with conservative arguments", logger.Data{
		"src":    src,
		"stderr": result.Stderr,
	})

	result, err = c.run(ctx, []string{src, dst}, dst)
	if err == nil {
		return nil
	}
	log.Err(err).Error("conversion failed", logger.Data{"src": src, "stderr": result.Stderr})
	return errcodes.ConversionFailed(src)
}

func (c *Converter) run(ctx context.Context, args []string, dst string) (*Result, error) {
	result, err := Run(ctx, c.Timeout, c.Bin, args...)
	if err != nil {
		os.Remove(dst)
		return result, err
	}
	// ebook-convert can exit 0 without producing output on some malformed
	// inputs; treat that as failure too.
	if _, statErr := os.Stat(dst); statErr != nil {
		return result, errors.New("conversion produced no output file")
	}
	return result, nil
}
