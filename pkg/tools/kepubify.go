package tools

import (
	"context"
	"time"
)

// Kepubifier wraps the kepubify binary for Kobo-targeted conversions.
type Kepubifier struct {
	Bin     string
	Timeout time.Duration
}

func NewKepubifier(bin string, timeout time.Duration) *Kepubifier {
	if bin == "" {
		bin = "kepubify"
	}
	return &Kepubifier{Bin: bin, Timeout: timeout}
}

func (k *Kepubifier) Convert(ctx context.Context, src, dst string) error {
	_, err := Run(ctx, k.Timeout, k.Bin, "-o", dst, src)
	return err
}
