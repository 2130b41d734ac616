// Package storage lays out crawled documents, raw fallbacks and images on top
// of a crawler.BlobStore backend.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/crawlfleet/internal/crawler"
)

const (
	textContentType  = "text/plain; charset=utf-8"
	rawContentType   = "text/html"
	imageContentType = "image/jpeg"
)

// TextPath is the name of the extracted text record for a URL digest.
func TextPath(urlDigest string) string { return urlDigest + ".txt" }

// RawPath is the name of the raw HTML fallback for a URL digest.
func RawPath(urlDigest string) string { return urlDigest + ".html" }

// ImagePath is the name of the index-th image saved for a URL digest.
func ImagePath(urlDigest string, index int) string {
	return fmt.Sprintf("images/%s-%d.jpg", urlDigest, index)
}

// FormatText renders the text record: a title header line followed by body.
func FormatText(title, body string) string {
	var b strings.Builder
	b.Grow(len("Title: ") + len(title) + 1 + len(body))
	b.WriteString("Title: ")
	b.WriteString(title)
	b.WriteByte('\n')
	b.WriteString(body)
	return b.String()
}

// DocumentWriter persists documents for the worker.
type DocumentWriter struct {
	blobs crawler.BlobStore
}

// NewDocumentWriter wraps a blob backend.
func NewDocumentWriter(blobs crawler.BlobStore) *DocumentWriter {
	return &DocumentWriter{blobs: blobs}
}

// WriteText stores the extracted text record and returns its URI.
func (w *DocumentWriter) WriteText(ctx context.Context, urlDigest, title, body string) (string, error) {
	uri, err := w.blobs.PutObject(ctx, TextPath(urlDigest), textContentType, strings.NewReader(FormatText(title, body)))
	if err != nil {
		return "", fmt.Errorf("write text record: %w", err)
	}
	return uri, nil
}

// WriteRaw stores the unprocessed page bytes.
func (w *DocumentWriter) WriteRaw(ctx context.Context, urlDigest string, raw []byte) (string, error) {
	uri, err := w.blobs.PutObject(ctx, RawPath(urlDigest), rawContentType, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("write raw fallback: %w", err)
	}
	return uri, nil
}

// SaveImage stores one image. It satisfies images.Saver.
func (w *DocumentWriter) SaveImage(ctx context.Context, urlDigest string, index int, data []byte) (string, error) {
	uri, err := w.blobs.PutObject(ctx, ImagePath(urlDigest, index), imageContentType, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("write image %d: %w", index, err)
	}
	return uri, nil
}
