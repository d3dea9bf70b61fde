package turn

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"strings"

	_ "golang.org/x/image/webp" // register decoder

	"github.com/iwamot/collmbo/pkg/models"
)

// DefaultMaxAttachmentBytes caps downloads for inlining.
const DefaultMaxAttachmentBytes = 20 << 20

// DefaultMaxPDFs is how many of the newest PDFs in a thread are inlined.
const DefaultMaxPDFs = 5

// Downloader fetches a private file from the chat platform. It returns the
// body and the response content type.
type Downloader interface {
	DownloadFile(ctx context.Context, url string) ([]byte, string, error)
}

var imageMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// pdfContentTypes are the response types Slack serves PDFs with.
var pdfContentTypes = map[string]bool{
	"application/pdf":     true,
	"binary/octet-stream": true,
}

func isImage(att models.Attachment) bool {
	return strings.HasPrefix(att.MimeType, "image/")
}

func isPDF(att models.Attachment) bool {
	return att.MimeType == "application/pdf" || strings.HasSuffix(strings.ToLower(att.Name), ".pdf")
}

// inliner turns attachments into content blocks for one build.
type inliner struct {
	cfg        Config
	downloader Downloader
	pdfs       int
}

// inline returns the block for att, or a *BuildError when it must be
// replaced by a warning.
func (in *inliner) inline(ctx context.Context, att models.Attachment) (models.ContentBlock, error) {
	switch {
	case isImage(att):
		if !in.cfg.ImageAccess {
			return models.ContentBlock{}, &BuildError{Kind: AttachmentAccessDisabled, Attachment: att.Name, MimeType: att.MimeType}
		}
		if !imageMimeTypes[att.MimeType] {
			return models.ContentBlock{}, &BuildError{Kind: UnsupportedAttachmentType, Attachment: att.Name, MimeType: att.MimeType}
		}
		data, err := in.download(ctx, att, func(ct string) bool { return imageMimeTypes[ct] })
		if err != nil {
			return models.ContentBlock{}, err
		}
		mime, err := sniffImage(data)
		if err != nil {
			return models.ContentBlock{}, &BuildError{Kind: UnsupportedAttachmentType, Attachment: att.Name, MimeType: att.MimeType, Cause: err}
		}
		return models.ImageBlock(data, mime), nil

	case isPDF(att):
		if !in.cfg.PDFAccess {
			return models.ContentBlock{}, &BuildError{Kind: AttachmentAccessDisabled, Attachment: att.Name, MimeType: att.MimeType}
		}
		if in.pdfs >= in.cfg.MaxPDFs {
			return models.ContentBlock{}, &BuildError{Kind: AttachmentLimitReached, Attachment: att.Name, MimeType: att.MimeType}
		}
		data, err := in.download(ctx, att, func(ct string) bool { return pdfContentTypes[ct] })
		if err != nil {
			return models.ContentBlock{}, err
		}
		if !bytes.HasPrefix(data, []byte("%PDF-")) {
			return models.ContentBlock{}, &BuildError{Kind: UnsupportedAttachmentType, Attachment: att.Name, MimeType: att.MimeType,
				Cause: fmt.Errorf("missing PDF header")}
		}
		in.pdfs++
		return models.DocumentBlock(data, "application/pdf", att.Name), nil

	default:
		return models.ContentBlock{}, &BuildError{Kind: UnsupportedAttachmentType, Attachment: att.Name, MimeType: att.MimeType}
	}
}

func (in *inliner) download(ctx context.Context, att models.Attachment, accept func(string) bool) ([]byte, error) {
	if att.Size > in.cfg.MaxAttachmentBytes {
		return nil, &BuildError{Kind: AttachmentTooLarge, Attachment: att.Name, MimeType: att.MimeType}
	}
	if in.downloader == nil {
		return nil, &BuildError{Kind: AttachmentDownloadFailed, Attachment: att.Name, Cause: fmt.Errorf("no downloader configured")}
	}
	data, contentType, err := in.downloader.DownloadFile(ctx, att.URL)
	if err != nil {
		return nil, &BuildError{Kind: AttachmentDownloadFailed, Attachment: att.Name, MimeType: att.MimeType, Cause: err}
	}
	if int64(len(data)) > in.cfg.MaxAttachmentBytes {
		return nil, &BuildError{Kind: AttachmentTooLarge, Attachment: att.Name, MimeType: att.MimeType}
	}
	contentType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	if !accept(contentType) {
		// Slack answers with an HTML login page when the bot lacks access.
		return nil, &BuildError{Kind: AttachmentDownloadFailed, Attachment: att.Name, MimeType: att.MimeType,
			Cause: fmt.Errorf("unexpected content type %q", contentType)}
	}
	return data, nil
}

// sniffImage decodes the image header and returns the real mime type.
func sniffImage(data []byte) (string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	mime := "image/" + format
	if !imageMimeTypes[mime] {
		return "", fmt.Errorf("unsupported image format %q", format)
	}
	return mime, nil
}
