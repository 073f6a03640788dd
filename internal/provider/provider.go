// Package provider declares the external collaborators the effect applier
// talks to. All calls are network calls that may fail transiently; callers
// treat a failure as "this sub-step failed" and keep going.
package provider

import "context"

// SignatureProvider exposes the e-signature system's artifact download.
type SignatureProvider interface {
	DownloadDeliverable(ctx context.Context, envelopeID, deliverableID string) ([]byte, error)
}

// UploadSlot is a one-shot destination for file bytes.
type UploadSlot struct {
	UploadURL string `json:"upload_url"`
	FileID    string `json:"file_id"`
}

// FileStore is the document storage collaborator.
type FileStore interface {
	RequestUploadSlot(ctx context.Context, fileName, contentType string) (UploadSlot, error)
	Upload(ctx context.Context, slot UploadSlot, data []byte) error
	CreateFileVersion(ctx context.Context, documentID, fileID string) error
}

// Mailer notifies humans about lifecycle events. Delivery is owned by the
// platform's notification service; a send failure is logged, never fatal.
type Mailer interface {
	Send(ctx context.Context, recipientID, subject, body string) error
}
