// Package engine declares the contract this core expects from the external
// messaging engine: the collaborator that owns transport encryption,
// delivery, and attachment transfer. The core never sees ciphertext or the
// wire; it consumes decrypted payloads with envelope metadata and issues the
// calls below.
package engine

import (
	"context"
	"errors"
	"time"
)

// ErrRejected marks a structural refusal by the engine: the request can
// never succeed and must not be retried.
var ErrRejected = errors.New("engine: request rejected")

const (
	DirectiveDownloadAll   = "download_all"
	DirectiveDeleteAll     = "delete_all"
	DirectiveNoOp          = "no_op"
	DirectivePerAttachment = "per_attachment"
)

const (
	AttachmentActionDownload = "download"
	AttachmentActionDelete   = "delete"
	AttachmentActionLater    = "later"
)

// AttachmentsDirective tells the engine what to do with a message's
// attachments once the message itself is processed. Actions is indexed by
// attachment number and only read for DirectivePerAttachment.
type AttachmentsDirective struct {
	Kind    string
	Actions []string
}

const (
	ReceiptStatusDelivered = "delivered"
	ReceiptStatusRead      = "read"
)

// ReturnReceipt carries everything needed to acknowledge a message back to
// its original sender. Elements are opaque sender-provided values stored
// with the message at ingestion time; a receipt without them cannot be
// posted.
type ReturnReceipt struct {
	Elements         [][]byte
	Status           string
	Recipient        string
	EngineIdentifier []byte
	AttachmentNumber *int
}

type Engine interface {
	// MarkMessageProcessed tells the engine the envelope can be deleted
	// and what to do with its attachments.
	MarkMessageProcessed(ctx context.Context, ownedIdentity string, engineIdentifier []byte, directive AttachmentsDirective) error

	// DeleteMessageAndAttachments discards an envelope that will never be
	// processed (decode failure, expired holding entry).
	DeleteMessageAndAttachments(ctx context.Context, ownedIdentity string, engineIdentifier []byte) error

	CancelMessageUpload(ctx context.Context, ownedIdentity string, engineIdentifier []byte) error
	CancelAttachmentDownload(ctx context.Context, ownedIdentity string, engineIdentifier []byte, attachmentNumber int) error
	RequestAttachmentDownload(ctx context.Context, ownedIdentity string, engineIdentifier []byte, attachmentNumber int) error

	PostReturnReceipt(ctx context.Context, ownedIdentity string, receipt ReturnReceipt) error
	DeleteReturnReceipt(ctx context.Context, ownedIdentity string, receiptID string) error

	// DeleteAcknowledgementHistory drops the engine-side per-recipient
	// acknowledgement rows once the aggregate status reached read.
	DeleteAcknowledgementHistory(ctx context.Context, ownedIdentity string, engineIdentifier []byte) error
}

// InboundEnvelope is the metadata the engine attaches to every decrypted
// payload it hands over. Either SenderIdentity is set, or the payload came
// from another device of the owned identity itself.
type InboundEnvelope struct {
	EngineIdentifier     []byte
	OwnedIdentity        string
	SenderIdentity       string
	FromOtherOwnedDevice bool
	UploadedAt           time.Time
	DownloadedAt         time.Time
	AttachmentCount      int
}

// AttachmentStorage is the content-addressed blob directory collaborator.
// The core never touches file bytes; it only reconciles the set of known
// filenames against what messages still reference.
type AttachmentStorage interface {
	ListKnownFilenames(ctx context.Context) ([]string, error)
	TrashFilesNotIn(ctx context.Context, keep map[string]struct{}) (int, error)
}

// CallSignaling receives signaling payloads. VoIP itself is out of scope;
// the ingestion machine only forwards.
type CallSignaling interface {
	HandleSignalingPayload(ctx context.Context, senderIdentity string, payload []byte)
}
