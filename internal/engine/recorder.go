package engine

import (
	"context"
	"sync"
)

// Call records one engine invocation for assertions.
type Call struct {
	Method           string
	OwnedIdentity    string
	EngineIdentifier []byte
	ReceiptID        string
	AttachmentNumber int
	Directive        AttachmentsDirective
	Receipt          ReturnReceipt
}

// Recorder is the in-process Engine used by tests and by the coordinator
// when no transport adapter is wired. Optional per-method errors simulate
// transport failure.
type Recorder struct {
	mu    sync.Mutex
	calls []Call

	FailPostReturnReceipt error
	FailMarkProcessed     error
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Calls(method string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, 0)
	for _, c := range r.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (r *Recorder) record(c Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *Recorder) MarkMessageProcessed(_ context.Context, owned string, id []byte, directive AttachmentsDirective) error {
	if r.FailMarkProcessed != nil {
		return r.FailMarkProcessed
	}
	r.record(Call{Method: "MarkMessageProcessed", OwnedIdentity: owned, EngineIdentifier: id, Directive: directive})
	return nil
}

func (r *Recorder) DeleteMessageAndAttachments(_ context.Context, owned string, id []byte) error {
	r.record(Call{Method: "DeleteMessageAndAttachments", OwnedIdentity: owned, EngineIdentifier: id})
	return nil
}

func (r *Recorder) CancelMessageUpload(_ context.Context, owned string, id []byte) error {
	r.record(Call{Method: "CancelMessageUpload", OwnedIdentity: owned, EngineIdentifier: id})
	return nil
}

func (r *Recorder) CancelAttachmentDownload(_ context.Context, owned string, id []byte, number int) error {
	r.record(Call{Method: "CancelAttachmentDownload", OwnedIdentity: owned, EngineIdentifier: id, AttachmentNumber: number})
	return nil
}

func (r *Recorder) RequestAttachmentDownload(_ context.Context, owned string, id []byte, number int) error {
	r.record(Call{Method: "RequestAttachmentDownload", OwnedIdentity: owned, EngineIdentifier: id, AttachmentNumber: number})
	return nil
}

func (r *Recorder) PostReturnReceipt(_ context.Context, owned string, receipt ReturnReceipt) error {
	if r.FailPostReturnReceipt != nil {
		return r.FailPostReturnReceipt
	}
	r.record(Call{Method: "PostReturnReceipt", OwnedIdentity: owned, Receipt: receipt})
	return nil
}

func (r *Recorder) DeleteReturnReceipt(_ context.Context, owned string, receiptID string) error {
	r.record(Call{Method: "DeleteReturnReceipt", OwnedIdentity: owned, ReceiptID: receiptID})
	return nil
}

func (r *Recorder) DeleteAcknowledgementHistory(_ context.Context, owned string, id []byte) error {
	r.record(Call{Method: "DeleteAcknowledgementHistory", OwnedIdentity: owned, EngineIdentifier: id})
	return nil
}

var _ Engine = (*Recorder)(nil)
