package lifecycle

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"loom-chat/go-core/internal/engine"
	"loom-chat/go-core/internal/storage"
	"loom-chat/go-core/pkg/models"
)

const receiptNonceSize = 16

// Sealed return-receipt payloads decrypt to a single status byte.
const (
	receiptWireDelivered byte = 0x01
	receiptWireRead      byte = 0x02
)

// NewReturnReceiptCredentials mints the per-recipient nonce and key for a
// sent message. Both travel to the recipient inside the message payload;
// the recipient echoes the nonce in clear and seals the status under the
// key, so only the sender can tell a delivered echo from a read one.
func NewReturnReceiptCredentials() (nonce, key []byte, err error) {
	nonce = make([]byte, receiptNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, err
	}
	return nonce, key, nil
}

// InboundReturnReceipt is a recipient's echo for one of our sent messages.
// Nonce identifies the recipient info; Sealed is the status byte encrypted
// under that info's key material, AEAD nonce prepended.
type InboundReturnReceipt struct {
	Nonce  []byte
	Sealed []byte
	At     time.Time
}

// ApplyInboundReturnReceipt resolves the recipient info by nonce, opens the
// sealed status with its key material and folds the result into the
// delivery state. A nonce with no surviving recipient info raced a local
// deletion and is dropped silently; a payload that fails to open is
// rejected, it was not sealed by the recipient we handed the key to.
func (m *Manager) ApplyInboundReturnReceipt(tx *storage.Tx, fx Effects, rr InboundReturnReceipt) error {
	msg, ok := tx.MessageByReturnReceiptNonce(rr.Nonce)
	if !ok || msg.Sent == nil {
		return nil
	}
	var info models.RecipientInfo
	found := false
	for _, candidate := range tx.RecipientInfos(msg.ID) {
		if bytes.Equal(candidate.ReturnReceiptNonce, rr.Nonce) {
			info, found = candidate, true
			break
		}
	}
	if !found {
		return nil
	}

	status, err := openReturnReceipt(info.ReturnReceiptKeyMaterial, rr.Sealed)
	if err != nil {
		return fmt.Errorf("return receipt for %s: %w", info.RecipientIdentity, err)
	}
	at := rr.At
	if at.IsZero() {
		at = m.now()
	}
	u := DeliveryUpdate{MessageID: msg.ID, Recipient: info.RecipientIdentity}
	switch status {
	case receiptWireDelivered:
		u.DeliveredAt = at
	case receiptWireRead:
		u.ReadAt = at
	default:
		return fmt.Errorf("return receipt for %s: unknown status %#x", info.RecipientIdentity, status)
	}
	return m.ApplyDeliveryUpdate(tx, fx, u)
}

func openReturnReceipt(key, sealed []byte) (byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return 0, err
	}
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return 0, errors.New("sealed payload too short")
	}
	plaintext, err := aead.Open(nil, sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return 0, errors.New("authentication failed")
	}
	if len(plaintext) != 1 {
		return 0, errors.New("malformed status")
	}
	return plaintext[0], nil
}

// SetReceiptDispatcher routes staged receipts to the caller's choice of
// executor; the app points this at the pipeline's engine lane. Unset,
// receipts post inline on a fresh goroutine.
func (m *Manager) SetReceiptDispatcher(fn func(ownedIdentity string, receipt engine.ReturnReceipt)) {
	m.dispatch = fn
}

// DeliveredReceiptFor builds the delivered receipt for a freshly created
// received message. Delivered receipts are not gated by the read-receipt
// setting; they only confirm transport-level arrival.
func DeliveredReceiptFor(msg models.Message) (engine.ReturnReceipt, bool) {
	if msg.Received == nil || len(msg.Received.ReturnReceiptElements) == 0 {
		return engine.ReturnReceipt{}, false
	}
	return engine.ReturnReceipt{
		Elements:         msg.Received.ReturnReceiptElements,
		Status:           engine.ReceiptStatusDelivered,
		Recipient:        msg.Received.ContactIdentity,
		EngineIdentifier: msg.Received.EngineIdentifier,
	}, true
}

// readReceiptFor builds the read receipt, honoring the discussion's
// read-receipt setting against the app-wide default.
func (m *Manager) readReceiptFor(tx *storage.Tx, msg models.Message) (string, engine.ReturnReceipt, bool) {
	if msg.Received == nil || len(msg.Received.ReturnReceiptElements) == 0 {
		return "", engine.ReturnReceipt{}, false
	}
	disc, ok := tx.Discussion(msg.DiscussionID)
	if !ok || !disc.SendReadReceipts(m.opts.SendReadReceiptsDefault) {
		return "", engine.ReturnReceipt{}, false
	}
	return disc.OwnedIdentity, engine.ReturnReceipt{
		Elements:         msg.Received.ReturnReceiptElements,
		Status:           engine.ReceiptStatusRead,
		Recipient:        msg.Received.ContactIdentity,
		EngineIdentifier: msg.Received.EngineIdentifier,
	}, true
}

// StageDeliveredReceipt defers posting of the delivered receipt for a just
// created received message to after commit.
func (m *Manager) StageDeliveredReceipt(fx Effects, ownedIdentity string, msg models.Message) {
	receipt, ok := DeliveredReceiptFor(msg)
	if !ok {
		return
	}
	fx.Defer(func() { m.dispatchReceipt(ownedIdentity, receipt) })
}

func (m *Manager) dispatchReceipt(ownedIdentity string, receipt engine.ReturnReceipt) {
	if m.dispatch != nil {
		m.dispatch(ownedIdentity, receipt)
		return
	}
	go func() {
		if err := m.SendReturnReceipt(context.Background(), ownedIdentity, receipt); err != nil {
			m.log.Warn("return receipt dropped", "recipient", receipt.Recipient, "status", receipt.Status, "error", err)
		}
	}()
}

// SendReturnReceipt posts the receipt through the per-contact rate
// limiter, retrying transient failures up to the configured cap. A
// structural rejection deletes the receipt at the source instead of
// retrying forever.
func (m *Manager) SendReturnReceipt(ctx context.Context, ownedIdentity string, receipt engine.ReturnReceipt) error {
	token := models.EngineIdentifierToken(receipt.EngineIdentifier)
	for attempt := 1; ; attempt++ {
		if delay := m.limiter.Delay(receipt.Recipient, m.now()); delay > 0 {
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
		}
		m.limiter.Allow(receipt.Recipient, m.now())

		err := m.eng.PostReturnReceipt(ctx, ownedIdentity, receipt)
		if err == nil {
			return nil
		}
		if errors.Is(err, engine.ErrRejected) {
			if delErr := m.eng.DeleteReturnReceipt(ctx, ownedIdentity, token); delErr != nil {
				m.log.Warn("delete rejected receipt", "engine_id", token, "error", delErr)
			}
			return err
		}
		if attempt >= m.opts.MaxReceiptRetries {
			return err
		}
		if serr := sleepCtx(ctx, time.Duration(attempt)*200*time.Millisecond); serr != nil {
			return serr
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) deleteAcknowledgementHistory(ownedIdentity string, engineIDs [][]byte) {
	ctx := context.Background()
	for _, id := range engineIDs {
		if err := m.eng.DeleteAcknowledgementHistory(ctx, ownedIdentity, id); err != nil {
			m.log.Warn("delete acknowledgement history",
				"engine_id", models.EngineIdentifierToken(id), "error", err)
		}
	}
}
