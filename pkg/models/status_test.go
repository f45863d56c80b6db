package models

import (
	"testing"
	"time"
)

func info(mutate func(*RecipientInfo)) RecipientInfo {
	r := RecipientInfo{MessageID: "m1", RecipientIdentity: "c1"}
	if mutate != nil {
		mutate(&r)
	}
	return r
}

func TestRecomputeSentStatus(t *testing.T) {
	now := time.Now()
	accepted := func(r *RecipientInfo) { r.EngineIdentifier = []byte{1} }
	sent := func(r *RecipientInfo) {
		accepted(r)
		r.TimestampMessageSent = now
		r.TimestampAllAttachments = now
	}
	delivered := func(r *RecipientInfo) { sent(r); r.TimestampDelivered = now }
	read := func(r *RecipientInfo) { delivered(r); r.TimestampRead = now }

	cases := []struct {
		name  string
		infos []RecipientInfo
		want  string
	}{
		{"no recipients", nil, SentStatusUnprocessed},
		{"none accepted", []RecipientInfo{info(nil), info(nil)}, SentStatusUnprocessed},
		{"one accepted", []RecipientInfo{info(accepted), info(nil)}, SentStatusProcessing},
		{"all sent", []RecipientInfo{info(sent), info(sent)}, SentStatusSent},
		{"partial delivery stays sent", []RecipientInfo{info(delivered), info(sent)}, SentStatusSent},
		{"all delivered", []RecipientInfo{info(delivered), info(delivered)}, SentStatusDelivered},
		{"read without delivered timestamp counts as delivered", []RecipientInfo{
			info(func(r *RecipientInfo) { sent(r); r.TimestampRead = now }),
			info(delivered),
		}, SentStatusDelivered},
		{"all read", []RecipientInfo{info(read), info(read), info(read)}, SentStatusRead},
		{"one permanent failure", []RecipientInfo{
			info(sent),
			info(func(r *RecipientInfo) { accepted(r); r.CouldNotBeSentToServer = true }),
		}, SentStatusCouldNotBeSent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RecomputeSentStatus(tc.infos); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestMergeSentStatusNeverRegresses(t *testing.T) {
	if got := MergeSentStatus(SentStatusRead, SentStatusDelivered); got != SentStatusRead {
		t.Fatalf("read regressed to %q", got)
	}
	if got := MergeSentStatus(SentStatusProcessing, SentStatusDelivered); got != SentStatusDelivered {
		t.Fatalf("expected delivered, got %q", got)
	}
}

func TestUpsertReaction(t *testing.T) {
	msg := Message{}
	at := time.Now()
	msg.UpsertReaction("c1", "+1", at)
	msg.UpsertReaction("c2", "eyes", at)
	msg.UpsertReaction("c1", "heart", at.Add(time.Second))
	if len(msg.Reactions) != 2 {
		t.Fatalf("expected 2 reactions, got %d", len(msg.Reactions))
	}
	for _, r := range msg.Reactions {
		if r.Sender == "c1" && r.Emoji != "heart" {
			t.Fatalf("c1 reaction not replaced: %q", r.Emoji)
		}
	}
	msg.UpsertReaction("c2", "", at.Add(2*time.Second))
	if len(msg.Reactions) != 1 {
		t.Fatalf("expected removal, got %d reactions", len(msg.Reactions))
	}
}

func TestSharedConfigurationSupersedes(t *testing.T) {
	local := SharedConfiguration{Version: 3}
	if (SharedConfiguration{Version: 3}).Supersedes(local) {
		t.Fatal("equal version must keep local value")
	}
	if !(SharedConfiguration{Version: 4}).Supersedes(local) {
		t.Fatal("higher version must win")
	}
}

func TestDiscussionSendReadReceipts(t *testing.T) {
	var d Discussion
	if d.SendReadReceipts(false) {
		t.Fatal("expected global default false")
	}
	yes := true
	d.LocalConfig.DoSendReadReceipt = &yes
	if !d.SendReadReceipts(false) {
		t.Fatal("local override must win over global default")
	}
}
