package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"
)

const testSecret = "whsec_test"

func sign(payload []byte, secret string, at time.Time) string {
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestParseWebhookSucceeded(t *testing.T) {
	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded",` +
		`"data":{"object":{"id":"pi_1","object":"payment_intent","amount":1200,"metadata":{"trip_id":"t1","tip_cents":"200"}}}}`)

	ev, err := ParseWebhook(payload, sign(payload, testSecret, time.Now()), testSecret)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Type != EventIntentSucceeded || ev.IntentID != "pi_1" || ev.AmountCents != 1200 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Metadata["trip_id"] != "t1" {
		t.Fatalf("metadata not decoded: %+v", ev.Metadata)
	}
}

func TestParseWebhookFailureMessage(t *testing.T) {
	payload := []byte(`{"id":"evt_2","object":"event","type":"payment_intent.payment_failed",` +
		`"data":{"object":{"id":"pi_2","object":"payment_intent","amount":900,"last_payment_error":{"message":"Your card was declined."}}}}`)

	ev, err := ParseWebhook(payload, sign(payload, testSecret, time.Now()), testSecret)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Failure != "Your card was declined." {
		t.Fatalf("failure = %q", ev.Failure)
	}
}

func TestParseWebhookRejectsBadSignature(t *testing.T) {
	payload := []byte(`{"id":"evt_3","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_3"}}}`)

	if _, err := ParseWebhook(payload, sign(payload, "whsec_other", time.Now()), testSecret); err == nil {
		t.Fatal("expected signature error")
	}
	if _, err := ParseWebhook(payload, "", testSecret); err == nil {
		t.Fatal("expected error for missing header")
	}
	stale := sign(payload, testSecret, time.Now().Add(-time.Hour))
	if _, err := ParseWebhook(payload, stale, testSecret); err == nil {
		t.Fatal("expected error for stale timestamp")
	}
}
