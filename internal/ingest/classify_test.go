package ingest

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestClassify(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		eventType string
		mode      string
		want      Kind
	}{
		{eventType: "checkout.session.completed", mode: "payment", want: KindOneTimeCheckout},
		{eventType: "checkout.session.completed", mode: "subscription", want: KindSubscriptionCheckout},
		{eventType: "checkout.session.async_payment_succeeded", mode: "payment", want: KindOneTimeCheckout},
		{eventType: "invoice.paid", want: KindRenewal},
		{eventType: "invoice.payment_succeeded", want: KindRenewal},
		{eventType: "customer.subscription.updated", want: KindSubscriptionChange},
		{eventType: "customer.subscription.deleted", want: KindSubscriptionChange},
		{eventType: "charge.refunded", want: KindIgnored},
		{eventType: "", want: KindIgnored},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.eventType+"/"+testCase.mode, func(test *testing.T) {
			test.Parallel()
			if got := Classify(testCase.eventType, testCase.mode); got != testCase.want {
				test.Fatalf("expected %s, got %s", testCase.want, got)
			}
		})
	}
}

func TestRetryPolicyDelay(test *testing.T) {
	test.Parallel()
	policy := DefaultRetryPolicy()
	expected := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, 64 * time.Second, 128 * time.Second, 256 * time.Second, 5 * time.Minute, 5 * time.Minute,
	}
	for index, want := range expected {
		if got := policy.Delay(index + 1); got != want {
			test.Fatalf("attempt %d: expected %s, got %s", index+1, want, got)
		}
	}
	if policy.Exhausted(7) || !policy.Exhausted(8) {
		test.Fatalf("expected exhaustion at attempt 8")
	}
}

func TestRetryPolicyNormalizesZeroValue(test *testing.T) {
	test.Parallel()
	var policy RetryPolicy
	if got := policy.Delay(1); got != defaultRetryBase {
		test.Fatalf("expected %s, got %s", defaultRetryBase, got)
	}
}

func TestTruncateErrorKeepsRunesWhole(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		message string
	}{
		{name: "multibyte rune straddles the limit", message: strings.Repeat("a", maxStoredErrorLength-1) + "ü" + "tail"},
		{name: "four byte runes", message: strings.Repeat("🙂", maxStoredErrorLength)},
		{name: "invalid bytes", message: "provider said \xff\xfe" + strings.Repeat("x", maxStoredErrorLength)},
		{name: "short message", message: "boom"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			stored := truncateError(errors.New(testCase.message))
			if !utf8.ValidString(stored) {
				test.Fatalf("stored message is not valid UTF-8: %q", stored)
			}
			if len(stored) > maxStoredErrorLength {
				test.Fatalf("stored message has %d bytes, limit %d", len(stored), maxStoredErrorLength)
			}
			if len(testCase.message) <= maxStoredErrorLength && stored != testCase.message {
				test.Fatalf("short message changed: %q", stored)
			}
		})
	}
}
