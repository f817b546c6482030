package convo

import (
	"strings"
	"testing"
	"time"

	"bot-danfe/internal/entitlement"
)

func TestFormatReais(t *testing.T) {
	cases := []struct {
		cents int64
		want  string
	}{
		{1490, "14,90"},
		{100, "1,00"},
		{5, "0,05"},
		{123456, "1234,56"},
	}
	for _, tc := range cases {
		if got := formatReais(tc.cents); got != tc.want {
			t.Errorf("formatReais(%d) = %q, want %q", tc.cents, got, tc.want)
		}
	}
}

func TestDenialMessagePicksTier(t *testing.T) {
	free := denialMessage(entitlement.DenyFreeTierExhausted, 1490, 100)
	if !strings.Contains(free, "consultas grátis acabaram") || !strings.Contains(free, "14,90") {
		t.Fatalf("free tier message: %s", free)
	}
	sub := denialMessage(entitlement.DenySubscriptionExhausted, 1490, 100)
	if !strings.Contains(sub, "100 consultas do mês") {
		t.Fatalf("subscription message: %s", sub)
	}
}

func TestStatusMessageForSubscriber(t *testing.T) {
	expiry := time.Date(2026, 9, 15, 18, 30, 0, 0, time.Local)
	user := &entitlement.User{
		IsSubscriber:       true,
		SubscriptionExpiry: &expiry,
		MonthlyQueriesUsed: 40,
		MonthlyQueryLimit:  100,
	}
	msg := statusMessage(user, 38, expiry.Add(-24*time.Hour))
	if !strings.Contains(msg, "Ativa") || !strings.Contains(msg, "15/09/2026") {
		t.Fatalf("status: %s", msg)
	}
	if !strings.Contains(msg, "Consultas restantes: 60") {
		t.Fatalf("status: %s", msg)
	}
	if !strings.Contains(msg, "Consultas realizadas: 38") {
		t.Fatalf("status: %s", msg)
	}
}

func TestStatusMessageForLapsedSubscriber(t *testing.T) {
	expiry := time.Now().Add(-time.Hour)
	user := &entitlement.User{
		IsSubscriber:         true,
		SubscriptionExpiry:   &expiry,
		FreeCreditsRemaining: 2,
	}
	msg := statusMessage(user, 10, time.Now())
	if !strings.Contains(msg, "Vencida") {
		t.Fatalf("status: %s", msg)
	}
	if !strings.Contains(msg, "Consultas restantes: 2") {
		t.Fatalf("status: %s", msg)
	}
}

func TestDocumentCaption(t *testing.T) {
	caption := documentCaption(testKey)
	if !strings.Contains(caption, "NFe") {
		t.Fatalf("caption: %s", caption)
	}
	if !strings.Contains(caption, "SP") {
		t.Fatalf("caption: %s", caption)
	}
	if !strings.Contains(caption, "01/2025") {
		t.Fatalf("caption: %s", caption)
	}
	if documentCaption("123") != "" {
		t.Fatal("invalid key must produce empty caption")
	}
}
