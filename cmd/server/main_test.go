package main

import (
	"context"
	"testing"

	"leafmatch/internal/config"
	"leafmatch/internal/store/memory"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short"})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestValidateQuizBankAcceptsSeedData(t *testing.T) {
	repo := memory.NewSeeded()
	if err := validateQuizBank(context.Background(), repo); err != nil {
		t.Fatalf("expected seeded quiz bank to validate, got %v", err)
	}
}
