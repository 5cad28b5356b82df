package util

import (
	"regexp"
	"testing"
	"time"
)

func TestNewJobID_Format(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	id := NewJobID("User-42@Example.com", now)
	re := regexp.MustCompile(`^job_user42examplecom_20260304T050607_[0-9a-f]{8}$`)
	if !re.MatchString(id) {
		t.Fatalf("NewJobID %q has unexpected format", id)
	}
	if other := NewJobID("User-42@Example.com", now); other == id {
		t.Fatalf("expected random suffix to differ, got %q twice", id)
	}
}

func TestNewJobID_OwnerSanitised(t *testing.T) {
	id := NewJobID("!!!", time.Now())
	if !regexp.MustCompile(`^job_anon_`).MatchString(id) {
		t.Fatalf("expected anon owner part, got %q", id)
	}
	long := NewJobID("abcdefghijklmnopqrstuvwxyz", time.Now())
	if !regexp.MustCompile(`^job_abcdefghijklmnop_`).MatchString(long) {
		t.Fatalf("expected owner part truncated to 16 chars, got %q", long)
	}
}

func TestItemID_Deterministic(t *testing.T) {
	if got := ItemID("job_x", 7); got != "job_x-0007" {
		t.Fatalf("ItemID = %q", got)
	}
	if ItemID("job_x", 1) == ItemID("job_x", 2) {
		t.Fatalf("item ids must differ by position")
	}
}
