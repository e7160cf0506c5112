package permission

import (
	"errors"
	"testing"
)

func TestZeroSetDeniesEverything(t *testing.T) {
	var s Set
	if s.Allows(ProviderChat) {
		t.Error("zero Set should deny")
	}
	if err := s.Require("actor-1", ProviderChat); !errors.Is(err, ErrDenied) {
		t.Errorf("Require() = %v, want ErrDenied", err)
	}
}

func TestAllows(t *testing.T) {
	tests := []struct {
		name  string
		set   Set
		perm  string
		allow bool
	}{
		{"exact", New(ProviderChat), ProviderChat, true},
		{"other", New(ProviderChat), ProviderImage, false},
		{"prefix wildcard", New("provider:*"), ProviderEmbedding, true},
		{"prefix wildcard other namespace", New("provider:*"), "storage:write", false},
		{"global wildcard", All(), "anything", true},
		{"blank grants ignored", New(" ", ""), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.set.Allows(tt.perm); got != tt.allow {
				t.Errorf("Allows(%q) = %v, want %v", tt.perm, got, tt.allow)
			}
		})
	}
}

func TestRequireReportsFirstMissing(t *testing.T) {
	s := New(ProviderText)
	err := s.Require("summarize", ProviderText, ProviderImage, ProviderChat)

	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("Require() = %v, want *DeniedError", err)
	}
	if denied.Permission != ProviderImage || denied.Scope != "summarize" {
		t.Errorf("Unexpected denial %+v", denied)
	}
}

func TestWithDoesNotMutate(t *testing.T) {
	base := New(ProviderText)
	extended := base.With(ProviderChat)

	if base.Allows(ProviderChat) {
		t.Error("With must not mutate the receiver")
	}
	if !extended.Allows(ProviderChat) || !extended.Allows(ProviderText) {
		t.Errorf("extended set missing grants: %s", extended)
	}
	if got := extended.String(); got != "[provider:chat,provider:text]" {
		t.Errorf("String() = %q", got)
	}
}
