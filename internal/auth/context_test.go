// ABOUTME: Tests for principal propagation through context
// ABOUTME: Covers present, missing and panicking lookups

package auth

import (
	"context"
	"testing"
)

func TestFromContext_Present(t *testing.T) {
	ctx := WithPrincipal(context.Background(), testPrincipal)

	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("FromContext() ok = false, want true")
	}
	if got.UserID != testPrincipal.UserID {
		t.Errorf("FromContext().UserID = %q, want %q", got.UserID, testPrincipal.UserID)
	}
}

func TestFromContext_Missing(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Error("FromContext() ok = true on empty context")
	}
}

func TestMustFromContext_Present(t *testing.T) {
	ctx := WithPrincipal(context.Background(), testPrincipal)
	if got := MustFromContext(ctx); got.Login != "octocat" {
		t.Errorf("MustFromContext().Login = %q", got.Login)
	}
}

func TestMustFromContext_Missing(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustFromContext() did not panic")
		}
	}()
	MustFromContext(context.Background())
}
