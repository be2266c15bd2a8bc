package db

import (
	"context"
	"testing"
)

func TestConnFromContext_NoTransaction(t *testing.T) {
	if tx := ConnFromContext(context.Background()); tx != nil {
		t.Fatalf("expected nil outside a transaction, got %v", tx)
	}
}
