package directory

import (
	"context"
	"testing"
)

func TestMemoryLookups(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.AddUser(&User{
		ID:        "user-1",
		AccountID: "acct-1",
		Email:     "owner@example.com",
		Scopes:    []string{"dashboard:read"},
	})
	m.AddInstance(&Instance{ID: "inst-1", AccountID: "acct-1"})

	u, err := m.LookupUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("LookupUser failed: %v", err)
	}
	if u.AccountID != "acct-1" {
		t.Errorf("expected account acct-1, got %s", u.AccountID)
	}

	byEmail, err := m.LookupUserByEmail(ctx, "owner@example.com")
	if err != nil {
		t.Fatalf("LookupUserByEmail failed: %v", err)
	}
	if byEmail.ID != "user-1" {
		t.Errorf("expected user-1, got %s", byEmail.ID)
	}

	if _, err := m.LookupUser(ctx, "nobody"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := m.LookupInstance(ctx, "nothing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRevocation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.AddUser(&User{ID: "user-1", AccountID: "acct-1", Email: "owner@example.com"})
	m.AddDevice("user-1", &Device{ID: "device-1", Name: "laptop"})
	m.AddInstance(&Instance{ID: "inst-1", AccountID: "acct-1"})

	m.RevokeDevice("user-1", "device-1")
	m.RevokeInstance("inst-1")

	u, err := m.LookupUser(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if !u.Devices["device-1"].Revoked {
		t.Error("device should be revoked")
	}

	inst, err := m.LookupInstance(ctx, "inst-1")
	if err != nil {
		t.Fatal(err)
	}
	if !inst.Revoked {
		t.Error("instance should be revoked")
	}
}

func TestMemoryLookupReturnsCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.AddUser(&User{ID: "user-1", Email: "owner@example.com", Scopes: []string{"dashboard:read"}})

	u, _ := m.LookupUser(ctx, "user-1")
	u.Scopes[0] = "mutated"
	u.Revoked = true

	again, _ := m.LookupUser(ctx, "user-1")
	if again.Scopes[0] != "dashboard:read" || again.Revoked {
		t.Error("lookup results should be isolated copies")
	}
}
