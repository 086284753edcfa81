package tool

import (
	"context"
	"testing"

	"github.com/convograph/convograph-go/graph/auth"
)

func echoTool(name string, risk int) Definition {
	return Definition{
		Name:        name,
		Description: name + " tool",
		RiskLevel:   risk,
		Execute: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			return input, nil
		},
	}
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(echoTool("search", 1)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	t.Run("duplicate rejected", func(t *testing.T) {
		if err := r.Register(echoTool("search", 1)); err == nil {
			t.Fatal("expected error for duplicate tool")
		}
	})

	t.Run("empty name rejected", func(t *testing.T) {
		if err := r.Register(echoTool("", 1)); err == nil {
			t.Fatal("expected error for empty name")
		}
	})

	t.Run("missing execute rejected", func(t *testing.T) {
		if err := r.Register(Definition{Name: "broken", RiskLevel: 1}); err == nil {
			t.Fatal("expected error for nil Execute")
		}
	})

	t.Run("risk level bounds enforced", func(t *testing.T) {
		if err := r.Register(echoTool("zero", 0)); err == nil {
			t.Fatal("expected error for risk level 0")
		}
		if err := r.Register(echoTool("six", 6)); err == nil {
			t.Fatal("expected error for risk level 6")
		}
	})
}

func TestRegistrySubset(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("open", 1))

	restricted := echoTool("restricted", 3)
	restricted.MinimumRole = auth.RoleOperator
	r.Register(restricted)

	scoped := echoTool("scoped", 2)
	scoped.RequiredPermissions = []string{"tools.scoped"}
	r.Register(scoped)

	t.Run("plain user sees only open tools", func(t *testing.T) {
		defs := r.Subset(auth.Principal{UserID: "u", Role: auth.RoleUser})
		if len(defs) != 1 || defs[0].Name != "open" {
			t.Fatalf("unexpected subset: %v", names(defs))
		}
	})

	t.Run("permission unlocks scoped tool", func(t *testing.T) {
		defs := r.Subset(auth.Principal{UserID: "u", Role: auth.RoleUser, Permissions: []string{"tools.scoped"}})
		if len(defs) != 2 {
			t.Fatalf("unexpected subset: %v", names(defs))
		}
	})

	t.Run("wildcard permission matches everything", func(t *testing.T) {
		defs := r.Subset(auth.Principal{UserID: "u", Role: auth.RoleOperator, Permissions: []string{auth.PermissionWildcard}})
		if len(defs) != 3 {
			t.Fatalf("unexpected subset: %v", names(defs))
		}
	})

	t.Run("specs mirror subset", func(t *testing.T) {
		specs := r.Specs(auth.Principal{UserID: "u", Role: auth.RoleUser})
		if len(specs) != 1 || specs[0].Name != "open" {
			t.Fatalf("unexpected specs: %v", specs)
		}
	})
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zebra", "alpha", "mid"} {
		r.Register(echoTool(name, 1))
	}
	got := r.Names()
	want := []string{"alpha", "mid", "zebra"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected sorted names %v, got %v", want, got)
		}
	}
}

func names(defs []Definition) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.Name
	}
	return out
}
