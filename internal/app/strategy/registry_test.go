package strategy

import (
	"context"
	"testing"

	"github.com/quantbridge/quantbridge/errs"
	"github.com/quantbridge/quantbridge/internal/domain/schema"
)

type nullStrategy struct{}

func (nullStrategy) Analyze(context.Context, *schema.MarketData) (*schema.TradingSignal, error) {
	return nil, nil
}
func (nullStrategy) RequiredIndicators() []string { return nil }

func def(name string) Definition {
	return Definition{
		Meta: Metadata{Name: name},
		New:  func(map[string]any) (Strategy, error) { return nullStrategy{}, nil },
	}
}

func TestRegisterValidatesDefinitions(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(def("")); errs.Classify(err) != errs.CodeInvalid {
		t.Fatalf("expected invalid for empty name, got %v", err)
	}
	if err := r.Register(Definition{Meta: Metadata{Name: "orphan"}}); errs.Classify(err) != errs.CodeInvalid {
		t.Fatalf("expected invalid for missing factory, got %v", err)
	}
	bad := def("bad_params")
	bad.Meta.Params = []ParamSpec{{Name: "period"}}
	if err := r.Register(bad); errs.Classify(err) != errs.CodeInvalid {
		t.Fatalf("expected invalid for untyped parameter, got %v", err)
	}

	if err := r.Register(def("Momentum")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(def("momentum")); errs.Classify(err) != errs.CodeConflict {
		t.Fatalf("expected conflict for duplicate name, got %v", err)
	}
	if _, ok := r.Lookup("MOMENTUM"); !ok {
		t.Fatal("expected case-insensitive lookup")
	}
}

func TestReplaceScriptedSwapsOnlyScripted(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(def("builtin")); err != nil {
		t.Fatalf("Register builtin: %v", err)
	}

	if failed := r.ReplaceScripted([]Definition{def("alpha"), def("beta")}); len(failed) != 0 {
		t.Fatalf("unexpected failures %v", failed)
	}
	if r.Len() != 3 {
		t.Fatalf("expected 3 definitions, got %d", r.Len())
	}

	// Second sweep drops alpha and beta; the builtin collision is reported
	// and skipped without touching the existing entry.
	failed := r.ReplaceScripted([]Definition{def("gamma"), def("builtin")})
	if len(failed) != 1 || errs.Classify(failed[0]) != errs.CodeConflict {
		t.Fatalf("expected one conflict, got %v", failed)
	}
	if _, ok := r.Lookup("alpha"); ok {
		t.Fatal("expected alpha removed by reload")
	}
	if _, ok := r.Lookup("gamma"); !ok {
		t.Fatal("expected gamma registered")
	}
	builtin, ok := r.Lookup("builtin")
	if !ok || builtin.Scripted {
		t.Fatalf("expected builtin untouched, got scripted=%v ok=%v", builtin.Scripted, ok)
	}
}

func TestCatalogSortedAndCloned(t *testing.T) {
	r := NewRegistry()
	withParams := def("zeta")
	withParams.Meta.Params = []ParamSpec{{Name: "period", Type: ParamInt, Default: 5}}
	for _, d := range []Definition{withParams, def("alpha"), def("mid")} {
		if err := r.Register(d); err != nil {
			t.Fatalf("Register %s: %v", d.Meta.Name, err)
		}
	}

	catalog := r.Catalog()
	if len(catalog) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(catalog))
	}
	for i, want := range []string{"alpha", "mid", "zeta"} {
		if catalog[i].Name != want {
			t.Fatalf("expected %s at %d, got %s", want, i, catalog[i].Name)
		}
	}

	catalog[2].Params[0].Name = "mutated"
	fresh, _ := r.Lookup("zeta")
	if fresh.Meta.Params[0].Name != "period" {
		t.Fatal("expected catalog entries to be cloned")
	}
}
