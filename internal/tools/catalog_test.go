package tools

import (
	"context"
	"reflect"
	"slices"
	"strings"
	"testing"
)

func TestRegistry_SortedByName(t *testing.T) {
	specs := Registry()
	var names []string
	for _, s := range specs {
		names = append(names, s.Name)
	}
	want := []string{"RetrieveMemory", "RollDice", "SendMessage", "SendVoiceMessage", "StoreMemory"}
	if !slices.Equal(names, want) {
		t.Errorf("Registry() names = %v, want %v", names, want)
	}
}

func TestRegistry_DoesNotAlias(t *testing.T) {
	a := Registry()
	a[0].Name = "Mutated"
	if b := Registry(); b[0].Name == "Mutated" {
		t.Error("Registry() returned a slice aliasing the static table")
	}
}

// The registry is written by hand, so check it against the struct tags
// of each variant: same field names, same order, matching JSON types.
func TestRegistry_MatchesArgStructs(t *testing.T) {
	variants := map[string]Args{
		TypeSendMessage:      SendMessage{},
		TypeSendVoiceMessage: SendVoiceMessage{},
		TypeStoreMemory:      StoreMemory{},
		TypeRetrieveMemory:   RetrieveMemory{},
		TypeRollDice:         RollDice{},
	}
	kindTypes := map[reflect.Kind]string{
		reflect.String: "string",
		reflect.Bool:   "boolean",
		reflect.Int:    "integer",
	}

	for _, spec := range Registry() {
		v, ok := variants[spec.Type]
		if !ok {
			t.Errorf("registry has %q with no variant struct in this test", spec.Type)
			continue
		}
		if got := v.ToolType(); got != spec.Type {
			t.Errorf("%s.ToolType() = %q, want %q", spec.Name, got, spec.Type)
		}
		if got := reflect.TypeOf(v).Name(); got != spec.Name {
			t.Errorf("struct name = %q, want %q", got, spec.Name)
		}

		rt := reflect.TypeOf(v)
		if rt.NumField() != len(spec.Fields) {
			t.Errorf("%s: %d struct fields, %d registered", spec.Name, rt.NumField(), len(spec.Fields))
			continue
		}
		for i, f := range spec.Fields {
			sf := rt.Field(i)
			tag, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
			if tag != f.Name {
				t.Errorf("%s field %d: tag = %q, want %q", spec.Name, i, tag, f.Name)
			}
			if got := kindTypes[sf.Type.Kind()]; got != f.Type {
				t.Errorf("%s.%s: type = %q, want %q", spec.Name, f.Name, got, f.Type)
			}
		}
	}
	if len(Registry()) != len(variants) {
		t.Errorf("registry has %d entries, want %d", len(Registry()), len(variants))
	}
}

func TestLookup(t *testing.T) {
	s, ok := Lookup(TypeRollDice)
	if !ok {
		t.Fatal("Lookup(dice_roll) not found")
	}
	if s.Name != "RollDice" {
		t.Errorf("Name = %q, want %q", s.Name, "RollDice")
	}
	if _, ok := Lookup("launch_rockets"); ok {
		t.Error("Lookup(launch_rockets) found, want not found")
	}
}

func TestFormat_Layout(t *testing.T) {
	specs := []Spec{
		{
			Name:        "Alpha",
			Type:        "alpha",
			Description: "First tool.",
			Fields: []FieldSpec{
				{Name: "x", Type: "string", Description: "An x."},
				{Name: "y", Type: "integer"},
			},
		},
		{Name: "Beta", Type: "beta"},
	}

	want := "TOOL_TYPE: alpha\n" +
		"DESCRIPTION: First tool.\n" +
		"TOOL_ARGUMENTS\n" +
		"    FIELD: x\n" +
		"    TYPE: string\n" +
		"    DESCRIPTION: An x.\n" +
		"    FIELD: y\n" +
		"    TYPE: integer\n" +
		"    DESCRIPTION: No description available\n" +
		"\n" +
		"TOOL_TYPE: beta\n" +
		"DESCRIPTION: No description available\n" +
		"TOOL_ARGUMENTS"

	if got := Format(specs); got != want {
		t.Errorf("Format() =\n%s\nwant\n%s", got, want)
	}
}

func TestFormat_Empty(t *testing.T) {
	if got := Format(nil); got != "" {
		t.Errorf("Format(nil) = %q, want empty", got)
	}
}

func TestCatalogRender_OrderedByVariantName(t *testing.T) {
	c := NewCatalog(nil)
	out, err := c.Render(context.Background(), true)
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}

	var types []string
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(line, "TOOL_TYPE: "); ok {
			types = append(types, v)
		}
	}
	want := []string{TypeRetrieveMemory, TypeRollDice, TypeSendMessage, TypeSendVoiceMessage, TypeStoreMemory}
	if !slices.Equal(types, want) {
		t.Errorf("rendered tool types = %v, want %v", types, want)
	}
	if strings.Contains(out, "\n\n\n") {
		t.Error("sections separated by more than one blank line")
	}
}

func TestCatalogRender_OmitDisabled(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryDisabledStore()
	if err := store.Disable(ctx, TypeStoreMemory); err != nil {
		t.Fatalf("Disable() error: %v", err)
	}
	c := NewCatalog(store)

	filtered, err := c.Render(ctx, true)
	if err != nil {
		t.Fatalf("Render(omit) error: %v", err)
	}
	if strings.Contains(filtered, "TOOL_TYPE: store_memory") {
		t.Error("filtered catalog still lists store_memory")
	}
	if strings.Contains(filtered, "insert a memory into the vector database") {
		t.Error("filtered catalog still contains store_memory documentation")
	}
	if !strings.Contains(filtered, "TOOL_TYPE: retrieve_memory") {
		t.Error("filtered catalog dropped retrieve_memory")
	}

	full, err := c.Render(ctx, false)
	if err != nil {
		t.Fatalf("Render(all) error: %v", err)
	}
	if !strings.Contains(full, "TOOL_TYPE: store_memory") {
		t.Error("unfiltered catalog is missing store_memory")
	}
}

func TestCatalogRender_AllDisabledButTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryDisabledStore(TypeRetrieveMemory, TypeRollDice, TypeSendVoiceMessage, TypeStoreMemory)
	out, err := NewCatalog(store).Render(ctx, true)
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if got := strings.Count(out, "TOOL_TYPE: "); got != 1 {
		t.Errorf("rendered %d tools, want 1", got)
	}
	if !strings.HasPrefix(out, "TOOL_TYPE: send_message\n") {
		t.Errorf("catalog = %q, want only send_message", out)
	}
}
