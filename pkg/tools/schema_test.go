package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateArgsRequired(t *testing.T) {
	schema := []Field{
		{Name: "title", Type: TypeString, Required: true},
		{Name: "priority", Type: TypeInteger},
	}

	_, err := ValidateArgs(schema, map[string]any{})
	var invalid *InvalidParamsError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "title", invalid.Field)

	args, err := ValidateArgs(schema, map[string]any{"title": "build"})
	require.NoError(t, err)
	assert.Equal(t, "build", args.String("title"))
	assert.Equal(t, 0, args.Int("priority"))
}

func TestValidateArgsTypes(t *testing.T) {
	cases := []struct {
		name  string
		field Field
		value any
		ok    bool
	}{
		{"string ok", Field{Name: "f", Type: TypeString}, "x", true},
		{"string wrong", Field{Name: "f", Type: TypeString}, 1.0, false},
		{"integer ok", Field{Name: "f", Type: TypeInteger}, float64(3), true},
		{"integer fractional", Field{Name: "f", Type: TypeInteger}, 3.5, false},
		{"number ok", Field{Name: "f", Type: TypeNumber}, 3.5, true},
		{"boolean ok", Field{Name: "f", Type: TypeBoolean}, true, true},
		{"boolean wrong", Field{Name: "f", Type: TypeBoolean}, "yes", false},
		{"object ok", Field{Name: "f", Type: TypeObject}, map[string]any{"k": 1}, true},
		{"object wrong", Field{Name: "f", Type: TypeObject}, []any{}, false},
		{"array ok", Field{Name: "f", Type: TypeArray}, []any{"a"}, true},
		{"array wrong", Field{Name: "f", Type: TypeArray}, "a", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateArgs([]Field{tc.field}, map[string]any{"f": tc.value})
			if tc.ok {
				assert.NoError(t, err)
			} else {
				var invalid *InvalidParamsError
				require.ErrorAs(t, err, &invalid)
				assert.Equal(t, "f", invalid.Field)
			}
		})
	}
}

func TestValidateArgsEnum(t *testing.T) {
	schema := []Field{{Name: "role", Type: TypeString, Enum: []string{"reader", "worker", "admin"}}}

	_, err := ValidateArgs(schema, map[string]any{"role": "worker"})
	assert.NoError(t, err)

	_, err = ValidateArgs(schema, map[string]any{"role": "owner"})
	var invalid *InvalidParamsError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "role", invalid.Field)
}

func TestValidateArgsIgnoresExtras(t *testing.T) {
	args, err := ValidateArgs([]Field{{Name: "a", Type: TypeString}}, map[string]any{
		"a": "x", "unexpected": 42,
	})
	require.NoError(t, err)
	assert.False(t, args.Has("unexpected"))
}

func TestArgsAccessors(t *testing.T) {
	args := Args{
		"s":   "hello",
		"i":   float64(7),
		"b":   true,
		"arr": []any{"a", "b"},
		"obj": map[string]any{"k": "v"},
	}
	assert.Equal(t, "hello", args.String("s"))
	assert.Equal(t, 7, args.Int("i"))
	assert.Equal(t, int64(7), args.Int64("i"))
	assert.True(t, args.Bool("b"))
	assert.Equal(t, []string{"a", "b"}, args.Strings("arr"))
	assert.JSONEq(t, `{"k":"v"}`, string(args.Object("obj")))
	assert.Nil(t, args.Object("missing"))
}

func TestSchemaJSON(t *testing.T) {
	out := schemaJSON([]Field{
		{Name: "title", Type: TypeString, Required: true, Description: "task title"},
		{Name: "role", Type: TypeString, Enum: []string{"reader"}},
	})
	assert.Equal(t, "object", out["type"])
	assert.Equal(t, []string{"title"}, out["required"])
	props := out["properties"].(map[string]any)
	title := props["title"].(map[string]any)
	assert.Equal(t, "string", title["type"])
	assert.Equal(t, "task title", title["description"])
}
