package artifact

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kingrea/procman/internal/errs"
	"github.com/kingrea/procman/internal/process"
)

func activity(kind process.ArtifactKind, params ...string) *process.ActivityDefinition {
	def := &process.ArtifactDefinition{ID: "art", Kind: kind}
	for i := 0; i+1 < len(params); i += 2 {
		def.Parameters = append(def.Parameters, process.Parameter{Name: params[i], Value: params[i+1]})
	}
	return &process.ActivityDefinition{ID: "act", Kind: process.UserTask, Artifact: def}
}

func form(pairs ...string) *process.Artifact {
	art := &process.Artifact{}
	for i := 0; i+1 < len(pairs); i += 2 {
		art.Shared = append(art.Shared, process.SharedPair{Key: pairs[i], Value: pairs[i+1]})
	}
	return art
}

func requireInvalid(t *testing.T, err error, fragment string) {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrInvalidArgument), "expected invalid argument, got %v", err)
	require.Contains(t, err.Error(), fragment)
}

func TestValidateAcceptsWellFormedArtifacts(t *testing.T) {
	v := NewValidator(nil)
	ctx := context.Background()

	require.NoError(t, v.Validate(ctx, activity(process.ArtifactForm, "required", "amount, owner"), form("amount", "10", "owner", "ana"), nil))
	require.NoError(t, v.Validate(ctx, activity(process.ArtifactForm), &process.Artifact{Content: []byte(`{"a":1}`)}, nil))
	require.NoError(t, v.Validate(ctx, activity(process.ArtifactDocument), &process.Artifact{Content: []byte("# notes")}, nil))
	require.NoError(t, v.Validate(ctx, activity(process.ArtifactDecision), form("value", "true"), nil))
	require.NoError(t, v.Validate(ctx, activity(process.ArtifactDecision, "variable", "approved"), form("approved", "false"), nil))

	passThrough := &process.ActivityDefinition{ID: "auto", Kind: process.AutomaticTask}
	require.NoError(t, v.Validate(ctx, passThrough, nil, nil))
}

func TestValidateRejectsShapeMismatches(t *testing.T) {
	v := NewValidator(nil)
	ctx := context.Background()

	requireInvalid(t, v.Validate(ctx, activity(process.ArtifactForm), nil, nil), "requires an artifact")
	requireInvalid(t, v.Validate(ctx, activity(process.ArtifactForm), form(), nil), "carries no fields")
	requireInvalid(t, v.Validate(ctx, activity(process.ArtifactForm, "required", "amount"), form("owner", "ana"), nil), `"amount" is required`)
	requireInvalid(t, v.Validate(ctx, activity(process.ArtifactDocument), form("a", "b"), nil), "has no content")
	requireInvalid(t, v.Validate(ctx, activity(process.ArtifactDecision), form("other", "x"), nil), `must set "value"`)

	wrongDef := form("a", "b")
	wrongDef.ArtifactDefinitionID = "other"
	requireInvalid(t, v.Validate(ctx, activity(process.ArtifactForm), wrongDef, nil), "expects")

	big := &process.Artifact{Content: []byte(strings.Repeat("x", 11))}
	requireInvalid(t, v.Validate(ctx, activity(process.ArtifactDocument, "maxSize", "10"), big, nil), "limit is 10")

	typed := &process.Artifact{Content: []byte("{}"), ContentType: "text/plain"}
	requireInvalid(t, v.Validate(ctx, activity(process.ArtifactDocument, "contentType", "application/json"), typed, nil), "content type")

	broken := &process.Artifact{Content: []byte("{not json"), ContentType: "application/json"}
	requireInvalid(t, v.Validate(ctx, activity(process.ArtifactDocument), broken, nil), "not valid JSON")
}

func TestValidateRunsConditionScripts(t *testing.T) {
	v := NewValidator(nil)
	ctx := context.Background()
	act := activity(process.ArtifactForm,
		"preconditionsScript", "if (shared.stage !== 'open') reject('stage is closed')",
		"postconditionsScript", "Number(shared.amount) <= 5000",
	)

	require.NoError(t, v.Validate(ctx, act, form("amount", "100"), map[string]string{"stage": "open"}))
	requireInvalid(t, v.Validate(ctx, act, form("amount", "100"), map[string]string{"stage": "done"}), "preconditions")
	requireInvalid(t, v.Validate(ctx, act, form("amount", "9000"), map[string]string{"stage": "open"}), "postconditions")

	syntax := activity(process.ArtifactForm, "postconditionsScript", "shared.amount ===")
	requireInvalid(t, v.Validate(ctx, syntax, form("amount", "1"), nil), "could not be evaluated")
}

func TestPrepareFillsDefinitionDefaults(t *testing.T) {
	act := activity(process.ArtifactForm, "contentType", "application/json", "name", "Request form")
	in := form("a", "b")
	out := Prepare(act, in)
	require.Equal(t, "art", out.ArtifactDefinitionID)
	require.Equal(t, "application/json", out.ContentType)
	require.Equal(t, "Request form", out.Name)
	require.Empty(t, in.ArtifactDefinitionID, "Prepare must not modify its input")
}
