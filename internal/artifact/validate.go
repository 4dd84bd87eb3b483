// Package artifact checks submitted artifacts against their definitions and
// renders committed artifacts as front-matter documents for file storage.
package artifact

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/kingrea/procman/internal/errs"
	"github.com/kingrea/procman/internal/process"
	"github.com/kingrea/procman/internal/script"
)

const validateOp = "validateArtifact"

// Validator checks the shape of submitted artifacts.
type Validator struct {
	sandbox *script.Sandbox
}

// NewValidator builds a validator. A nil sandbox uses script defaults.
func NewValidator(sandbox *script.Sandbox) *Validator {
	if sandbox == nil {
		sandbox = script.New()
	}
	return &Validator{sandbox: sandbox}
}

// Prepare fills defaults the definition implies, such as the artifact
// definition id and content type. It returns a copy.
func Prepare(act *process.ActivityDefinition, art *process.Artifact) *process.Artifact {
	out := art.Clone()
	if out == nil {
		out = &process.Artifact{}
	}
	if act == nil || act.Artifact == nil {
		return out
	}
	if out.ArtifactDefinitionID == "" {
		out.ArtifactDefinitionID = act.Artifact.ID
	}
	if out.ContentType == "" {
		if ct, ok := act.Artifact.Param(process.ParamContentType); ok {
			out.ContentType = ct
		}
	}
	if out.Name == "" {
		if name, ok := act.Artifact.Param(process.ParamName); ok {
			out.Name = name
		}
	}
	return out
}

// Validate checks art against the artifact definition of act. accumulated is
// the shared information of the instance before this commit and is what the
// preconditions script sees. Activities without an artifact definition accept
// anything.
func (v *Validator) Validate(ctx context.Context, act *process.ActivityDefinition, art *process.Artifact, accumulated map[string]string) error {
	if act == nil {
		return errs.InvalidArgument(validateOp, "no activity to validate against")
	}
	def := act.Artifact
	if def == nil {
		return nil
	}
	if art == nil {
		return errs.InvalidArgument(validateOp, "activity %q requires an artifact of kind %s", act.ID, def.Kind)
	}
	if art.ArtifactDefinitionID != "" && art.ArtifactDefinitionID != def.ID {
		return errs.InvalidArgument(validateOp, "artifact is for definition %q but activity %q expects %q", art.ArtifactDefinitionID, act.ID, def.ID)
	}
	if ct, ok := def.Param(process.ParamContentType); ok && art.ContentType != "" && !strings.EqualFold(ct, art.ContentType) {
		return errs.InvalidArgument(validateOp, "artifact content type %q does not match %q", art.ContentType, ct)
	}
	if raw, ok := def.Param(process.ParamMaxSize); ok {
		if limit, err := strconv.Atoi(raw); err == nil && len(art.Content) > limit {
			return errs.InvalidArgument(validateOp, "artifact content is %d bytes, the limit is %d", len(art.Content), limit)
		}
	}
	if isJSON(art.ContentType) && len(art.Content) > 0 && !gjson.ValidBytes(art.Content) {
		return errs.InvalidArgument(validateOp, "artifact content is not valid JSON")
	}
	shared := art.SharedMap()
	if raw, ok := def.Param(process.ParamRequired); ok {
		for _, key := range splitList(raw) {
			if strings.TrimSpace(shared[key]) == "" {
				return errs.InvalidArgument(validateOp, "shared information %q is required", key)
			}
		}
	}
	if err := checkKind(def, art, shared); err != nil {
		return err
	}
	if src, ok := def.Param(process.ParamPreconditionsScript); ok {
		in := script.Input{Activity: act.ID, Shared: accumulated}
		if err := v.sandbox.Check(ctx, src, in); err != nil {
			return scriptError("preconditions", act.ID, err)
		}
	}
	if src, ok := def.Param(process.ParamPostconditionsScript); ok {
		in := script.Input{Activity: act.ID, Shared: shared, Content: art.Content, ContentType: art.ContentType}
		if err := v.sandbox.Check(ctx, src, in); err != nil {
			return scriptError("postconditions", act.ID, err)
		}
	}
	return nil
}

func checkKind(def *process.ArtifactDefinition, art *process.Artifact, shared map[string]string) error {
	switch def.Kind {
	case process.ArtifactForm:
		if len(shared) == 0 && !gjson.ParseBytes(art.Content).IsObject() {
			return errs.InvalidArgument(validateOp, "form artifact %q carries no fields", def.ID)
		}
	case process.ArtifactDocument, process.ArtifactAttachment:
		if len(art.Content) == 0 {
			return errs.InvalidArgument(validateOp, "%s artifact %q has no content", def.Kind, def.ID)
		}
	case process.ArtifactDecision:
		key := process.DefaultDecisionVariable
		if name, ok := def.Param(process.ParamVariable); ok && name != "" {
			key = name
		}
		if strings.TrimSpace(shared[key]) == "" {
			return errs.InvalidArgument(validateOp, "decision artifact %q must set %q", def.ID, key)
		}
	}
	return nil
}

func scriptError(phase, activityID string, err error) error {
	var rejection *script.Rejection
	if errors.As(err, &rejection) {
		return errs.Wrap(errs.KindInvalidArgument, validateOp, err, "%s of activity %q rejected the artifact", phase, activityID)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errs.Wrap(errs.KindInvalidArgument, validateOp, err, "%s of activity %q could not be evaluated", phase, activityID)
}

func isJSON(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "application/json") || strings.HasSuffix(strings.SplitN(ct, ";", 2)[0], "+json")
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
