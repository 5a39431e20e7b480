package trust

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentchat/daemon/internal/envelope"
	"github.com/agentchat/daemon/internal/guardrail"
	"github.com/agentchat/daemon/internal/relay"
)

type fakeMinter struct {
	fail bool
}

func (f *fakeMinter) MintTrustToken(ctx context.Context, target string, action relay.TrustAction, messageID string) (string, error) {
	if f.fail {
		return "", errors.New("mint failed")
	}
	return "https://relay.example/trust/" + target + "/" + action, nil
}

func TestClassifyTrustedClean(t *testing.T) {
	class := Classify(envelope.ReadTrusted, guardrail.Result{})
	assert.Equal(t, Clean, class)
}

func TestClassifyTrustedFlagged(t *testing.T) {
	class := Classify(envelope.ReadTrusted, guardrail.Result{Flagged: true})
	assert.Equal(t, Flagged, class)
}

func TestClassifyTrustedUnscanned(t *testing.T) {
	class := Classify(envelope.ReadTrusted, guardrail.Result{Unavailable: true})
	assert.Equal(t, Unscanned, class)
}

func TestClassifyBlindIgnoresGuardrailResult(t *testing.T) {
	class := Classify(envelope.ReadBlind, guardrail.Result{Flagged: true})
	assert.Equal(t, Blind, class)
}

func TestRouteCleanSendsToBothSinks(t *testing.T) {
	env := &envelope.Envelope{ID: "m-1", From: "bob", To: "alice"}
	msg := Route(t.Context(), env, Clean, Context{LocalHandle: "alice"}, &fakeMinter{})

	assert.NotEmpty(t, msg.HumanText)
	assert.True(t, msg.AISend)
	assert.NotEmpty(t, msg.AIText)
	assert.False(t, msg.AIReceipt)
}

func TestRouteFlaggedExcludesAI(t *testing.T) {
	env := &envelope.Envelope{ID: "m-1", From: "bob", To: "alice"}
	msg := Route(t.Context(), env, Flagged, Context{LocalHandle: "alice"}, &fakeMinter{})

	assert.NotEmpty(t, msg.HumanText)
	assert.False(t, msg.AISend)
	assert.Empty(t, msg.AIText)
	require.Len(t, msg.HumanButtons, 2)
	assert.Equal(t, string(ActionUntrust), msg.HumanButtons[0].Label)
	assert.Equal(t, string(ActionBlock), msg.HumanButtons[1].Label)
}

func TestRouteUnscannedMarksAIContent(t *testing.T) {
	env := &envelope.Envelope{ID: "m-1", From: "bob", To: "alice"}
	msg := Route(t.Context(), env, Unscanned, Context{LocalHandle: "alice"}, &fakeMinter{})

	assert.True(t, msg.AISend)
	assert.Contains(t, msg.AIText, "unscanned")
}

func TestRouteBlindExcludesAIWithoutReceipts(t *testing.T) {
	env := &envelope.Envelope{ID: "m-1", From: "bob", To: "alice"}
	msg := Route(t.Context(), env, Blind, Context{LocalHandle: "alice"}, &fakeMinter{})

	assert.False(t, msg.AISend)
	assert.False(t, msg.AIReceipt)
	require.Len(t, msg.HumanButtons, 3)
	assert.Equal(t, string(ActionForwardOne), msg.HumanButtons[0].Label)
	assert.Equal(t, string(ActionTrust), msg.HumanButtons[1].Label)
	assert.Equal(t, string(ActionBlock), msg.HumanButtons[2].Label)
}

func TestRouteBlindSendsReceiptWhenEnabled(t *testing.T) {
	env := &envelope.Envelope{ID: "m-1", From: "bob", To: "alice"}
	msg := Route(t.Context(), env, Blind, Context{LocalHandle: "alice", BlindReceipts: true}, &fakeMinter{})

	assert.True(t, msg.AIReceipt)
	assert.False(t, msg.AISend)
}

func TestRouteUnifiedChannelCollapsesToHumanOnly(t *testing.T) {
	env := &envelope.Envelope{ID: "m-1", From: "bob", To: "alice"}
	msg := Route(t.Context(), env, Clean, Context{LocalHandle: "alice", UnifiedChannel: true}, &fakeMinter{})

	assert.NotEmpty(t, msg.HumanText)
	assert.False(t, msg.AISend)
	assert.Empty(t, msg.AIText)
}

func TestRouteMintFailureDegradesToButtonlessMessage(t *testing.T) {
	env := &envelope.Envelope{ID: "m-1", From: "bob", To: "alice"}
	msg := Route(t.Context(), env, Flagged, Context{LocalHandle: "alice"}, &fakeMinter{fail: true})

	assert.Empty(t, msg.HumanButtons)
	assert.NotEmpty(t, msg.HumanText)
}

func TestRouteNilMinterProducesNoButtons(t *testing.T) {
	env := &envelope.Envelope{ID: "m-1", From: "bob", To: "alice"}
	msg := Route(t.Context(), env, Blind, Context{LocalHandle: "alice"}, nil)
	assert.Nil(t, msg.HumanButtons)
}

func TestComposeReplyHintOnboardingVsShort(t *testing.T) {
	env := &envelope.Envelope{ID: "m-1", From: "bob", To: "alice"}

	onboarding := composeReplyHint(env, Context{FirstTrustedEver: true})
	assert.Contains(t, onboarding, "automatically")

	short := composeReplyHint(env, Context{})
	assert.NotContains(t, short, "automatically")
	assert.Contains(t, short, "send(handle=")
}

func TestComposeReplyHintIncludesGroupHintWhenSet(t *testing.T) {
	env := &envelope.Envelope{ID: "m-1", From: "bob", To: "alice"}
	hint := composeReplyHint(env, Context{IsGroupReplyHint: true})
	assert.Contains(t, hint, "private=true")
}
