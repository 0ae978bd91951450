package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for kernel observability spans and metrics.
var (
	AttrLMProvider = attribute.Key("lm.provider")
	AttrLMCallType = attribute.Key("lm.call_type")

	AttrTokensPrompt     = attribute.Key("lm.tokens.prompt")
	AttrTokensCompletion = attribute.Key("lm.tokens.completion")
	AttrTokensTotal      = attribute.Key("lm.tokens.total")

	AttrToolName       = attribute.Key("tool.name")
	AttrToolSideEffect = attribute.Key("tool.side_effect")
	AttrToolStatus     = attribute.Key("tool.status")

	AttrRunID      = attribute.Key("run.id")
	AttrRunOutcome = attribute.Key("run.outcome")
	AttrEventKind  = attribute.Key("event.kind")
)
