package commands

import (
	"strings"
	"unicode"
)

type Kind int

const (
	KindFlowInput Kind = iota
	KindCommand
)

func (k Kind) String() string {
	if k == KindCommand {
		return "command"
	}
	return "flow_input"
}

// Input is one classified inbound message. Name and Args are set for
// KindCommand, Text for KindFlowInput.
type Input struct {
	Kind Kind
	Name string
	Args string
	Text string
}

// Classify decides once per message whether text is a command or an answer
// for the active flow. "/name@botname args" and the bare word "cancel" are
// commands; everything else is flow input.
func Classify(text string) Input {
	trimmed := strings.TrimSpace(text)
	if strings.EqualFold(trimmed, "cancel") {
		return Input{Kind: KindCommand, Name: "cancel"}
	}
	if len(trimmed) < 2 || trimmed[0] != '/' {
		return Input{Kind: KindFlowInput, Text: trimmed}
	}

	head, args := trimmed[1:], ""
	if i := strings.IndexFunc(head, unicode.IsSpace); i >= 0 {
		head, args = head[:i], head[i:]
	}
	head, _, _ = strings.Cut(head, "@")
	if head == "" {
		return Input{Kind: KindFlowInput, Text: trimmed}
	}
	return Input{
		Kind: KindCommand,
		Name: strings.ToLower(head),
		Args: strings.TrimSpace(args),
	}
}
