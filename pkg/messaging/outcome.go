package messaging

import (
	"strings"
)

type OutcomeKind int

const (
	Success OutcomeKind = iota
	VerificationRequired
	Protected
	Blocked
	NoButton
	InputFailure
	SendFailure
	UnknownError
)

var outcomeNames = map[OutcomeKind]string{
	Success:              "success",
	VerificationRequired: "verification_required",
	Protected:            "protected",
	Blocked:              "blocked",
	NoButton:             "no_button",
	InputFailure:         "input_failure",
	SendFailure:          "send_failure",
	UnknownError:         "unknown_error",
}

func (k OutcomeKind) String() string {
	if name, ok := outcomeNames[k]; ok {
		return name
	}
	return "unknown"
}

// Transient reports whether another attempt at the same profile may succeed.
func (k OutcomeKind) Transient() bool {
	switch k {
	case InputFailure, SendFailure, UnknownError:
		return true
	}
	return false
}

// Outcome is the classified terminal result of one dispatch.
type Outcome struct {
	Kind   OutcomeKind
	Detail string
	// State is where the dispatch terminated.
	State State
}

// Composed reports whether the dispatch got past classification, i.e. the
// account accepted messages and an attempt to write one was made.
func (o Outcome) Composed() bool {
	return o.Kind == Success || o.State >= StateReady
}

func (o Outcome) String() string {
	if o.Detail == "" {
		return o.Kind.String()
	}
	return o.Kind.String() + ": " + o.Detail
}

// ButtonState describes the profile's message button.
type ButtonState struct {
	Present  bool `json:"present"`
	Disabled bool `json:"disabled"`
}

// Snapshot is what classification looks at on a loaded profile page.
type Snapshot struct {
	Text      string      `json:"text"`
	Protected bool        `json:"protected"`
	Compose   ButtonState `json:"compose"`
}

var verificationPhrases = []string{
	"verify your account",
	"verify your phone",
	"verify your identity",
	"only verified",
	"unless you're verified",
	"get verified to message",
	"subscribe to premium to message",
}

var protectedPhrases = []string{
	"these posts are protected",
	"these tweets are protected",
	"this account is protected",
}

var blockedPhrases = []string{
	"you're blocked",
	"you have been blocked",
	"account suspended",
	"this account doesn't exist",
	"this account is temporarily restricted",
	"can't be messaged",
	"can't message this account",
	"doesn't accept messages",
}

func containsAny(text string, phrases []string) string {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return p
		}
	}
	return ""
}

func normalizeText(s string) string {
	s = strings.ToLower(s)
	return strings.NewReplacer("\u2019", "'", "\u00a0", " ").Replace(s)
}

// Classify inspects a profile snapshot before any interaction. It returns
// ready=true when the compose button can be clicked; otherwise the outcome
// is terminal. Verification gates win over protection, which wins over
// blocking.
func Classify(s Snapshot) (Outcome, bool) {
	text := normalizeText(s.Text)

	if p := containsAny(text, verificationPhrases); p != "" {
		return Outcome{Kind: VerificationRequired, Detail: p}, false
	}

	if s.Protected {
		return Outcome{Kind: Protected, Detail: "protected account marker"}, false
	}
	if p := containsAny(text, protectedPhrases); p != "" {
		return Outcome{Kind: Protected, Detail: p}, false
	}

	if p := containsAny(text, blockedPhrases); p != "" {
		return Outcome{Kind: Blocked, Detail: p}, false
	}

	if !s.Compose.Present {
		return Outcome{Kind: NoButton, Detail: "message button not found"}, false
	}
	if s.Compose.Disabled {
		return Outcome{Kind: NoButton, Detail: "message button disabled"}, false
	}

	return Outcome{}, true
}

var sendFailurePhrases = []string{
	"failed to send",
	"message not sent",
	"couldn't send",
	"could not send",
	"something went wrong",
	"try again",
}

// sendFailure returns the alert text that indicates the message was rejected.
func sendFailure(alerts []string) string {
	for _, a := range alerts {
		if containsAny(normalizeText(a), sendFailurePhrases) != "" {
			return strings.TrimSpace(a)
		}
	}
	return ""
}
