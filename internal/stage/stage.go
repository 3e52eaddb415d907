// Package stage defines the onboarding stage sequence and the rule that
// advances a conversation through it.
package stage

import (
	"fmt"
	"regexp"
	"strings"
)

// ID identifies one onboarding stage.
type ID string

const (
	Intro            ID = "INTRO"
	ProgramValueL1   ID = "PROGRAM_VALUE_L1"
	ProgramValueL2   ID = "PROGRAM_VALUE_L2"
	PaymentStructure ID = "PAYMENT_STRUCTURE"
	NBFC             ID = "NBFC"
	RCA              ID = "RCA"
	KYC              ID = "KYC"
	EndFlow          ID = "END_FLOW"
)

// Definition pairs a stage with its display title.
type Definition struct {
	ID    ID     `json:"id"`
	Title string `json:"title"`
}

var definitions = []Definition{
	{ID: Intro, Title: "Intro"},
	{ID: ProgramValueL1, Title: "Program Value"},
	{ID: ProgramValueL2, Title: "Program Details"},
	{ID: PaymentStructure, Title: "Payment"},
	{ID: NBFC, Title: "NBFC"},
	{ID: RCA, Title: "Co-Applicant"},
	{ID: KYC, Title: "KYC"},
	{ID: EndFlow, Title: "Finish"},
}

// All returns the ordered stage definitions.
func All() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// Initial returns the stage new conversations start in.
func Initial() ID { return definitions[0].ID }

// Terminal returns the final stage.
func Terminal() ID { return definitions[len(definitions)-1].ID }

// Valid reports whether id names a known stage.
func Valid(id ID) bool {
	_, ok := Lookup(id)
	return ok
}

// Lookup returns the definition for id.
func Lookup(id ID) (Definition, bool) {
	for _, d := range definitions {
		if d.ID == id {
			return d, true
		}
	}
	return Definition{}, false
}

// Index returns the position of id in the sequence, or -1.
func Index(id ID) int {
	for i, d := range definitions {
		if d.ID == id {
			return i
		}
	}
	return -1
}

// UnknownSignalError reports a completion signal naming a stage that does not exist.
type UnknownSignalError struct {
	Signal string
}

func (e *UnknownSignalError) Error() string {
	return fmt.Sprintf("stage signal names unknown stage %q", e.Signal)
}

var signalPattern = regexp.MustCompile(`\[STAGE_COMPLETE:([^\]]*)\]`)

// Signal formats the in-band completion token for id.
func Signal(id ID) string {
	return "[STAGE_COMPLETE:" + string(id) + "]"
}

// Transition is the outcome of applying a transcript to the current stage.
type Transition struct {
	From    ID
	To      ID
	Text    string
	Changed bool
}

// Advance applies transcript text to current.
//
// Every completion token is removed from the returned text. The last token
// decides the transition. Unknown stage ids leave the stage unchanged and
// return an *UnknownSignalError alongside a usable Transition. Nothing leaves
// the terminal stage.
func Advance(current ID, text string) (Transition, error) {
	t := Transition{From: current, To: current, Text: text}

	matches := signalPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return t, nil
	}
	t.Text = strip(text)

	signal := strings.TrimSpace(matches[len(matches)-1][1])
	next := ID(signal)
	if !Valid(next) {
		return t, &UnknownSignalError{Signal: signal}
	}
	if current == Terminal() || next == current {
		return t, nil
	}

	t.To = next
	t.Changed = true
	return t, nil
}

func strip(text string) string {
	return strings.Join(strings.Fields(signalPattern.ReplaceAllString(text, " ")), " ")
}
