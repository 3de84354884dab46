package call

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AgentName is the persona name used in all prompts.
const AgentName = "Spike Bot"

// Prompter builds the system prompts for a benefit-verification call. The
// persona text is fixed at construction; the slot-dependent parts are derived
// from the State passed to each method.
type Prompter struct {
	persona string
}

// NewPrompter creates a Prompter for the given patient.
func NewPrompter(patient PatientInfo) *Prompter {
	card, _ := json.MarshalIndent(patient, "", "  ")
	persona := fmt.Sprintf(
		"You are %s, a data collector working for Spike Clinical. "+
			"Your role is to gather necessary data from the insurance company representatives. "+
			"You call them to get the information about the patient's insurance.\n\n"+
			"The information about the patient that you can use to identify the patient:\n%s\n\n"+
			"You don't offer assistance to the representative. You only ask for the information "+
			"and respond to their questions to identify the patient.",
		AgentName, card,
	)
	return &Prompter{persona: persona}
}

// System returns the system prompt for the next reply given the current call
// state and history length. The very first exchange uses the bare persona;
// afterwards the prompt either asks for the first missing slot or, once all
// slots are captured, switches to a summarization instruction.
func (p *Prompter) System(state *State, historyLen int) string {
	if historyLen <= 1 {
		return p.persona
	}
	if state.Complete() {
		return p.summaryPrompt(state)
	}
	return p.missingPrompt(state)
}

// missingPrompt directs the agent to ask for the first missing slot.
func (p *Prompter) missingPrompt(state *State) string {
	missing := state.Missing()
	first := missing[0]
	return fmt.Sprintf(
		"%s\nYou should ask the representative for the following information:\n%s - %s",
		p.persona, first, Explanations[first],
	)
}

// summaryPrompt directs the agent to summarize the captured values.
func (p *Prompter) summaryPrompt(state *State) string {
	var b strings.Builder
	b.WriteString(p.persona)
	b.WriteString("\nYou should summarize the conversation in a single paragraph using the following information:\n")
	f := state.fields()
	for i, name := range slotOrder {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %v", name, f[name])
	}
	return b.String()
}

// ExtractionPrompt is the system instruction for the structured slot
// extraction call.
const ExtractionPrompt = "Parse the conversation into the benefit verification fields.\n" +
	"- Only extract values explicitly stated in the conversation.\n" +
	"- If a value is not mentioned, set it to null.\n" +
	"- Do not infer, assume, or guess values based on typical defaults."
