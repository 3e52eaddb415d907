package engine

import (
	"strings"

	"github.com/capitalize-ai/voice-onboarding/internal/model"
	"github.com/capitalize-ai/voice-onboarding/internal/stage"
)

type script struct {
	goal       string
	text       string
	transition string
}

var scripts = map[stage.ID]script{
	stage.Intro: {
		goal:       "Welcome the user and explain the process.",
		text:       "Hi {name}! I'm Maya, your onboarding assistant. I'll help you finish the next steps quickly. This will only take a few minutes and by the end you'll be fully ready to start learning. Shall we begin?",
		transition: "If they agree, progress to PROGRAM_VALUE_L1.",
	},
	stage.ProgramValueL1: {
		goal:       "Explain the practical learning approach.",
		text:       "Most colleges focus on theory. At NxtWave we keep things practical: students build projects companies value and gain real-world experience. We guide them through six growth cycles to become job-ready. Would you like more details or shall we move on?",
		transition: "If the user wants more detail go to PROGRAM_VALUE_L2, otherwise move to PAYMENT_STRUCTURE.",
	},
	stage.ProgramValueL2: {
		goal:       "Provide more details on skills and outcomes.",
		text:       "Great! Our structured path ensures every learner gains practical skills. Students finish with 8-10 real projects and 4.0 tech skills, aiming for roles with salaries up to 18 LPA. Does that clarify how the program stands out? I can connect you with an expert if you need more detail.",
		transition: "If they are ready, move to PAYMENT_STRUCTURE.",
	},
	stage.PaymentStructure: {
		goal:       "Present payment options.",
		text:       "We have four payment options: Full Payment, Credit Card, Personal Loan, and 0% EMI with RBI-approved partners. Which option feels right for you?",
		transition: "If they choose 0% EMI, go to NBFC. Otherwise finish at END_FLOW.",
	},
	stage.NBFC: {
		goal:       "Explain NBFC and EMI support.",
		text:       "NBFCs are RBI-approved partners who enable fast 0% EMI plans. The whole process is digital and requires no physical paperwork.",
		transition: "After clarifying, head to RCA if they can proceed. If confused, promise a callback and go to END_FLOW.",
	},
	stage.RCA: {
		goal:       "Explain Right Co-Applicant requirements.",
		text:       "To complete the EMI, we need a Right Co-Applicant, someone with a steady income and good credit (CIBIL > 750), often a parent, guardian, or sibling. Do you have someone in mind?",
		transition: "If yes, move to KYC. If not, explain an expert will call and finish at END_FLOW.",
	},
	stage.KYC: {
		goal:       "Guide the user on KYC.",
		text:       "We are almost done! You will soon get a WhatsApp link to our KYC portal. Please have Aadhaar, PAN, and bank statements of the co-applicant ready.",
		transition: "After confirmation, move to END_FLOW.",
	},
	stage.EndFlow: {
		goal:       "Wrap up the call.",
		text:       "Thank you for your time! An expert will reach out shortly with the next steps.",
		transition: "Politely conclude.",
	},
}

// BuildPrompt renders the system instruction for a generation round.
func BuildPrompt(userName string, current stage.ID, history []model.Message) string {
	s, ok := scripts[current]
	if !ok {
		s = scripts[stage.Initial()]
	}

	sections := []string{
		"You are Maya, a bilingual AI onboarding assistant guiding prospective students.",
		"Current stage: " + s.goal,
		"Script guideline: " + strings.Replace(s.text, "{name}", userName, 1),
		"Transition instruction: " + s.transition,
		"When the goal of the current stage is met, end your reply with " +
			stage.Signal("<NEXT_STAGE_ID>") + " naming the stage to move to.",
	}

	if len(history) > 0 {
		var b strings.Builder
		b.WriteString("Conversation history:")
		for _, msg := range history {
			b.WriteString("\n")
			b.WriteString(strings.ToUpper(string(msg.Speaker)))
			b.WriteString(": ")
			b.WriteString(msg.Text)
		}
		sections = append(sections, b.String())
	}

	sections = append(sections, "Respond in a friendly conversational tone mixing English with Telugu phrases when appropriate.")
	return strings.Join(sections, "\n\n")
}
