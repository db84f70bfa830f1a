package answer

import (
	"fmt"
	"strings"
)

// prompt is a system/user pair ready for a chat-style model.
type prompt struct {
	System string
	User   string
}

const professionalSystem = `You are an expert interview coach helping someone prepare professional, concise answers for job interviews.

Guidelines:
- Keep answers brief (1-2 sentences, max 150 words)
- Be professional and confident
- Focus on relevant skills and experience
- Use action verbs and specific examples when possible
- Avoid filler words and unnecessary details
- Make answers sound natural when spoken aloud`

const professionalUser = `Question: %s

Context: %s

Provide a brief, professional answer that would be appropriate for a job interview. The answer should be:
- Concise and direct
- Professional in tone
- Easy to speak aloud
- Relevant to the question asked`

const academicSystem = `You are helping someone prepare for academic interviews (graduate school, research positions, etc.).

Guidelines:
- Keep answers scholarly but accessible (1-2 sentences, max 150 words)
- Demonstrate intellectual curiosity and analytical thinking
- Reference relevant academic concepts when appropriate
- Show passion for the field of study
- Be humble but confident about achievements`

const academicUser = `Question: %s

Context: %s

Provide a brief, academic answer suitable for a graduate school or research position interview.`

const casualSystem = `You are helping someone prepare conversational, natural answers for informal interviews.

Guidelines:
- Keep answers natural and conversational (1-2 sentences, max 150 words)
- Use a friendly, approachable tone
- Be authentic and genuine
- Show personality while remaining professional
- Make it sound like natural speech`

const casualUser = `Question: %s

Context: %s

Provide a brief, natural answer that sounds conversational but still professional.`

// buildPrompt selects the template for style, defaulting to professional.
func buildPrompt(req Request) prompt {
	ctx := req.Context
	if ctx == "" {
		ctx = "This is a general interview question."
	}
	switch req.Style {
	case "academic":
		return prompt{System: academicSystem, User: fmt.Sprintf(academicUser, req.Question, ctx)}
	case "casual":
		return prompt{System: casualSystem, User: fmt.Sprintf(casualUser, req.Question, ctx)}
	default:
		return prompt{System: professionalSystem, User: fmt.Sprintf(professionalUser, req.Question, ctx)}
	}
}

// QuestionType buckets an interview question by intent.
func QuestionType(question string) string {
	q := strings.ToLower(question)
	switch {
	case containsAny(q, "tell me about yourself", "introduce yourself"):
		return "introduction"
	case containsAny(q, "why do you want", "why are you interested"):
		return "motivation"
	case containsAny(q, "strength", "weakness"):
		return "self_assessment"
	case containsAny(q, "experience", "project", "worked on"):
		return "experience"
	case containsAny(q, "challenge", "difficult", "problem"):
		return "problem_solving"
	case containsAny(q, "future", "goal", "plan"):
		return "future_goals"
	default:
		return "general"
	}
}

func containsAny(s string, phrases ...string) bool {
	for _, phrase := range phrases {
		if strings.Contains(s, phrase) {
			return true
		}
	}
	return false
}
