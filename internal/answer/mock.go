package answer

import (
	"context"
	"strings"
	"time"
)

// MockGenerator returns canned interview answers without any backend.
type MockGenerator struct {
	Delay time.Duration
}

// NewMockGenerator creates a mock with a small simulated latency.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{Delay: 10 * time.Millisecond}
}

func (m *MockGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	question := strings.ToLower(req.Question)
	var text string
	switch {
	case strings.Contains(question, "tell me about yourself") || strings.Contains(question, "introduce yourself"):
		text = "I am a dedicated professional with strong communication skills and a passion for continuous learning. I believe my experience and enthusiasm make me a great fit for this role."
	case strings.Contains(question, "why do you want"):
		text = "I am excited about this opportunity because it aligns perfectly with my career goals and allows me to contribute my skills while growing professionally."
	case strings.Contains(question, "strength"):
		text = "One of my key strengths is my ability to work collaboratively while maintaining attention to detail. I consistently deliver high-quality results under pressure."
	case strings.Contains(question, "weakness") || strings.Contains(question, "improve"):
		text = "I sometimes focus too much on perfecting details, but I've learned to balance thoroughness with meeting deadlines effectively."
	case strings.Contains(question, "experience") || strings.Contains(question, "worked on"):
		text = "In my previous roles, I have successfully managed projects and collaborated with diverse teams to achieve challenging goals and deliver excellent results."
	case strings.Contains(question, "challenge") || strings.Contains(question, "difficult"):
		text = "I once inherited a project that was behind schedule. I broke the remaining work into clear milestones, communicated openly with everyone involved, and we delivered on time."
	default:
		text = "That's an excellent question. Based on my experience and understanding of the role, I believe the key is to approach challenges systematically while maintaining clear communication with stakeholders."
	}

	return Result{
		Question:       req.Question,
		Answer:         postProcess(text, req.MaxLength),
		Confidence:     0.85,
		ProcessingTime: time.Since(start).Seconds(),
		Metadata: map[string]string{
			"style":         req.Style,
			"question_type": QuestionType(req.Question),
		},
	}, nil
}
