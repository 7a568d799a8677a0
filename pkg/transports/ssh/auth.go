package ssh

import (
	"errors"

	"github.com/rs/zerolog/log"
)

// ErrPromptCancelled is returned by a Responder when the user dismisses a prompt.
var ErrPromptCancelled = errors.New("prompt cancelled")

// Prompt is one keyboard-interactive question.
type Prompt struct {
	// Name and Instruction are the challenge header sent by the server.
	Name        string
	Instruction string

	// Text is the question to display.
	Text string

	// Secret is true when input must be masked.
	Secret bool
}

// Responder answers a single keyboard-interactive prompt.
type Responder func(p Prompt) (string, error)

// answerChallenge presents each question to the responder in order.
// A cancelled or failed prompt is answered with an empty string and the
// handshake continues; the server decides whether that is acceptable.
func (c *Config) answerChallenge(name, instruction string, questions []string, echos []bool) ([]string, error) {
	answers := make([]string, len(questions))

	for i, question := range questions {
		p := Prompt{
			Name:        name,
			Instruction: instruction,
			Text:        question,
			Secret:      i >= len(echos) || !echos[i],
		}

		log.Debug().
			Str("component", "transport").
			Str("prompt", question).
			Bool("secret", p.Secret).
			Msg("keyboard-interactive prompt")

		if c.Responder == nil {
			if p.Secret {
				answers[i] = c.Password
			}
			continue
		}

		answer, err := c.Responder(p)
		if err != nil {
			if !errors.Is(err, ErrPromptCancelled) {
				log.Warn().Err(err).Str("component", "transport").Msg("prompt responder failed, sending empty answer")
			}
			answers[i] = ""
			continue
		}
		answers[i] = answer
	}

	return answers, nil
}
