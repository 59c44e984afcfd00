package voiceflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"dialogue-relay/internal/domain"
)

const (
	traceSpeak  = "speak"
	traceText   = "text"
	traceChoice = "choice"
	traceEnd    = "end"
)

type trace struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type messagePayload struct {
	Message string `json:"message"`
}

type choicePayload struct {
	Buttons []button `json:"buttons"`
}

type button struct {
	Name    string          `json:"name"`
	Request json.RawMessage `json:"request"`
}

type buttonRequest struct {
	Payload struct {
		Label string `json:"label"`
	} `json:"payload"`
}

// parseTraces folds a trace list into a DialogueTurn. Unknown trace types are
// skipped. The last choice trace wins.
func parseTraces(raw []byte) (domain.DialogueTurn, error) {
	var traces []trace
	if err := json.Unmarshal(raw, &traces); err != nil {
		return domain.DialogueTurn{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	turn := domain.DialogueTurn{Continues: true}
	for _, tr := range traces {
		switch tr.Type {
		case traceSpeak, traceText:
			var p messagePayload
			if err := json.Unmarshal(tr.Payload, &p); err != nil {
				return domain.DialogueTurn{}, fmt.Errorf("%w: %s payload: %v", ErrMalformedResponse, tr.Type, err)
			}
			if strings.TrimSpace(p.Message) != "" {
				turn.Texts = append(turn.Texts, p.Message)
			}
		case traceChoice:
			var p choicePayload
			if err := json.Unmarshal(tr.Payload, &p); err != nil {
				return domain.DialogueTurn{}, fmt.Errorf("%w: choice payload: %v", ErrMalformedResponse, err)
			}
			opts, err := choiceOptions(p.Buttons)
			if err != nil {
				return domain.DialogueTurn{}, err
			}
			turn.Options = opts
		case traceEnd:
			turn.Continues = false
		}
	}
	return turn, nil
}

// choiceOptions numbers buttons by their position in the trace. Every button
// must carry the request to send back when it is chosen.
func choiceOptions(buttons []button) (domain.OptionSet, error) {
	labels := make([]string, 0, len(buttons))
	payloads := make([]json.RawMessage, 0, len(buttons))
	for i, b := range buttons {
		req := bytes.TrimSpace(b.Request)
		if len(req) == 0 || bytes.Equal(req, []byte("null")) {
			return nil, fmt.Errorf("%w: choice button %d has no request", ErrMalformedResponse, i+1)
		}
		labels = append(labels, buttonLabel(b))
		payloads = append(payloads, b.Request)
	}
	return domain.NewOptionSet(labels, payloads), nil
}

func buttonLabel(b button) string {
	var req buttonRequest
	if err := json.Unmarshal(b.Request, &req); err == nil {
		if label := strings.TrimSpace(req.Payload.Label); label != "" {
			return label
		}
	}
	return strings.TrimSpace(b.Name)
}
