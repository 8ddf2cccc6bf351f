package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/SupportPipe/internal/graph"
	"github.com/BTreeMap/SupportPipe/internal/models"
)

// Request errors. ErrMissingCode rejects an empty two_factor_code before resuming,
// so it does not count as a failed attempt and the pending challenge is untouched.
var (
	ErrMissingQuestion = errors.New(`you must provide a "question" parameter if you are not resuming a conversation`)
	ErrMissingThreadID = errors.New(`you must provide a "thread_id" parameter`)
	ErrMissingCode     = errors.New(`the "two_factor_code" parameter must not be empty`)
)

// IsRequestError reports whether err was caused by the caller's input rather than the system.
func IsRequestError(err error) bool {
	return errors.Is(err, ErrMissingQuestion) ||
		errors.Is(err, ErrMissingThreadID) ||
		errors.Is(err, ErrMissingCode) ||
		errors.Is(err, graph.ErrNoPendingInterrupt)
}

// Turn is one inbound request. A non-nil Code makes it a resumption.
type Turn struct {
	ThreadID string
	Question string
	Code     *string
}

// IsResume reports whether the turn answers a pending challenge.
func (t Turn) IsResume() bool { return t.Code != nil }

// Reply is the rendered outcome of a turn.
type Reply struct {
	Text         string
	Status       graph.Status
	AuthState    models.AuthState
	FailureCount int
}

// Controller turns requests into workflow invocations and renders the result.
type Controller struct {
	graph *SupportGraph
}

// NewController creates a controller driving g.
func NewController(g *SupportGraph) (*Controller, error) {
	if g == nil {
		return nil, fmt.Errorf("support graph is required")
	}
	return &Controller{graph: g}, nil
}

// HandleTurn runs a fresh turn or resumes a suspended one.
func (c *Controller) HandleTurn(ctx context.Context, turn Turn) (Reply, error) {
	if turn.ThreadID == "" {
		return Reply{}, ErrMissingThreadID
	}
	ctx = WithThreadID(ctx, turn.ThreadID)

	var (
		res graph.Result[models.ConversationState]
		err error
	)
	if turn.IsResume() {
		if *turn.Code == "" {
			return Reply{}, ErrMissingCode
		}
		slog.Debug("Controller.HandleTurn: resuming", "threadID", turn.ThreadID)
		res, err = c.graph.Resume(ctx, turn.ThreadID, Update{ProvidedCode: graph.Set(*turn.Code)})
	} else {
		if turn.Question == "" {
			return Reply{}, ErrMissingQuestion
		}
		slog.Debug("Controller.HandleTurn: fresh turn", "threadID", turn.ThreadID)
		res, err = c.graph.Invoke(ctx, turn.ThreadID, freshTurnInput(turn.Question))
	}
	if err != nil {
		if IsRequestError(err) {
			slog.Debug("Controller.HandleTurn: request rejected", "threadID", turn.ThreadID, "error", err)
		} else {
			slog.Error("Controller.HandleTurn: turn failed", "threadID", turn.ThreadID, "error", err)
		}
		return Reply{}, err
	}

	reply := Reply{
		Text:         RenderOutput(res.State),
		Status:       res.Status,
		AuthState:    res.State.AuthState,
		FailureCount: res.State.AuthFailureCount,
	}
	slog.Info("Controller.HandleTurn: turn finished", "threadID", turn.ThreadID, "status", reply.Status, "authState", reply.AuthState)
	return reply, nil
}

// freshTurnInput appends the question and abandons any unanswered challenge.
func freshTurnInput(question string) Update {
	return Update{
		Messages:         []models.Message{models.NewUserMessage(question)},
		AuthState:        graph.Clear[models.AuthState](),
		GeneratedCode:    graph.Clear[string](),
		ProvidedCode:     graph.Clear[string](),
		AuthFailureCount: graph.Set(0),
	}
}

// RenderOutput produces the plain-text response for a conversation state.
func RenderOutput(s models.ConversationState) string {
	if s.AuthState == models.AuthStateAuthorizing {
		return strings.Join([]string{
			"To confirm it's really you, we've texted you a code.",
			"Please re-enter the code here once you receive it.",
			fmt.Sprintf("You've had %d failed attempts.", s.AuthFailureCount),
		}, "\n\n")
	}
	last, ok := s.LastMessage()
	if !ok {
		return ""
	}
	return last.Content
}
