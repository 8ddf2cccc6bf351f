package flow

import (
	"github.com/BTreeMap/SupportPipe/internal/graph"
	"github.com/BTreeMap/SupportPipe/internal/models"
)

// Update is the change a step or a turn input applies to a conversation.
// Messages merge by ID; every other field is Keep unless set explicitly.
type Update struct {
	Messages         []models.Message
	AuthState        graph.Field[models.AuthState]
	GeneratedCode    graph.Field[string]
	ProvidedCode     graph.Field[string]
	AuthFailureCount graph.Field[int]
}

// Reduce folds u into s. A message whose ID is already in the transcript
// replaces that entry in place; any other message is appended.
func Reduce(s models.ConversationState, u Update) models.ConversationState {
	if len(u.Messages) > 0 {
		merged := make([]models.Message, len(s.Messages), len(s.Messages)+len(u.Messages))
		copy(merged, s.Messages)
		index := make(map[string]int, len(merged))
		for i, m := range merged {
			index[m.ID] = i
		}
		for _, m := range u.Messages {
			if i, ok := index[m.ID]; ok && m.ID != "" {
				merged[i] = m
				continue
			}
			index[m.ID] = len(merged)
			merged = append(merged, m)
		}
		s.Messages = merged
	}
	s.AuthState = u.AuthState.Apply(s.AuthState)
	s.GeneratedCode = u.GeneratedCode.Apply(s.GeneratedCode)
	s.ProvidedCode = u.ProvidedCode.Apply(s.ProvidedCode)
	s.AuthFailureCount = u.AuthFailureCount.Apply(s.AuthFailureCount)
	return s
}
