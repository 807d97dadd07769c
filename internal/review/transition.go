package review

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mov-extract/internal/model"
)

// SystemActor records policy-driven transitions.
const SystemActor = "system"

var (
	// ErrIllegalTransition is returned for a move the lifecycle does not allow.
	ErrIllegalTransition = eris.New("review: illegal transition")
	// ErrActorRequired is returned when a human transition has no actor.
	ErrActorRequired = eris.New("review: actor required")
)

// allowed maps each status to the statuses it may move to. Moves out of
// draft are made by the policy; the rest need a human actor.
var allowed = map[model.ReviewStatus][]model.ReviewStatus{
	model.StatusDraft:        {model.StatusAutoApproved, model.StatusNeedsReview},
	model.StatusNeedsReview:  {model.StatusApproved, model.StatusRejected},
	model.StatusAutoApproved: {model.StatusApproved, model.StatusRejected},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to model.ReviewStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves stored to the given status and records who did it.
// An empty actor is accepted only for policy moves out of draft.
func Transition(stored *model.StoredReport, to model.ReviewStatus, actor string, at time.Time, note string) error {
	from := stored.Status
	if !CanTransition(from, to) {
		return eris.Wrapf(ErrIllegalTransition, "%s -> %s", from, to)
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		if from != model.StatusDraft {
			return eris.Wrapf(ErrActorRequired, "%s -> %s", from, to)
		}
		actor = SystemActor
	}
	stored.Transitions = append(stored.Transitions, model.Transition{
		From:  from,
		To:    to,
		Actor: actor,
		At:    at.UTC(),
		Note:  note,
	})
	stored.Status = to
	return nil
}

// TransitionLog is the processing log record of the latest transition.
func TransitionLog(stored *model.StoredReport) model.LogEntry {
	t := stored.Transitions[len(stored.Transitions)-1]
	return model.LogEntry{
		DocumentID: stored.ID(),
		At:         t.At,
		Kind:       model.LogTransition,
		Message:    string(t.From) + " -> " + string(t.To),
		Detail:     map[string]any{"actor": t.Actor, "note": t.Note},
	}
}
